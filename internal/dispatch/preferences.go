// internal/dispatch/preferences.go
package dispatch

import (
	"context"

	apperrors "dispatch-engine/internal/common/errors"
	"dispatch-engine/internal/common/templates"
	"dispatch-engine/internal/common/users"
)

// fetchPreferences is the operation behind the user-service breaker.
// A user without preferences enables no channel.
func (s *Service) fetchPreferences(ctx context.Context, lookup userLookup) (users.Preferences, error) {
	user, err := s.users.GetUser(ctx, lookup.UserID, lookup.AuthToken)
	if err != nil {
		return users.Preferences{}, err
	}

	var prefs users.Preferences
	if user.Preferences != nil {
		prefs = *user.Preferences
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, lookup.UserID, prefs); err != nil {
			s.logger.Warn("Failed to cache user preferences", map[string]interface{}{
				"userId": lookup.UserID,
				"error":  err,
			})
		}
	}
	return prefs, nil
}

// userFallback applies the configured policy when the user service could not answer.
func (s *Service) userFallback(ctx context.Context, lookup userLookup, cause error) (users.Preferences, error) {
	if s.config.UserFallbackPolicy == FailClosed {
		return users.Preferences{}, apperrors.NewDependencyUnavailableError(UserServiceBreaker, cause)
	}

	if s.cache != nil {
		prefs, found, err := s.cache.Get(ctx, lookup.UserID)
		switch {
		case err != nil:
			s.logger.Warn("Preference cache lookup failed", map[string]interface{}{
				"userId": lookup.UserID,
				"error":  err,
			})
		case found:
			s.logger.Warn("User service unavailable, using cached preferences", map[string]interface{}{
				"userId": lookup.UserID,
				"cause":  cause.Error(),
			})
			return prefs, nil
		}
	}

	s.logger.Warn("User service unavailable, allowing all channels", map[string]interface{}{
		"userId": lookup.UserID,
		"cause":  cause.Error(),
	})
	return users.PermissivePreferences(), nil
}

// templateFallback lets creation continue without template validation.
// A rejection that reached here because the breaker was not told about it
// is still surfaced.
func (s *Service) templateFallback(_ context.Context, templateCode string, cause error) (struct{}, error) {
	if templates.IsRejection(cause) {
		return struct{}{}, cause
	}
	s.logger.Warn("Template validation unavailable, continuing", map[string]interface{}{
		"templateCode": templateCode,
		"cause":        cause.Error(),
	})
	return struct{}{}, nil
}

func (s *Service) validateTemplate(ctx context.Context, templateCode string) (struct{}, error) {
	return struct{}{}, s.templates.Validate(ctx, templateCode)
}
