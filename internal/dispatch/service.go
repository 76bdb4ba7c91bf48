// internal/dispatch/service.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"dispatch-engine/internal/common/breaker"
	"dispatch-engine/internal/common/broker"
	apperrors "dispatch-engine/internal/common/errors"
	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/common/metrics"
	"dispatch-engine/internal/common/observability"
	"dispatch-engine/internal/common/templates"
	"dispatch-engine/internal/common/users"
	"dispatch-engine/internal/common/validation"
	"dispatch-engine/internal/models"
)

const (
	ComponentName = "dispatch"

	defaultMessagePriority = 1
)

// Dependencies are the collaborators of a Service. Cache and Observability are optional.
type Dependencies struct {
	Publisher     Publisher
	Users         UserClient
	Templates     TemplateClient
	Breakers      *breaker.Registry
	Cache         PreferenceCache
	Observability *observability.Observability
	Logger        logger.Logger
}

// Service creates notifications, tracks their status and serves reads.
type Service struct {
	config    *Config
	publisher Publisher
	users     UserClient
	templates TemplateClient
	cache     PreferenceCache
	obs       *observability.Observability
	logger    logger.Logger

	store  *store
	flight singleflight.Group

	userPrefs     *breaker.Command[userLookup, users.Preferences]
	templateCheck *breaker.Command[string, struct{}]
}

// NewService builds the orchestrator. The registry should resolve settings
// through BreakerSettings so template rejections are not counted as failures.
func NewService(config *Config, deps Dependencies) (*Service, error) {
	if deps.Publisher == nil || deps.Users == nil || deps.Templates == nil || deps.Breakers == nil {
		return nil, errors.New("dispatch: publisher, user client, template client and breaker registry are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logger.NewNoOpLogger()
	}

	s := &Service{
		config:    config,
		publisher: deps.Publisher,
		users:     deps.Users,
		templates: deps.Templates,
		cache:     deps.Cache,
		obs:       deps.Observability,
		logger:    log.Named(ComponentName),
		store:     newStore(),
	}
	s.userPrefs = breaker.Get(deps.Breakers, UserServiceBreaker, s.fetchPreferences, s.userFallback)
	s.templateCheck = breaker.Get(deps.Breakers, TemplateServiceBreaker, s.validateTemplate, s.templateFallback)
	return s, nil
}

// Create validates, deduplicates and publishes one notification.
// Repeating a request id returns the record created the first time.
func (s *Service) Create(ctx context.Context, input CreateInput, authToken string) (models.NotificationRecord, error) {
	start := s.config.Now()
	// dependency calls and the publish outlive a caller that goes away
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.obs.StartSpan(ctx, "dispatch.create",
		attribute.String("notification.type", string(input.NotificationType)),
		attribute.String("request.id", input.RequestID),
	)
	defer span.End()

	rec, outcome, err := s.create(ctx, input, authToken)

	elapsed := s.config.Now().Sub(start)
	metrics.CreateDuration.Observe(elapsed.Seconds())
	s.obs.RecordDispatchDuration(ctx, elapsed, outcome)
	s.obs.RecordDispatched(ctx, string(input.NotificationType), outcome)
	span.SetAttributes(attribute.String("dispatch.outcome", outcome))

	if err != nil {
		metrics.NotificationsFailed.WithLabelValues(failureReason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.NotificationRecord{}, err
	}
	span.SetAttributes(attribute.String("notification.id", rec.NotificationID))
	return rec, nil
}

func (s *Service) create(ctx context.Context, input CreateInput, authToken string) (models.NotificationRecord, string, error) {
	if err := validateInput(validation.CreateNotificationSchema, input); err != nil {
		return models.NotificationRecord{}, outcomeRejected, err
	}

	if rec, ok := s.store.getByRequest(input.RequestID); ok {
		s.idempotentHit(rec)
		return rec, outcomeIdempotent, nil
	}

	// Concurrent creates sharing a request id wait on the first one.
	led := false
	v, err, _ := s.flight.Do(input.RequestID, func() (interface{}, error) {
		led = true
		if rec, ok := s.store.getByRequest(input.RequestID); ok {
			return rec, nil
		}
		return s.dispatch(ctx, input, authToken)
	})
	if err != nil {
		return models.NotificationRecord{}, outcomeOf(err), err
	}

	rec := v.(models.NotificationRecord).Clone()
	if !led {
		s.idempotentHit(rec)
		return rec, outcomeIdempotent, nil
	}
	return rec, outcomeCreated, nil
}

func (s *Service) dispatch(ctx context.Context, input CreateInput, authToken string) (models.NotificationRecord, error) {
	log := s.logger.WithFields(map[string]interface{}{
		"requestId":        input.RequestID,
		"userId":           input.UserID,
		"notificationType": string(input.NotificationType),
	})

	prefs, err := s.userPrefs.Fire(ctx, userLookup{UserID: input.UserID, AuthToken: authToken})
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			return models.NotificationRecord{}, err
		}
		return models.NotificationRecord{}, apperrors.NewInternalError(err)
	}
	if !prefs.Allows(input.NotificationType) {
		log.Info("Channel disabled by user preferences", nil)
		return models.NotificationRecord{}, apperrors.NewChannelDisabledError(string(input.NotificationType))
	}

	if _, err := s.templateCheck.Fire(ctx, input.TemplateCode); err != nil {
		if templates.IsRejection(err) {
			log.Info("Template rejected", map[string]interface{}{"templateCode": input.TemplateCode})
			return models.NotificationRecord{}, apperrors.NewTemplateRejectedError(input.TemplateCode, err)
		}
		log.Warn("Template validation skipped", map[string]interface{}{
			"templateCode": input.TemplateCode,
			"error":        err,
		})
	}

	rec, inserted := s.store.insert(models.NotificationRecord{
		NotificationID:   uuid.NewString(),
		RequestID:        input.RequestID,
		NotificationType: input.NotificationType,
		Status:           models.StatusPending,
		CreatedAt:        s.config.Now().UTC(),
		Metadata:         models.CloneMetadata(input.Metadata),
	})
	if !inserted {
		return rec, nil
	}

	msg := models.DeliveryMessage{
		NotificationID: rec.NotificationID,
		UserID:         input.UserID,
		TemplateCode:   input.TemplateCode,
		Variables:      models.CloneMetadata(input.Variables),
		RequestID:      input.RequestID,
		Priority:       defaultMessagePriority,
		Metadata:       models.CloneMetadata(input.Metadata),
	}
	if input.Priority != nil {
		msg.Priority = *input.Priority
	}

	key := broker.RoutingKey(input.NotificationType)
	accepted, err := s.publisher.Publish(ctx, key, msg, brokerPriority(input.Priority))
	if err != nil || !accepted {
		return s.publishFailed(ctx, rec, msg, key, err)
	}

	metrics.NotificationsCreated.WithLabelValues(string(input.NotificationType)).Inc()
	log.Info("Notification queued", map[string]interface{}{
		"notificationId": rec.NotificationID,
		"priority":       msg.Priority,
	})
	return rec, nil
}

// publishFailed routes a copy to the failed queue and marks the record failed.
// The original failure is always the one returned.
func (s *Service) publishFailed(ctx context.Context, rec models.NotificationRecord, msg models.DeliveryMessage, key broker.RoutingKey, cause error) (models.NotificationRecord, error) {
	if cause == nil {
		cause = fmt.Errorf("broker did not accept message on %s", key)
	}
	log := s.logger.WithFields(map[string]interface{}{
		"notificationId": rec.NotificationID,
		"routingKey":     string(key),
	})
	log.Error("Failed to publish notification", map[string]interface{}{"error": cause})

	if ok, err := s.publisher.Publish(ctx, broker.RoutingKeyFailed, msg, nil); err != nil || !ok {
		log.Error("Failed to route notification to failed queue", map[string]interface{}{
			"error":    err,
			"accepted": ok,
		})
	}

	now := s.config.Now().UTC()
	s.store.update(rec.NotificationID, func(r *models.NotificationRecord) bool {
		r.Status = models.StatusFailed
		r.UpdatedAt = &now
		r.Metadata["error"] = cause.Error()
		return true
	})
	return models.NotificationRecord{}, apperrors.NewPublishFailedError(string(key), cause)
}

// UpdateStatus applies a delivery result reported by a worker.
func (s *Service) UpdateStatus(ctx context.Context, update StatusUpdate) (models.NotificationRecord, error) {
	if err := validateInput(validation.StatusUpdateSchema, update); err != nil {
		return models.NotificationRecord{}, err
	}

	var mismatch, regressed bool
	var previous models.NotificationStatus
	rec, found, applied := s.store.update(update.NotificationID, func(r *models.NotificationRecord) bool {
		if update.NotificationType != "" && r.NotificationType != update.NotificationType {
			mismatch = true
			return false
		}
		previous = r.Status
		if unchangedBy(*r, update) {
			return false
		}
		if s.config.EnforceStatusOrder && !r.Status.Advances(update.Status) {
			regressed = true
			return false
		}
		r.Status = update.Status
		if update.Timestamp != nil {
			ts := update.Timestamp.UTC()
			r.UpdatedAt = &ts
		}
		if update.Error != "" {
			r.Metadata["error"] = update.Error
		}
		return true
	})

	switch {
	case !found:
		return models.NotificationRecord{}, apperrors.NewNotificationNotFoundError(update.NotificationID)
	case mismatch:
		return models.NotificationRecord{}, apperrors.NewValidationError(
			"Notification type does not match",
			fmt.Sprintf("notification %s is %s, not %s", update.NotificationID, rec.NotificationType, update.NotificationType),
		)
	case regressed:
		s.logger.Warn("Ignoring out-of-order status update", map[string]interface{}{
			"notificationId": update.NotificationID,
			"current":        string(previous),
			"requested":      string(update.Status),
		})
		return rec, nil
	}

	if applied {
		metrics.StatusUpdates.WithLabelValues(string(update.Status)).Inc()
		s.logger.Debug("Notification status updated", map[string]interface{}{
			"notificationId": update.NotificationID,
			"from":           string(previous),
			"to":             string(update.Status),
		})
	}
	return rec, nil
}

// unchangedBy reports whether applying update to r would leave it as is.
// A repeated delivery callback is therefore not counted twice.
func unchangedBy(r models.NotificationRecord, update StatusUpdate) bool {
	if r.Status != update.Status {
		return false
	}
	if update.Timestamp != nil && (r.UpdatedAt == nil || !r.UpdatedAt.Equal(*update.Timestamp)) {
		return false
	}
	if update.Error != "" && r.Metadata["error"] != update.Error {
		return false
	}
	return true
}

// Get returns a copy of the current record.
func (s *Service) Get(ctx context.Context, notificationID string) (models.NotificationRecord, error) {
	rec, ok := s.store.get(notificationID)
	if !ok {
		return models.NotificationRecord{}, apperrors.NewNotificationNotFoundError(notificationID)
	}
	return rec, nil
}

// count returns the number of tracked notifications.
func (s *Service) count() int {
	return s.store.len()
}

func (s *Service) idempotentHit(rec models.NotificationRecord) {
	metrics.IdempotentHits.Inc()
	s.logger.Info("Returning existing notification for request id", map[string]interface{}{
		"requestId":      rec.RequestID,
		"notificationId": rec.NotificationID,
	})
}

func validateInput(schema *gojsonschema.Schema, doc interface{}) error {
	result, err := validation.Validate(schema, doc)
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	if !result.Valid {
		return apperrors.NewValidationError("Invalid request", result.Summary())
	}
	return nil
}

func brokerPriority(p *int) *uint8 {
	if p == nil {
		return nil
	}
	v := uint8(*p)
	return &v
}

func failureReason(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeValidationFailed:
		return reasonValidation
	case apperrors.ErrCodeChannelDisabled:
		return reasonChannelDisabled
	case apperrors.ErrCodeTemplateRejected:
		return reasonTemplate
	case apperrors.ErrCodePublishFailed:
		return reasonPublish
	case apperrors.ErrCodeDependencyUnavailable:
		return reasonDependency
	}
	return reasonInternal
}

func outcomeOf(err error) string {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeValidationFailed, apperrors.ErrCodeChannelDisabled, apperrors.ErrCodeTemplateRejected:
		return outcomeRejected
	}
	return outcomeFailed
}
