// Package users reads user profiles and notification preferences from the user service.
package users

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	commonhttp "dispatch-engine/internal/common/http"
	"dispatch-engine/internal/models"
)

var (
	ErrUserNotFound       = errors.New("USER_NOT_FOUND")
	ErrUnrecognizedShape  = errors.New("USER_RESPONSE_UNRECOGNIZED")
	ErrInvalidUserPayload = errors.New("USER_RESPONSE_INVALID")
)

// Preferences are the per-channel opt-ins of a user.
type Preferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// PermissivePreferences enables every channel.
func PermissivePreferences() Preferences {
	return Preferences{Email: true, Push: true}
}

// User is the subset of the user profile the dispatcher needs.
type User struct {
	ID          string       `json:"id"`
	Email       string       `json:"email,omitempty"`
	PushToken   string       `json:"push_token,omitempty"`
	Preferences *Preferences `json:"preferences,omitempty"`
}

// Allows reports whether channel t is enabled.
func (p Preferences) Allows(t models.NotificationType) bool {
	switch t {
	case models.NotificationTypeEmail:
		return p.Email
	case models.NotificationTypePush:
		return p.Push
	}
	return false
}

// Allows reports whether the user accepts notifications on channel t.
// Missing preferences allow nothing.
func (u User) Allows(t models.NotificationType) bool {
	if u.Preferences == nil {
		return false
	}
	return u.Preferences.Allows(t)
}

// Client calls GET /api/v1/users/{id}.
type Client struct {
	http *commonhttp.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{http: commonhttp.NewClient(baseURL, timeout)}
}

// GetUser fetches a user, forwarding authToken as a bearer token when set.
func (c *Client) GetUser(ctx context.Context, userID, authToken string) (*User, error) {
	var raw json.RawMessage
	err := c.http.GetJSON(ctx, "/api/v1/users/"+url.PathEscape(userID), authToken, &raw)
	if err != nil {
		var statusErr *commonhttp.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return nil, err
	}
	return DecodeUser(raw)
}

// responseShape discriminates the two payloads the user service may return.
type responseShape int

const (
	shapeUnknown responseShape = iota
	// {"success":..., "data": {user}, ...}
	shapeEnvelope
	// {"id": "...", "preferences": {...}, ...}
	shapePlain
)

func discriminate(fields map[string]json.RawMessage) responseShape {
	if _, ok := fields["data"]; ok {
		return shapeEnvelope
	}
	if prefs, ok := fields["preferences"]; ok && isObject(prefs) {
		return shapePlain
	}
	if id, ok := fields["id"]; ok && len(id) > 0 && id[0] == '"' {
		return shapePlain
	}
	return shapeUnknown
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

// DecodeUser accepts either an enveloped or a plain user payload.
func DecodeUser(raw []byte) (*User, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUserPayload, err)
	}

	switch discriminate(fields) {
	case shapeEnvelope:
		data := bytes.TrimSpace(fields["data"])
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return nil, ErrUserNotFound
		}
		var user User
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUserPayload, err)
		}
		return &user, nil
	case shapePlain:
		var user User
		if err := json.Unmarshal(raw, &user); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUserPayload, err)
		}
		return &user, nil
	default:
		return nil, ErrUnrecognizedShape
	}
}
