// internal/dispatch/models.go
package dispatch

import (
	"context"
	"time"

	"dispatch-engine/internal/common/broker"
	"dispatch-engine/internal/common/users"
	"dispatch-engine/internal/models"
)

// CreateInput is a request to create one notification.
type CreateInput struct {
	NotificationType models.NotificationType `json:"notification_type"`
	UserID           string                  `json:"user_id"`
	TemplateCode     string                  `json:"template_code"`
	Variables        map[string]interface{}  `json:"variables"`
	RequestID        string                  `json:"request_id"`
	Priority         *int                    `json:"priority,omitempty"`
	Metadata         map[string]interface{}  `json:"metadata,omitempty"`
}

// StatusUpdate is a delivery result reported by a worker.
type StatusUpdate struct {
	NotificationID string                    `json:"notification_id"`
	Status         models.NotificationStatus `json:"status"`
	Timestamp      *time.Time                `json:"timestamp,omitempty"`
	Error          string                    `json:"error,omitempty"`
	// NotificationType, when set, must match the record.
	NotificationType models.NotificationType `json:"-"`
}

// Publisher hands delivery messages to the broker.
type Publisher interface {
	Publish(ctx context.Context, key broker.RoutingKey, message any, priority *uint8) (bool, error)
}

// UserClient reads user profiles.
type UserClient interface {
	GetUser(ctx context.Context, userID, authToken string) (*users.User, error)
}

// TemplateClient checks that a template code exists.
type TemplateClient interface {
	Validate(ctx context.Context, templateCode string) error
}

// PreferenceCache stores last known good preferences.
type PreferenceCache interface {
	Get(ctx context.Context, userID string) (users.Preferences, bool, error)
	Put(ctx context.Context, userID string, prefs users.Preferences) error
}

// userLookup is the argument of the user breaker.
type userLookup struct {
	UserID    string
	AuthToken string
}

// Failure reasons recorded on dispatch_notifications_failed_total.
const (
	reasonValidation      = "validation"
	reasonChannelDisabled = "channel_disabled"
	reasonTemplate        = "template_rejected"
	reasonPublish         = "publish_failed"
	reasonDependency      = "dependency_unavailable"
	reasonInternal        = "internal"
)

// Outcomes recorded on spans and OTel instruments.
const (
	outcomeCreated    = "created"
	outcomeIdempotent = "idempotent"
	outcomeRejected   = "rejected"
	outcomeFailed     = "failed"
)
