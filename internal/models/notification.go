// internal/models/notification.go
package models

import "time"

// NotificationType is the delivery channel of a notification.
type NotificationType string

const (
	NotificationTypeEmail NotificationType = "email"
	NotificationTypePush  NotificationType = "push"
)

// Valid reports whether t is a supported channel.
func (t NotificationType) Valid() bool {
	return t == NotificationTypeEmail || t == NotificationTypePush
}

// NotificationStatus is the lifecycle state of a notification.
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusQueued    NotificationStatus = "queued"
	StatusFailed    NotificationStatus = "failed"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
)

var statusRank = map[NotificationStatus]int{
	StatusPending:   0,
	StatusQueued:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusFailed:    4,
}

// Valid reports whether s is a known status.
func (s NotificationStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is expected from s.
func (s NotificationStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Advances reports whether moving from s to next keeps the lifecycle monotonic.
// failed is reachable from any non-terminal state.
func (s NotificationStatus) Advances(next NotificationStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}

// NotificationRecord is the authoritative in-memory state of one notification.
type NotificationRecord struct {
	NotificationID   string                 `json:"notification_id"`
	RequestID        string                 `json:"request_id"`
	NotificationType NotificationType       `json:"notification_type"`
	Status           NotificationStatus     `json:"status"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        *time.Time             `json:"updated_at,omitempty"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// Clone returns a copy that shares no mutable state with r.
func (r NotificationRecord) Clone() NotificationRecord {
	out := r
	out.Metadata = CloneMetadata(r.Metadata)
	if r.UpdatedAt != nil {
		ts := *r.UpdatedAt
		out.UpdatedAt = &ts
	}
	return out
}

// DeliveryMessage is the payload published to the broker for the delivery workers.
type DeliveryMessage struct {
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	TemplateCode   string                 `json:"template_code"`
	Variables      map[string]interface{} `json:"variables"`
	RequestID      string                 `json:"request_id"`
	Priority       int                    `json:"priority"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// MessageID is used as the AMQP message id.
func (m DeliveryMessage) MessageID() string { return m.NotificationID }

// CloneMetadata shallow-copies m. A nil map yields an empty one.
func CloneMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
