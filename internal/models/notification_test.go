package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotificationStatus_Advances(t *testing.T) {
	tests := []struct {
		from, to NotificationStatus
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusSent, true},
		{StatusQueued, StatusPending, false},
		{StatusSent, StatusQueued, false},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusSent, false},
		{StatusSent, StatusSent, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.Advances(tt.to))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, NotificationTypeEmail.Valid())
	assert.True(t, NotificationTypePush.Valid())
	assert.False(t, NotificationType("sms").Valid())
	assert.True(t, StatusDelivered.Valid())
	assert.False(t, NotificationStatus("bounced").Valid())
}

func TestNotificationRecord_Clone(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NotificationRecord{
		NotificationID: "n-1",
		Status:         StatusSent,
		UpdatedAt:      &ts,
		Metadata:       map[string]interface{}{"k": "v"},
	}

	clone := rec.Clone()
	clone.Metadata["k"] = "changed"
	*clone.UpdatedAt = ts.Add(time.Hour)

	assert.Equal(t, "v", rec.Metadata["k"])
	assert.Equal(t, ts, *rec.UpdatedAt)
	assert.NotNil(t, NotificationRecord{}.Clone().Metadata)
}

func TestDeliveryMessage_MessageID(t *testing.T) {
	assert.Equal(t, "n-7", DeliveryMessage{NotificationID: "n-7"}.MessageID())
}
