// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_notifications_created_total",
			Help: "Total number of notifications accepted and published",
		},
		[]string{"notification_type"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_notifications_failed_total",
			Help: "Total number of notification creations rejected or failed",
		},
		[]string{"reason"},
	)

	IdempotentHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_idempotent_hits_total",
			Help: "Total number of creations answered from an existing request id",
		},
	)

	StatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_status_updates_total",
			Help: "Total number of applied status updates",
		},
		[]string{"status"},
	)

	CreateDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_create_duration_seconds",
			Help:    "Duration of notification creation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BrokerPublish = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Total number of broker publish attempts",
		},
		[]string{"routing_key", "result"},
	)

	BreakerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_events_total",
			Help: "Total number of circuit breaker events",
		},
		[]string{"breaker", "event"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)
)
