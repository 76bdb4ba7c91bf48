package breaker

import (
	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/common/metrics"
)

// LogListener logs transitions and failures. Successes are logged at debug.
func LogListener(log logger.Logger) Listener {
	log = log.Named("breaker")
	return func(e Event) {
		fields := map[string]interface{}{
			"breaker": e.Breaker,
			"event":   string(e.Type),
			"state":   e.State.String(),
		}
		if e.Err != nil {
			fields["error"] = e.Err.Error()
		}
		switch e.Type {
		case EventOpen:
			log.Warn("circuit opened", fields)
		case EventHalfOpen:
			log.Info("circuit half-open, allowing trial call", fields)
		case EventClose:
			log.Info("circuit closed", fields)
		case EventFailure:
			log.Warn("call failed", fields)
		case EventTimeout:
			log.Warn("call timed out", fields)
		case EventReject:
			log.Error("call rejected, circuit open", fields)
		case EventFallback:
			log.Warn("fallback invoked", fields)
		default:
			log.Debug("call succeeded", fields)
		}
	}
}

// MetricsListener counts events and tracks the state gauge.
func MetricsListener() Listener {
	return func(e Event) {
		metrics.BreakerEvents.WithLabelValues(e.Breaker, string(e.Type)).Inc()
		metrics.BreakerState.WithLabelValues(e.Breaker).Set(float64(e.State))
	}
}
