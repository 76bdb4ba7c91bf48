// internal/dispatch/config.go
package dispatch

import (
	"fmt"
	"time"

	"dispatch-engine/internal/common/breaker"
	"dispatch-engine/internal/common/config"
	"dispatch-engine/internal/common/templates"
)

// Breaker names of the two dependencies.
const (
	UserServiceBreaker     = "user-service"
	TemplateServiceBreaker = "template-service"
)

// FallbackPolicy decides what create does when the user service cannot be consulted.
type FallbackPolicy string

const (
	// FailOpen uses the last known preferences, or enables every channel.
	FailOpen FallbackPolicy = config.PolicyFailOpen
	// FailClosed rejects the creation with DEPENDENCY_UNAVAILABLE.
	FailClosed FallbackPolicy = config.PolicyFailClosed
)

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch FallbackPolicy(s) {
	case FailOpen, FailClosed:
		return FallbackPolicy(s), nil
	case "":
		return FailOpen, nil
	}
	return "", fmt.Errorf("unknown user fallback policy %q", s)
}

type Config struct {
	UserFallbackPolicy FallbackPolicy
	// EnforceStatusOrder ignores updates that would move a record backwards.
	EnforceStatusOrder bool
	Now                func() time.Time
}

func DefaultConfig() *Config {
	return &Config{
		UserFallbackPolicy: FailOpen,
		Now:                time.Now,
	}
}

// LoadConfig maps the dispatch section of the application config.
func LoadConfig(cfg *config.Config) (*Config, error) {
	policy, err := ParseFallbackPolicy(cfg.Dispatch.UserFallbackPolicy)
	if err != nil {
		return nil, err
	}
	return &Config{
		UserFallbackPolicy: policy,
		EnforceStatusOrder: cfg.Dispatch.EnforceStatusOrder,
		Now:                time.Now,
	}, nil
}

// BreakerSettings resolves per-dependency breaker settings from the application
// config and marks template rejections so they never count against the template service.
func BreakerSettings(cb config.CircuitBreakerConfig) breaker.SettingsFunc {
	return func(name string) breaker.Settings {
		b := cb.BreakerFor(name)
		s := breaker.Settings{
			Timeout:                  config.GetDuration(b.Timeout),
			ErrorThresholdPercentage: b.ErrorThreshold,
			ResetTimeout:             config.GetDuration(b.ResetTimeout),
			RollingCountTimeout:      config.GetDuration(b.RollingTimeout),
			RollingCountBuckets:      b.Buckets,
			VolumeThreshold:          b.VolumeThreshold,
		}
		if name == TemplateServiceBreaker {
			s.IsRejection = templates.IsRejection
		}
		return s
	}
}
