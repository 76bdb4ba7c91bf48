// internal/common/config/config.go
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the main application configuration struct.
type Config struct {
	App            AppConfig            `mapstructure:"app"`
	Server         ServerConfig         `mapstructure:"server"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Services       ServicesConfig       `mapstructure:"services"`
	Database       DatabaseConfig       `mapstructure:"database"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Dispatch       DispatchConfig       `mapstructure:"dispatch"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ReadTimeout     int `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int `mapstructure:"shutdown_timeout"` // milliseconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BrokerConfig describes the AMQP connection and topology.
type BrokerConfig struct {
	URL            string       `mapstructure:"url"`
	Exchange       string       `mapstructure:"exchange"`
	Queues         QueuesConfig `mapstructure:"queues"`
	MaxPriority    int          `mapstructure:"max_priority"`
	Confirm        bool         `mapstructure:"confirm"`
	ConfirmTimeout int          `mapstructure:"confirm_timeout"` // milliseconds
	ConnectRetries int          `mapstructure:"connect_retries"`
}

type QueuesConfig struct {
	Email  string `mapstructure:"email"`
	Push   string `mapstructure:"push"`
	Failed string `mapstructure:"failed"`
}

type ServicesConfig struct {
	User     ServiceEndpoint `mapstructure:"user"`
	Template ServiceEndpoint `mapstructure:"template"`
}

// ServiceEndpoint is a downstream HTTP dependency.
type ServiceEndpoint struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout"` // milliseconds
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig configures the preference cache. An empty address disables it.
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	PreferenceTTL int    `mapstructure:"preference_ttl"` // milliseconds
}

// BreakerConfig holds circuit breaker tuning. Zero values inherit from the defaults.
type BreakerConfig struct {
	Timeout         int `mapstructure:"timeout"`         // milliseconds
	ErrorThreshold  int `mapstructure:"error_threshold"` // percent
	ResetTimeout    int `mapstructure:"reset_timeout"`   // milliseconds
	RollingTimeout  int `mapstructure:"rolling_timeout"` // milliseconds
	Buckets         int `mapstructure:"buckets"`
	VolumeThreshold int `mapstructure:"volume_threshold"`
}

type CircuitBreakerConfig struct {
	Defaults BreakerConfig            `mapstructure:"defaults"`
	Services map[string]BreakerConfig `mapstructure:"services"`
}

// Fallback policy names for the user dependency.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

type DispatchConfig struct {
	UserFallbackPolicy string `mapstructure:"user_fallback_policy"`
	EnforceStatusOrder bool   `mapstructure:"enforce_status_order"`
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// BreakerFor resolves the effective settings of the named breaker: defaults,
// then the per-service block, then CIRCUIT_BREAKER_<NAME>_* environment variables.
func (c CircuitBreakerConfig) BreakerFor(name string) BreakerConfig {
	eff := c.Defaults
	if svc, ok := c.Services[name]; ok {
		eff = mergeBreaker(eff, svc)
	}
	return applyBreakerEnv(eff, name, os.LookupEnv)
}

func mergeBreaker(base, override BreakerConfig) BreakerConfig {
	if override.Timeout > 0 {
		base.Timeout = override.Timeout
	}
	if override.ErrorThreshold > 0 {
		base.ErrorThreshold = override.ErrorThreshold
	}
	if override.ResetTimeout > 0 {
		base.ResetTimeout = override.ResetTimeout
	}
	if override.RollingTimeout > 0 {
		base.RollingTimeout = override.RollingTimeout
	}
	if override.Buckets > 0 {
		base.Buckets = override.Buckets
	}
	if override.VolumeThreshold > 0 {
		base.VolumeThreshold = override.VolumeThreshold
	}
	return base
}

// BreakerEnvPrefix returns the environment prefix for a breaker name,
// e.g. "user-service" -> "CIRCUIT_BREAKER_USER_SERVICE_".
func BreakerEnvPrefix(name string) string {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "CIRCUIT_BREAKER_" + key + "_"
}

func applyBreakerEnv(cfg BreakerConfig, name string, lookup func(string) (string, bool)) BreakerConfig {
	prefix := BreakerEnvPrefix(name)
	fields := map[string]*int{
		"TIMEOUT":          &cfg.Timeout,
		"ERROR_THRESHOLD":  &cfg.ErrorThreshold,
		"RESET_TIMEOUT":    &cfg.ResetTimeout,
		"ROLLING_TIMEOUT":  &cfg.RollingTimeout,
		"BUCKETS":          &cfg.Buckets,
		"VOLUME_THRESHOLD": &cfg.VolumeThreshold,
	}
	for suffix, dst := range fields {
		raw, ok := lookup(prefix + suffix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 {
			*dst = n
		}
	}
	return cfg
}
