// cmd/dispatch-engine/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"dispatch-engine/internal/common/breaker"
	"dispatch-engine/internal/common/broker"
	"dispatch-engine/internal/common/cache"
	"dispatch-engine/internal/common/config"
	"dispatch-engine/internal/common/database"
	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/common/observability"
	"dispatch-engine/internal/common/templates"
	"dispatch-engine/internal/common/users"
	"dispatch-engine/internal/dispatch"
	"dispatch-engine/internal/transport"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	log := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format, cfg.App.Name)
	zapLog := logger.Zap(log)
	defer zapLog.Sync()

	zapLog.Info("Starting dispatch engine...", zap.String("version", cfg.App.Version), zap.String("environment", cfg.App.Environment))

	obs := observability.New(cfg.App.Name, observability.Options{})

	ctx := context.Background()

	// --- Preference cache (optional) ---
	var prefCache dispatch.PreferenceCache
	if cfg.Database.Redis.Address != "" {
		rdb := database.NewRedis(cfg.Database.Redis)
		err = retryWithBackoff(func() error {
			return rdb.Ping(ctx)
		}, 5, time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Warn("running without preference cache", zap.Error(err))
			_ = rdb.Close()
		} else {
			defer rdb.Close()
			prefCache = cache.NewPreferenceCache(rdb.Client, config.GetDuration(cfg.Database.Redis.PreferenceTTL))
			zapLog.Info("Redis connected successfully")
		}
	}

	// --- Broker ---
	brokerCfg := brokerConfig(cfg.Broker)
	publisher, err := broker.Dial(ctx, brokerCfg, log)
	if err != nil {
		zapLog.Fatal("broker connection failed", zap.Error(err))
	}
	zapLog.Info("Broker connected successfully", zap.String("exchange", brokerCfg.Exchange))

	// --- Dependencies ---
	registry := breaker.NewRegistry(
		dispatch.BreakerSettings(cfg.CircuitBreaker),
		breaker.WithListener(breaker.LogListener(log)),
		breaker.WithListener(breaker.MetricsListener()),
	)

	dispatchCfg, err := dispatch.LoadConfig(cfg)
	if err != nil {
		zapLog.Fatal("invalid dispatch config", zap.Error(err))
	}

	service, err := dispatch.NewService(dispatchCfg, dispatch.Dependencies{
		Publisher:     publisher,
		Users:         users.NewClient(cfg.Services.User.BaseURL, config.GetDuration(cfg.Services.User.Timeout)),
		Templates:     templates.NewClient(cfg.Services.Template.BaseURL, config.GetDuration(cfg.Services.Template.Timeout)),
		Breakers:      registry,
		Cache:         prefCache,
		Observability: obs,
		Logger:        log,
	})
	if err != nil {
		zapLog.Fatal("failed to create dispatch service", zap.Error(err))
	}

	// --- HTTP ---
	server := transport.NewServer(transport.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}, service, publisher, registry, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		zapLog.Info("Shutdown signal received, stopping...")
	case err := <-serverErr:
		if err != nil {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}
	if err := publisher.Close(); err != nil {
		zapLog.Error("Error closing broker", zap.Error(err))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down telemetry", zap.Error(err))
	}

	zapLog.Info("Dispatch engine stopped gracefully")
}

func brokerConfig(c config.BrokerConfig) broker.Config {
	retry := *broker.DefaultRetryConfig
	if c.ConnectRetries > 0 {
		retry.MaxRetries = c.ConnectRetries
	}
	return broker.Config{
		URL:      c.URL,
		Exchange: c.Exchange,
		Queues: map[broker.RoutingKey]string{
			broker.RoutingKeyEmail:  c.Queues.Email,
			broker.RoutingKeyPush:   c.Queues.Push,
			broker.RoutingKeyFailed: c.Queues.Failed,
		},
		MaxPriority:    c.MaxPriority,
		Confirm:        c.Confirm,
		ConfirmTimeout: config.GetDuration(c.ConfirmTimeout),
		Retry:          &retry,
	}
}
