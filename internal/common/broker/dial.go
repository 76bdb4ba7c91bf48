// internal/common/broker/dial.go
package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dispatch-engine/internal/common/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial connects to the broker, opens a channel and declares the topology.
// Transient connection errors are retried with exponential backoff.
func Dial(ctx context.Context, cfg Config, log logger.Logger) (*Publisher, error) {
	retry := cfg.Retry
	if retry == nil {
		retry = DefaultRetryConfig
	}

	var conn *amqp.Connection
	var err error
	for attempt := 0; attempt <= retry.MaxRetries; attempt++ {
		conn, err = amqp.DialConfig(cfg.URL, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": "dispatch-engine",
			},
		})
		if err == nil {
			break
		}
		if !isRetryableDialError(err) || attempt == retry.MaxRetries {
			return nil, fmt.Errorf("connect to broker after %d attempts: %w", attempt+1, err)
		}

		delay := retry.BaseDelay * time.Duration(1<<attempt)
		if delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
		log.Warn("broker connection failed, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to broker cancelled after %d attempts: %w", attempt+1, ctx.Err())
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}

	p, err := NewPublisher(ch, cfg, log)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn

	go func(closed <-chan *amqp.Error) {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			p.log.Error("broker connection lost", map[string]interface{}{
				"code":   amqpErr.Code,
				"reason": amqpErr.Reason,
			})
		}
	}(conn.NotifyClose(make(chan *amqp.Error, 1)))

	return p, nil
}

// isRetryableDialError checks if the dial error is transient.
func isRetryableDialError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"i/o timeout",
		"no such host",
		"unreachable",
		"broken pipe",
		"eof",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
