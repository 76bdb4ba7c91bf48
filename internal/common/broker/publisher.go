// internal/common/broker/publisher.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"dispatch-engine/internal/common/logger"
	"dispatch-engine/internal/common/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrChannelUnavailable is returned when there is no open channel to publish on.
	ErrChannelUnavailable = errors.New("BROKER_CHANNEL_UNAVAILABLE")
	// ErrUnknownRoutingKey is returned for keys outside email/push/failed.
	ErrUnknownRoutingKey = errors.New("BROKER_UNKNOWN_ROUTING_KEY")
)

// Publish results recorded on broker_publish_total.
const (
	resultAccepted    = "accepted"
	resultWriteFailed = "write_failed"
	resultNacked      = "nacked"
	resultUnconfirmed = "unconfirmed"
	resultUnavailable = "unavailable"
)

// identified is implemented by messages that carry their own id.
type identified interface {
	MessageID() string
}

// Publisher owns one AMQP channel and, when dialed, its connection.
type Publisher struct {
	cfg  Config
	log  logger.Logger
	conn io.Closer

	mu       sync.RWMutex
	ch       Channel
	confirms chan amqp.Confirmation
	closing  bool

	// confirm mode pairs each publish with its ack, so publishes go one at a time
	confirmMu sync.Mutex
	now       func() time.Time
}

// NewPublisher declares the topology on ch and starts watching it for closure.
func NewPublisher(ch Channel, cfg Config, log logger.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, ErrChannelUnavailable
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfig().ConfirmTimeout
	}
	if err := declareTopology(ch, cfg); err != nil {
		return nil, err
	}

	p := &Publisher{
		cfg: cfg,
		log: log.Named("broker"),
		ch:  ch,
		now: time.Now,
	}

	if cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	}

	go p.watch(ch.NotifyClose(make(chan *amqp.Error, 1)))

	p.log.Info("broker topology declared", map[string]interface{}{
		"exchange":    cfg.Exchange,
		"queues":      cfg.Queues,
		"maxPriority": cfg.MaxPriority,
		"confirm":     cfg.Confirm,
	})
	return p, nil
}

// watch marks the channel unavailable once the broker closes it. There is no reconnect.
func (p *Publisher) watch(closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return
	}
	if ok && amqpErr != nil {
		p.log.Error("broker channel closed", map[string]interface{}{
			"code":   amqpErr.Code,
			"reason": amqpErr.Reason,
			"server": amqpErr.Server,
		})
	} else {
		p.log.Warn("broker channel closed", nil)
	}
	p.ch = nil
}

// Ready reports whether a channel is open.
func (p *Publisher) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ch != nil
}

func (p *Publisher) channel() Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ch
}

// Publish serializes message as JSON and publishes it persistently on key.
// priority is set only when given. The bool reports whether the channel took
// the write (or, in confirm mode, whether the broker acked it); false is not
// an error. ErrChannelUnavailable means nothing was attempted.
func (p *Publisher) Publish(ctx context.Context, key RoutingKey, message any, priority *uint8) (bool, error) {
	if !key.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, key)
	}
	ch := p.channel()
	if ch == nil {
		metrics.BrokerPublish.WithLabelValues(string(key), resultUnavailable).Inc()
		return false, ErrChannelUnavailable
	}

	body, err := json.Marshal(message)
	if err != nil {
		return false, fmt.Errorf("encode message for %s: %w", key, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now().UTC(),
		Body:         body,
	}
	if m, ok := message.(identified); ok {
		msg.MessageId = m.MessageID()
	}
	if priority != nil {
		msg.Priority = *priority
	}

	fields := map[string]interface{}{
		"exchange":   p.cfg.Exchange,
		"routingKey": string(key),
		"messageId":  msg.MessageId,
	}

	if p.confirms == nil {
		if err := ch.PublishWithContext(ctx, p.cfg.Exchange, string(key), false, false, msg); err != nil {
			return p.writeFailed(key, err, fields), nil
		}
		metrics.BrokerPublish.WithLabelValues(string(key), resultAccepted).Inc()
		p.log.Debug("message published", fields)
		return true, nil
	}

	p.confirmMu.Lock()
	defer p.confirmMu.Unlock()

	tag := ch.GetNextPublishSeqNo()
	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, string(key), false, false, msg); err != nil {
		return p.writeFailed(key, err, fields), nil
	}
	return p.awaitConfirm(ctx, key, tag, fields), nil
}

func (p *Publisher) writeFailed(key RoutingKey, err error, fields map[string]interface{}) bool {
	fields["error"] = err.Error()
	p.log.Error("failed to publish message", fields)
	metrics.BrokerPublish.WithLabelValues(string(key), resultWriteFailed).Inc()
	return false
}

func (p *Publisher) awaitConfirm(ctx context.Context, key RoutingKey, tag uint64, fields map[string]interface{}) bool {
	timer := time.NewTimer(p.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.log.Error("confirm stream closed before ack", fields)
				metrics.BrokerPublish.WithLabelValues(string(key), resultUnconfirmed).Inc()
				return false
			}
			if c.DeliveryTag < tag {
				// late confirmation of an earlier publish that already timed out
				continue
			}
			if !c.Ack {
				p.log.Error("broker nacked message", fields)
				metrics.BrokerPublish.WithLabelValues(string(key), resultNacked).Inc()
				return false
			}
			metrics.BrokerPublish.WithLabelValues(string(key), resultAccepted).Inc()
			p.log.Debug("message confirmed", fields)
			return true
		case <-timer.C:
			fields["timeout"] = p.cfg.ConfirmTimeout.String()
			p.log.Error("timed out waiting for broker confirm", fields)
			metrics.BrokerPublish.WithLabelValues(string(key), resultUnconfirmed).Inc()
			return false
		case <-ctx.Done():
			metrics.BrokerPublish.WithLabelValues(string(key), resultUnconfirmed).Inc()
			return false
		}
	}
}

// Close closes the channel, then the connection if this publisher dialed it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	ch := p.ch
	p.ch = nil
	p.closing = true
	p.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
