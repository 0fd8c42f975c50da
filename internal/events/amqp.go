package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const maxDialDelay = 30 * time.Second

// AMQPConfig configures the AMQP publisher.
type AMQPConfig struct {
	URL           string
	Exchange      string
	RetryAttempts int           // dial attempts; default 5
	RetryDelay    time.Duration // first backoff step; default 500ms
}

// AMQPPublisher publishes events as persistent JSON messages to a durable
// topic exchange, waiting for a broker confirm on each publish.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp091.Channel
}

// NewAMQPPublisher dials the broker with exponential backoff, declares the
// exchange and puts a channel into confirm mode.
func NewAMQPPublisher(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{conn: conn, exchange: cfg.Exchange, logger: logger}

	ch, err := p.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange %q: %w", cfg.Exchange, err)
	}
	p.ch = ch
	return p, nil
}

func (p *AMQPPublisher) openChannel() (*amqp091.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("events: confirm mode: %w", err)
	}
	return ch, nil
}

// Publish sends e with its type as routing key and waits for the confirm.
// A closed channel is reopened once before giving up.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", e.Type, err)
	}
	msg := amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     e.ID,
		CorrelationId: e.TenantID.String(),
		Type:          e.Type,
		Timestamp:     e.OccurredAt,
		Body:          body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.openChannel()
		if err != nil {
			return err
		}
		p.ch = ch
	}

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, e.Type, false, false, msg)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", e.Type, err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("events: confirm %s: %w", e.Type, err)
	}
	if !acked {
		return fmt.Errorf("events: broker nacked %s", e.Type)
	}
	p.logger.Debug("events: published", "type", e.Type, "id", e.ID, "exchange", p.exchange)
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

func dialWithRetry(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*amqp091.Connection, error) {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp091.Dial(cfg.URL)
		if err == nil {
			if i > 1 {
				logger.Info("events: amqp connected", "attempt", i)
			}
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := min(delay<<(i-1), maxDialDelay)
		logger.Warn("events: amqp dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(fmt.Errorf("events: dial cancelled: %w", ctx.Err()), lastErr)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("events: amqp dial failed after %d attempts: %w", attempts, lastErr)
}
