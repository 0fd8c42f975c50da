// Package worker runs the stream consumers of the pipeline: the AI incoming
// worker that answers customer messages and the per-channel delivery
// workers that hand replies to providers.
//
// Both share one consume loop. A handler returning nil gets its entry acked;
// an error leaves the entry pending so the bus redelivers it after the claim
// timeout. Entries redelivered more than MaxAttempts times are dead-lettered.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/dengon/internal/events"
	"github.com/ashita-ai/dengon/internal/stream"
	"github.com/ashita-ai/dengon/internal/telemetry"
)

// Handler processes entries of one topic.
type Handler interface {
	// Handle processes e. A nil return acks the entry.
	Handle(ctx context.Context, e stream.Entry) error

	// DeadLetter finalizes an entry that exhausted its attempts. It must be
	// idempotent: a crash before the ack repeats it.
	DeadLetter(ctx context.Context, e stream.Entry, reason string) error
}

// LoopConfig configures a consume loop.
type LoopConfig struct {
	Topic       string
	Group       string
	Workers     int
	Block       time.Duration
	Count       int
	MaxAttempts int
}

// Loop consumes one topic with a pool of consumers.
type Loop struct {
	bus     stream.Bus
	handler Handler
	events  events.Publisher
	cfg     LoopConfig
	logger  *slog.Logger

	lastErrMu sync.Mutex
	lastErr   map[string]string // entry id -> most recent handler error

	entries  metric.Int64Counter
	duration metric.Float64Histogram
}

// NewLoop creates a consume loop. pub may be nil.
func NewLoop(bus stream.Bus, handler Handler, pub events.Publisher, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	l := &Loop{
		bus:     bus,
		handler: handler,
		events:  pub,
		cfg:     cfg,
		logger:  logger.With("topic", cfg.Topic, "group", cfg.Group),
		lastErr: make(map[string]string),
	}
	l.registerMetrics()
	return l
}

func (l *Loop) registerMetrics() {
	meter := telemetry.Meter("dengon/worker")
	var err error
	l.entries, err = meter.Int64Counter("dengon.worker.entries",
		metric.WithDescription("Stream entries processed, by outcome"),
	)
	if err != nil {
		l.logger.Warn("worker: failed to create entries counter", "error", err)
	}
	l.duration, err = meter.Float64Histogram("dengon.worker.duration",
		metric.WithDescription("Time spent handling one stream entry"),
		metric.WithUnit("s"),
	)
	if err != nil {
		l.logger.Warn("worker: failed to create duration histogram", "error", err)
	}
}

// ConsumerName returns a consumer name unique to this process and goroutine.
func ConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dengon"
	}
	return host + "-" + uuid.NewString()
}

// Run creates the consumer group and runs cfg.Workers consumers until ctx
// is cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.bus.EnsureGroup(ctx, l.cfg.Topic, l.cfg.Group); err != nil {
		return fmt.Errorf("worker: ensure group: %w", err)
	}
	l.logger.Info("worker: consuming", "workers", l.cfg.Workers)

	g, ctx := errgroup.WithContext(ctx)
	for range l.cfg.Workers {
		consumer := ConsumerName()
		g.Go(func() error { return l.consume(ctx, consumer) })
	}
	return g.Wait()
}

func (l *Loop) consume(ctx context.Context, consumer string) error {
	for ctx.Err() == nil {
		if _, err := l.Poll(ctx, consumer); err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Error("worker: consume failed", "consumer", consumer, "error", err)
			if errors.Is(err, stream.ErrNoGroup) {
				if err := l.bus.EnsureGroup(ctx, l.cfg.Topic, l.cfg.Group); err != nil {
					l.logger.Error("worker: recreate group", "error", err)
				}
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}

// Poll reads one batch for consumer and processes it. It returns the number
// of entries read.
func (l *Loop) Poll(ctx context.Context, consumer string) (int, error) {
	entries, err := l.bus.Consume(ctx, l.cfg.Topic, l.cfg.Group, consumer, l.cfg.Block, l.cfg.Count)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		l.process(ctx, e)
	}
	return len(entries), nil
}

// Outcomes recorded on the entries counter.
const (
	outcomeAcked        = "acked"
	outcomeRetry        = "retry"
	outcomeDeadLettered = "dead_lettered"
	outcomeError        = "error"
)

func (l *Loop) process(ctx context.Context, e stream.Entry) {
	start := time.Now()
	outcome := l.handle(ctx, e)
	attrs := metric.WithAttributes(attribute.String("topic", l.cfg.Topic), attribute.String("outcome", outcome))
	if l.entries != nil {
		l.entries.Add(ctx, 1, attrs)
	}
	if l.duration != nil {
		l.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

func (l *Loop) handle(ctx context.Context, e stream.Entry) string {
	if l.cfg.MaxAttempts > 0 && e.Attempts > l.cfg.MaxAttempts {
		if err := l.deadLetter(ctx, e); err != nil {
			l.logger.Error("worker: dead-letter failed", "entry_id", e.ID, "error", err)
			return outcomeError
		}
		return outcomeDeadLettered
	}

	if err := l.handler.Handle(ctx, e); err != nil {
		l.rememberErr(e.ID, err)
		l.logger.Warn("worker: entry will be retried",
			"entry_id", e.ID, "attempts", e.Attempts,
			"message_id", e.Fields[stream.FieldMessageID], "error", err)
		return outcomeRetry
	}

	if err := l.bus.Ack(ctx, l.cfg.Topic, l.cfg.Group, e.ID); err != nil {
		l.logger.Error("worker: ack failed", "entry_id", e.ID, "error", err)
		return outcomeError
	}
	l.forgetErr(e.ID)
	return outcomeAcked
}

// deadLetter finalizes e, copies it to the dead topic, acks it and reports
// it. Finalizing first means a crash part way leaves the entry pending
// rather than acked without a final state.
func (l *Loop) deadLetter(ctx context.Context, e stream.Entry) error {
	reason := l.peekErr(e.ID)
	if reason == "" {
		reason = fmt.Sprintf("exceeded %d delivery attempts", l.cfg.MaxAttempts)
	}

	if err := l.handler.DeadLetter(ctx, e, reason); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	fields := make(map[string]string, len(e.Fields)+4)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[stream.FieldSourceTopic] = e.Topic
	fields[stream.FieldSourceID] = e.ID
	fields[stream.FieldAttempts] = strconv.Itoa(e.Attempts)
	fields[stream.FieldLastError] = reason

	deadID, err := l.bus.Publish(ctx, stream.DeadTopic(l.cfg.Topic), fields)
	if err != nil {
		return fmt.Errorf("publish dead entry: %w", err)
	}
	if err := l.bus.Ack(ctx, l.cfg.Topic, l.cfg.Group, e.ID); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	l.forgetErr(e.ID)

	l.logger.Warn("worker: entry dead-lettered",
		"entry_id", e.ID, "dead_id", deadID, "attempts", e.Attempts,
		"message_id", e.Fields[stream.FieldMessageID], "reason", reason)

	tenantID, _ := uuid.Parse(e.Fields[stream.FieldTenantID])
	if err := l.events.Publish(ctx, events.New(events.TypeDeadLettered, tenantID, map[string]any{
		"topic":      e.Topic,
		"entry_id":   e.ID,
		"dead_id":    deadID,
		"message_id": e.Fields[stream.FieldMessageID],
		"attempts":   e.Attempts,
		"last_error": reason,
	})); err != nil {
		l.logger.Warn("worker: dead-letter event not published", "entry_id", e.ID, "error", err)
	}
	return nil
}

// maxTrackedErrors bounds lastErr. Losing a reason only degrades the
// dead-letter message.
const maxTrackedErrors = 10_000

func (l *Loop) rememberErr(id string, err error) {
	l.lastErrMu.Lock()
	defer l.lastErrMu.Unlock()
	if len(l.lastErr) >= maxTrackedErrors {
		clear(l.lastErr)
	}
	l.lastErr[id] = err.Error()
}

func (l *Loop) forgetErr(id string) {
	l.lastErrMu.Lock()
	delete(l.lastErr, id)
	l.lastErrMu.Unlock()
}

func (l *Loop) peekErr(id string) string {
	l.lastErrMu.Lock()
	defer l.lastErrMu.Unlock()
	return l.lastErr[id]
}

// entryRef is the (tenant, message) pair every pipeline entry carries.
type entryRef struct {
	TenantID  uuid.UUID
	MessageID uuid.UUID
}

// errMalformed marks entries that can never be processed.
var errMalformed = errors.New("worker: malformed entry")

func parseRef(e stream.Entry) (entryRef, error) {
	tenantID, err := uuid.Parse(e.Fields[stream.FieldTenantID])
	if err != nil {
		return entryRef{}, fmt.Errorf("%w: tenant_id %q", errMalformed, e.Fields[stream.FieldTenantID])
	}
	messageID, err := uuid.Parse(e.Fields[stream.FieldMessageID])
	if err != nil {
		return entryRef{}, fmt.Errorf("%w: message_id %q", errMalformed, e.Fields[stream.FieldMessageID])
	}
	return entryRef{TenantID: tenantID, MessageID: messageID}, nil
}
