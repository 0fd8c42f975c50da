package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/dengon/internal/telemetry"
)

// Index is the write side of the search index the outbox syncs into.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// outboxEntry represents a single row from the knowledge_outbox table.
type outboxEntry struct {
	ID        int64
	ChunkID   uuid.UUID
	TenantID  uuid.UUID
	Operation string
	Attempts  int
}

// OutboxWorker polls the knowledge_outbox table and syncs changes to the index.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Subsequent calls are no-ops.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("knowledge outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain stops the poll loop after one final batch, blocking until done or
// until ctx expires. The final batch runs under ctx.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Must be sent before cancelLoop so pollLoop sees it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("knowledge outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *OutboxWorker) processBatch(ctx context.Context) {
	if w.pool == nil || w.index == nil {
		return
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("knowledge outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, chunk_id, tenant_id, operation, attempts
		 FROM knowledge_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("knowledge outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("knowledge outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// The lease must outlive the 30s batch timeout so no other worker picks
	// the entries up mid-batch.
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE knowledge_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("knowledge outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("knowledge outbox: commit lock", "error", err)
		return
	}

	var upserts, deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(upserts) > 0 {
		w.processUpserts(ctx, upserts)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM knowledge_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("knowledge outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("knowledge outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) processUpserts(ctx context.Context, entries []outboxEntry) {
	chunkIDs := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		chunkIDs[i] = e.ChunkID
	}

	points, err := w.fetchChunksForIndex(ctx, chunkIDs)
	if err != nil {
		w.logger.Error("knowledge outbox: fetch chunks", "error", err, "count", len(chunkIDs))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	if len(points) == 0 {
		// Chunks deleted or without embeddings: nothing to index.
		w.succeedEntries(ctx, entries)
		return
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("knowledge outbox: index upsert", "error", err, "count", len(points))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("knowledge outbox: upserted", "count", len(points))
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ChunkID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("knowledge outbox: index delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("knowledge outbox: deleted", "count", len(ids))
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM knowledge_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("knowledge outbox: delete completed entries", "error", err)
	}
}

// failEntries backs off exponentially: locked_until = now() + 2^attempts
// seconds, capped at 5 minutes.
func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE knowledge_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("knowledge outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("knowledge outbox: dead-letter entry",
				"outbox_id", e.ID,
				"chunk_id", e.ChunkID,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

func (w *OutboxWorker) fetchChunksForIndex(ctx context.Context, ids []uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, source, priority, embedding
		 FROM knowledge_chunks
		 WHERE id = ANY($1) AND embedding IS NOT NULL`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge outbox: query chunks: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var (
			p   Point
			emb pgvector.Vector
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.AgentID, &p.Source, &p.Priority, &emb); err != nil {
			return nil, fmt.Errorf("knowledge outbox: scan chunk: %w", err)
		}
		p.Embedding = emb.Slice()
		points = append(points, p)
	}
	return points, rows.Err()
}

// registerMetrics registers an observable gauge for outbox depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("dengon/outbox")

	_, _ = meter.Int64ObservableGauge("dengon.outbox.depth",
		metric.WithDescription("Number of pending entries in the knowledge outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // skip this observation
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.ChunkID, &e.TenantID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("knowledge outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
