package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stream_entries (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	topic      TEXT NOT NULL,
	fields     TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stream_entries_topic ON stream_entries(topic, seq);

CREATE TABLE IF NOT EXISTS stream_groups (
	topic    TEXT NOT NULL,
	grp      TEXT NOT NULL,
	last_seq INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (topic, grp)
);

CREATE TABLE IF NOT EXISTS stream_pending (
	topic        TEXT NOT NULL,
	grp          TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	consumer     TEXT NOT NULL,
	delivered_at INTEGER NOT NULL,
	attempts     INTEGER NOT NULL,
	PRIMARY KEY (topic, grp, seq)
);
CREATE INDEX IF NOT EXISTS idx_stream_pending_idle ON stream_pending(topic, grp, delivered_at);
`

// SQLiteBus implements Bus on a single SQLite database. It is meant for
// single-node deployments and tests; all access goes through one connection.
type SQLiteBus struct {
	db           *sql.DB
	claimTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	notify chan struct{} // closed and replaced on every publish
}

// OpenSQLiteBus opens (or creates) the bus database at path. Use ":memory:"
// for an ephemeral bus.
func OpenSQLiteBus(path string, claimTimeout time.Duration) (*SQLiteBus, error) {
	dsn := path
	if path != ":memory:" {
		// Separate worker processes may share the file: WAL lets readers run
		// beside the writer, and immediate transactions take the write lock up
		// front so busy_timeout applies instead of a failed lock upgrade.
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("stream: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stream: migrate sqlite: %w", err)
	}
	return &SQLiteBus{
		db:           db,
		claimTimeout: claimTimeout,
		now:          time.Now,
		notify:       make(chan struct{}),
	}, nil
}

func (b *SQLiteBus) EnsureGroup(ctx context.Context, topic, group string) error {
	if _, err := b.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stream_groups (topic, grp, last_seq) VALUES (?, ?, 0)`,
		topic, group,
	); err != nil {
		return fmt.Errorf("stream: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (b *SQLiteBus) Publish(ctx context.Context, topic string, fields map[string]string) (string, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("stream: encode fields: %w", err)
	}
	res, err := b.db.ExecContext(ctx,
		`INSERT INTO stream_entries (topic, fields, created_at) VALUES (?, ?, ?)`,
		topic, string(raw), b.now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("stream: publish to %s: %w", topic, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("stream: publish to %s: %w", topic, err)
	}

	b.mu.Lock()
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()

	return strconv.FormatInt(seq, 10), nil
}

func (b *SQLiteBus) Consume(ctx context.Context, topic, group, consumer string, block time.Duration, count int) ([]Entry, error) {
	deadline := b.now().Add(block)
	for {
		b.mu.Lock()
		wake := b.notify
		b.mu.Unlock()

		entries, err := b.consumeOnce(ctx, topic, group, consumer, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}

		wait := deadline.Sub(b.now())
		if wait <= 0 {
			return nil, nil
		}
		// Reclaimable entries appear without a publish, so poll as well.
		if wait > 250*time.Millisecond {
			wait = 250 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *SQLiteBus) consumeOnce(ctx context.Context, topic, group, consumer string, count int) ([]Entry, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM stream_groups WHERE topic = ? AND grp = ?`, topic, group,
	).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stream: read %s/%s: %w", topic, group, ErrNoGroup)
	}
	if err != nil {
		return nil, fmt.Errorf("stream: read group: %w", err)
	}

	now := b.now().UnixMilli()
	entries, err := b.reclaimTx(ctx, tx, topic, group, consumer, count, now)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		entries, err = b.readNewTx(ctx, tx, topic, group, consumer, count, lastSeq, now)
		if err != nil {
			return nil, err
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("stream: commit consume: %w", err)
	}
	return entries, nil
}

func (b *SQLiteBus) reclaimTx(ctx context.Context, tx *sql.Tx, topic, group, consumer string, count int, now int64) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT p.seq, p.attempts, e.fields
		 FROM stream_pending p JOIN stream_entries e ON e.seq = p.seq
		 WHERE p.topic = ? AND p.grp = ? AND p.delivered_at <= ?
		 ORDER BY p.seq
		 LIMIT ?`,
		topic, group, now-b.claimTimeout.Milliseconds(), count,
	)
	if err != nil {
		return nil, fmt.Errorf("stream: select idle pending: %w", err)
	}
	entries, err := scanSQLiteEntries(rows, topic)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Attempts++
		if _, err := tx.ExecContext(ctx,
			`UPDATE stream_pending SET consumer = ?, delivered_at = ?, attempts = ?
			 WHERE topic = ? AND grp = ? AND seq = ?`,
			consumer, now, entries[i].Attempts, topic, group, entries[i].ID,
		); err != nil {
			return nil, fmt.Errorf("stream: reclaim entry: %w", err)
		}
	}
	return entries, nil
}

func (b *SQLiteBus) readNewTx(ctx context.Context, tx *sql.Tx, topic, group, consumer string, count int, lastSeq, now int64) ([]Entry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT seq, 0, fields FROM stream_entries
		 WHERE topic = ? AND seq > ?
		 ORDER BY seq
		 LIMIT ?`,
		topic, lastSeq, count,
	)
	if err != nil {
		return nil, fmt.Errorf("stream: select new entries: %w", err)
	}
	entries, err := scanSQLiteEntries(rows, topic)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	for i := range entries {
		entries[i].Attempts = 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stream_pending (topic, grp, seq, consumer, delivered_at, attempts)
			 VALUES (?, ?, ?, ?, ?, 1)`,
			topic, group, entries[i].ID, consumer, now,
		); err != nil {
			return nil, fmt.Errorf("stream: record pending: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_groups SET last_seq = ? WHERE topic = ? AND grp = ?`,
		entries[len(entries)-1].ID, topic, group,
	); err != nil {
		return nil, fmt.Errorf("stream: advance group: %w", err)
	}
	return entries, nil
}

func (b *SQLiteBus) Ack(ctx context.Context, topic, group, id string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM stream_pending WHERE topic = ? AND grp = ? AND seq = ?`,
		topic, group, id,
	); err != nil {
		return fmt.Errorf("stream: ack %s on %s: %w", id, topic, err)
	}
	return nil
}

func (b *SQLiteBus) Pending(ctx context.Context, topic, group string) (int64, error) {
	var n int64
	if err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stream_pending WHERE topic = ? AND grp = ?`, topic, group,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("stream: count pending: %w", err)
	}
	return n, nil
}

func (b *SQLiteBus) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *SQLiteBus) Close() error {
	return b.db.Close()
}

func scanSQLiteEntries(rows *sql.Rows, topic string) ([]Entry, error) {
	defer func() { _ = rows.Close() }()
	var entries []Entry
	for rows.Next() {
		var (
			seq      int64
			attempts int
			raw      string
		)
		if err := rows.Scan(&seq, &attempts, &raw); err != nil {
			return nil, fmt.Errorf("stream: scan entry: %w", err)
		}
		var fields map[string]string
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("stream: decode entry %d: %w", seq, err)
		}
		entries = append(entries, Entry{
			ID:       strconv.FormatInt(seq, 10),
			Topic:    topic,
			Fields:   fields,
			Attempts: attempts,
		})
	}
	return entries, rows.Err()
}
