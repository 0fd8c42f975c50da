package stream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFileBus(t *testing.T, path string) *SQLiteBus {
	t.Helper()
	b, err := OpenSQLiteBus(path, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteFileBusPragmas(t *testing.T) {
	b := openFileBus(t, filepath.Join(t.TempDir(), "bus.db"))

	var mode string
	require.NoError(t, b.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var timeout int
	require.NoError(t, b.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestSQLiteFileBusSharedBetweenHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bus.db")
	producer := openFileBus(t, path)
	consumer := openFileBus(t, path)

	require.NoError(t, consumer.EnsureGroup(ctx, "t:incoming", "g"))
	_, err := producer.Publish(ctx, "t:incoming", map[string]string{FieldMessageID: "m1"})
	require.NoError(t, err)

	entries, err := consumer.Consume(ctx, "t:incoming", "g", "c1", time.Second, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Fields[FieldMessageID])
	require.NoError(t, consumer.Ack(ctx, "t:incoming", "g", entries[0].ID))

	pending, err := producer.Pending(ctx, "t:incoming", "g")
	require.NoError(t, err)
	assert.Zero(t, pending)
}
