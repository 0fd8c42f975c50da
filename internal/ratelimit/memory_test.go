package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives MemoryLimiter refills without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestMemoryLimiter(t, 10, 3)
	ctx := context.Background()
	key := SendKey(uuid.New(), "whatsapp")

	for i := range 3 {
		ok, err := m.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, "send %d is within burst", i)
	}
	ok, err := m.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestMemoryLimiter(t, 2, 2)
	ctx := context.Background()

	for range 2 {
		_, _ = m.Allow(ctx, "k")
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	clock.Advance(500 * time.Millisecond) // one token at 2/s
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clock := newTestMemoryLimiter(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k")
	clock.Advance(time.Hour)

	for i := range 3 {
		ok, _ := m.Allow(ctx, "k")
		assert.True(t, ok, "send %d after idle", i)
	}
	ok, _ := m.Allow(ctx, "k")
	assert.False(t, ok, "idle time never exceeds burst")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m, _ := newTestMemoryLimiter(t, 1, 1)
	ctx := context.Background()
	tenant := uuid.New()

	ok, _ := m.Allow(ctx, SendKey(tenant, "whatsapp"))
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, SendKey(tenant, "whatsapp"))
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, SendKey(tenant, "email"))
	assert.True(t, ok, "other channel has its own bucket")
	ok, _ = m.Allow(ctx, SendKey(uuid.New(), "whatsapp"))
	assert.True(t, ok, "other tenant has its own bucket")
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestMemoryLimiter(t, 0, 50)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clock := newTestMemoryLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	clock.Advance(staleThreshold + time.Minute)
	_, _ = m.Allow(ctx, "recent")

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

func TestSendKey(t *testing.T) {
	id := uuid.MustParse("6f1c1f39-5b0e-4d7e-9a55-0d6a1a1d2b3c")
	assert.Equal(t, "send:6f1c1f39-5b0e-4d7e-9a55-0d6a1a1d2b3c:email", SendKey(id, "email"))
}
