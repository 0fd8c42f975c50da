package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the window counter and sets its expiry on first
// use, atomically, so a crash between the two cannot leave a counter that
// never expires.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisLimiter implements Limiter as a fixed-window counter in Redis shared
// by every delivery process.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit sends per key in each window. The client is
// owned by the caller; Close does not close it.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if window < time.Millisecond {
		window = time.Second
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(max(limit, 1)),
		window: window,
		now:    time.Now,
	}
}

// Allow counts one send against the current window for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	slot := r.now().UnixMilli() / r.window.Milliseconds()
	windowKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, slot)

	n, err := windowScript.Run(ctx, r.client, []string{windowKey}, r.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis window: %w", err)
	}
	return n <= r.limit, nil
}

// Close is a no-op; the Redis client is shared with the stream bus.
func (r *RedisLimiter) Close() error { return nil }
