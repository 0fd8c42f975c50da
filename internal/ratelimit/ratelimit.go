// Package ratelimit throttles outbound sends per (tenant, channel).
//
// MemoryLimiter keeps a token bucket per key inside one process. RedisLimiter
// counts sends in a shared fixed window so several delivery processes draw
// from the same budget.
package ratelimit

import (
	"context"

	"github.com/google/uuid"
)

// Limiter decides whether a send identified by key may proceed now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether the send should proceed. An error means the
	// limiter itself failed; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// SendKey builds the limiter key for a tenant's sends on one channel.
func SendKey(tenantID uuid.UUID, channel string) string {
	return "send:" + tenantID.String() + ":" + channel
}

// NoopLimiter permits every send. Used when throttling is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
