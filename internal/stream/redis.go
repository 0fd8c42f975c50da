package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis Streams.
type RedisBus struct {
	client       *redis.Client
	claimTimeout time.Duration
}

// NewRedisBus wraps a connected client. Entries pending longer than
// claimTimeout are reclaimed by Consume.
func NewRedisBus(client *redis.Client, claimTimeout time.Duration) *RedisBus {
	return &RedisBus{client: client, claimTimeout: claimTimeout}
}

// DialRedis parses a redis:// URL and returns a pinged client.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stream: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stream: ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, topic, group string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("stream: create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (b *RedisBus) Publish(ctx context.Context, topic string, fields map[string]string) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: publish to %s: %w", topic, err)
	}
	return id, nil
}

func (b *RedisBus) Consume(ctx context.Context, topic, group, consumer string, block time.Duration, count int) ([]Entry, error) {
	reclaimed, err := b.reclaim(ctx, topic, group, consumer, count)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapErr("read", topic, group, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(topic, msg, 1))
		}
	}
	return entries, nil
}

// reclaim moves idle pending entries to consumer and reads back their
// delivery counts.
func (b *RedisBus) reclaim(ctx context.Context, topic, group, consumer string, count int) ([]Entry, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		MinIdle:  b.claimTimeout,
		Start:    "0-0",
		Count:    int64(count),
		Consumer: consumer,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrapErr("autoclaim", topic, group, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*redis.XPendingExtCmd, len(msgs))
	for i, m := range msgs {
		cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  m.ID,
			End:    m.ID,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, b.wrapErr("pending", topic, group, err)
	}

	entries := make([]Entry, 0, len(msgs))
	for i, m := range msgs {
		attempts := 1
		if p, err := cmds[i].Result(); err == nil && len(p) == 1 {
			attempts = int(p[0].RetryCount)
		}
		entries = append(entries, toEntry(topic, m, attempts))
	}
	return entries, nil
}

func (b *RedisBus) Ack(ctx context.Context, topic, group, id string) error {
	if err := b.client.XAck(ctx, topic, group, id).Err(); err != nil {
		return fmt.Errorf("stream: ack %s on %s: %w", id, topic, err)
	}
	return nil
}

func (b *RedisBus) Pending(ctx context.Context, topic, group string) (int64, error) {
	p, err := b.client.XPending(ctx, topic, group).Result()
	if err != nil {
		return 0, b.wrapErr("pending", topic, group, err)
	}
	return p.Count, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) wrapErr(op, topic, group string, err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("stream: %s %s/%s: %w", op, topic, group, ErrNoGroup)
	}
	return fmt.Errorf("stream: %s %s/%s: %w", op, topic, group, err)
}

func toEntry(topic string, msg redis.XMessage, attempts int) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		fields[k] = fmt.Sprint(v)
	}
	return Entry{ID: msg.ID, Topic: topic, Fields: fields, Attempts: attempts}
}
