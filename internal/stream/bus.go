// Package stream provides the durable, consumer-group based message bus that
// connects ingestion, the AI incoming worker and the channel delivery workers.
//
// Delivery is at-least-once. An entry consumed by a group stays pending on the
// consumer that read it until acked. Entries left pending longer than the claim
// timeout are handed to the next consumer that asks, with their attempt count
// incremented. Entries are never trimmed.
package stream

import (
	"context"
	"errors"
	"time"
)

// Well-known entry field names.
const (
	FieldMessageID      = "message_id"
	FieldTenantID       = "tenant_id"
	FieldConversationID = "conversation_id"
	FieldChannel        = "channel"

	// Dead-letter fields.
	FieldSourceTopic = "source_topic"
	FieldSourceID    = "source_id"
	FieldAttempts    = "attempts"
	FieldLastError   = "last_error"
)

// ErrNoGroup is returned by Consume when the consumer group does not exist.
var ErrNoGroup = errors.New("stream: consumer group does not exist")

// Entry is one record read from a topic.
type Entry struct {
	ID     string
	Topic  string
	Fields map[string]string
	// Attempts counts deliveries to the group, including this one.
	Attempts int
}

// Bus is a durable log with consumer groups. Implementations must be safe for
// concurrent use.
type Bus interface {
	// EnsureGroup creates group on topic, starting from the beginning of the
	// log. Creating an existing group is not an error.
	EnsureGroup(ctx context.Context, topic, group string) error

	// Publish appends fields to topic and returns the new entry id.
	Publish(ctx context.Context, topic string, fields map[string]string) (string, error)

	// Consume returns up to count entries for consumer. Entries idle past the
	// claim timeout are reclaimed first; otherwise it waits up to block for
	// new entries. An empty result with a nil error means nothing arrived.
	Consume(ctx context.Context, topic, group, consumer string, block time.Duration, count int) ([]Entry, error)

	// Ack marks an entry processed for group. It is never redelivered.
	Ack(ctx context.Context, topic, group, id string) error

	// Pending reports how many entries are delivered but not yet acked.
	Pending(ctx context.Context, topic, group string) (int64, error)

	// Ping checks the backing store.
	Ping(ctx context.Context) error

	Close() error
}

// IncomingTopic carries inbound customer messages awaiting an AI reply.
func IncomingTopic(prefix string) string { return prefix + ":incoming" }

// OutgoingTopic carries replies awaiting delivery on one channel.
func OutgoingTopic(prefix, channel string) string { return prefix + ":outgoing:" + channel }

// DeadTopic receives entries from topic that exhausted their attempts.
func DeadTopic(topic string) string { return topic + ":dead" }

// Consumer groups.
const GroupIncoming = "ai-incoming"

// DeliveryGroup is the consumer group of a channel's delivery workers.
func DeliveryGroup(channel string) string { return "delivery-" + channel }
