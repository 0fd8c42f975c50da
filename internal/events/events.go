// Package events publishes pipeline notices (escalations, dead-lettered
// entries) to an AMQP topic exchange for downstream consumers such as
// ticketing and on-call paging.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types, used as AMQP routing keys.
const (
	TypeEscalation   = "escalation.fired"
	TypeDeadLettered = "stream.dead_lettered"
)

// Event is the JSON envelope published for every notice.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data"`
}

// New builds an event with a fresh id and the current time.
func New(eventType string, tenantID uuid.UUID, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Publisher delivers events. Publishing is best effort from the pipeline's
// point of view: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher drops every event. Used when AMQP_URL is unset.
type NoopPublisher struct{}

// Publish does nothing.
func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (NoopPublisher) Close() error { return nil }
