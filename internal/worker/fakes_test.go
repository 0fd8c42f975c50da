package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dengon/internal/channel"
	"github.com/ashita-ai/dengon/internal/contextbuilder"
	"github.com/ashita-ai/dengon/internal/events"
	"github.com/ashita-ai/dengon/internal/llm"
	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testPrefix       = "test"
	testClaimTimeout = 100 * time.Millisecond
	testFallback     = "Thanks, a teammate will reply soon."
)

// memStore is an in-memory message store with the same transition rules as
// storage.DB.
type memStore struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]model.Message
	convs       map[uuid.UUID]model.Conversation
	agent       *model.Agent
	guardrails  []model.Guardrail
	rules       []model.EscalationRule
	attributes  []model.Attribute
	escalations []model.EscalationEvent
	claims      map[uuid.UUID]time.Time
	sentCount   map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{
		messages:  map[uuid.UUID]model.Message{},
		convs:     map[uuid.UUID]model.Conversation{},
		claims:    map[uuid.UUID]time.Time{},
		sentCount: map[uuid.UUID]int{},
	}
}

func (s *memStore) GetMessage(_ context.Context, tenantID, id uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID {
		return model.Message{}, fmt.Errorf("message %s: %w", id, storage.ErrNotFound)
	}
	return m, nil
}

func (s *memStore) GetReplyTo(_ context.Context, tenantID, inboundID uuid.UUID) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.TenantID == tenantID && m.InReplyTo != nil && *m.InReplyTo == inboundID {
			return m, nil
		}
	}
	return model.Message{}, storage.ErrNotFound
}

func (s *memStore) GetConversation(_ context.Context, tenantID, id uuid.UUID) (model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok || c.TenantID != tenantID {
		return model.Conversation{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ResolveAgent(context.Context, uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent == nil {
		return model.Agent{}, storage.ErrNotFound
	}
	return *s.agent, nil
}

func (s *memStore) ActiveGuardrails(context.Context, uuid.UUID, uuid.UUID) ([]model.Guardrail, error) {
	return s.guardrails, nil
}

func (s *memStore) ActiveEscalationRules(context.Context, uuid.UUID, uuid.UUID) ([]model.EscalationRule, error) {
	return s.rules, nil
}

func (s *memStore) Attributes(context.Context, uuid.UUID) ([]model.Attribute, error) {
	return s.attributes, nil
}

func (s *memStore) PersistReply(_ context.Context, w storage.ReplyWrite) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.TenantID == w.Reply.TenantID && m.InReplyTo != nil && *m.InReplyTo == *w.Reply.InReplyTo {
			return m, false, nil
		}
	}
	s.messages[w.Reply.ID] = w.Reply
	conv := s.convs[w.Reply.ConversationID]
	at := w.Reply.CreatedAt
	conv.LastMessageAt = &at
	if w.Handoff {
		conv.AIEnabled = false
	}
	s.convs[conv.ID] = conv
	s.escalations = append(s.escalations, w.Escalations...)
	return w.Reply, true, nil
}

func (s *memStore) ClaimForDelivery(_ context.Context, tenantID, id uuid.UUID, lease time.Duration) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.TenantID != tenantID || m.Status != model.StatusPending || time.Now().Before(s.claims[id]) {
		return model.Message{}, storage.ErrClaimLost
	}
	s.claims[id] = time.Now().Add(lease)
	return m, nil
}

func (s *memStore) ReleaseClaim(_ context.Context, _, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *memStore) MarkMessageSent(_ context.Context, _, id uuid.UUID, provider, providerMessageID string, meta map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.messages[id]
	if m.Status != model.StatusPending {
		return storage.ErrClaimLost
	}
	m.Status = model.StatusSent
	m.Provider, m.ProviderMessageID = &provider, &providerMessageID
	for k, v := range meta {
		m.Metadata[k] = v
	}
	s.messages[id] = m
	s.sentCount[id]++
	delete(s.claims, id)
	return nil
}

func (s *memStore) MarkMessageFailed(_ context.Context, _, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	if m.Status != model.StatusPending {
		return storage.ErrClaimLost
	}
	m.Status = model.StatusFailed
	m.Error = &reason
	s.messages[id] = m
	delete(s.claims, id)
	return nil
}

func (s *memStore) message(id uuid.UUID) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id]
}

func (s *memStore) replies() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Direction == model.DirectionOutbound {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) conversation(id uuid.UUID) model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id]
}

// seedInbound stores an open conversation and one inbound user message.
func (s *memStore) seedInbound(ch, content string, meta map[string]any) model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant := uuid.New()
	conv := model.Conversation{
		ID: uuid.New(), TenantID: tenant, Channel: ch, ChannelContactID: "+819012345678",
		Status: model.ConversationOpen, AIEnabled: true,
	}
	s.convs[conv.ID] = conv
	if meta == nil {
		meta = map[string]any{}
	}
	m := model.Message{
		ID: uuid.New(), TenantID: tenant, ConversationID: conv.ID,
		Direction: model.DirectionInbound, Role: model.RoleUser, Channel: ch,
		Content: content, Status: model.StatusReceived, Metadata: meta,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[m.ID] = m
	return m
}

// seedPending stores a pending outbound reply ready for delivery.
func (s *memStore) seedPending(ch string) model.Message {
	inbound := s.seedInbound(ch, "hello", nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	inReplyTo := inbound.ID
	m := model.Message{
		ID: uuid.New(), TenantID: inbound.TenantID, ConversationID: inbound.ConversationID,
		Direction: model.DirectionOutbound, Role: model.RoleAssistant, Channel: ch,
		Content: "Hi! How can I help?", Status: model.StatusPending, InReplyTo: &inReplyTo,
		Metadata: map[string]any{}, CreatedAt: time.Now().UTC(),
	}
	s.messages[m.ID] = m
	return m
}

type fakeModel struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
	last  llm.Request
}

func (f *fakeModel) Provider() string { return "fake" }

func (f *fakeModel) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.reply, Model: req.Model, FinishReason: "stop"}, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// echoBuilder returns the inbound message as the only turn.
type echoBuilder struct{ err error }

func (b echoBuilder) Build(_ context.Context, in contextbuilder.Input) ([]llm.Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	return []llm.Message{{Role: llm.RoleUser, Content: in.Inbound.Content}}, nil
}

type fakeChannel struct {
	mu   sync.Mutex
	name string
	err  error
	sent []channel.Outbound
}

func (c *fakeChannel) Name() string        { return c.name }
func (c *fakeChannel) PromptHints() string { return "" }

func (c *fakeChannel) Send(_ context.Context, _ uuid.UUID, out channel.Outbound) (channel.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return channel.SendResult{}, c.err
	}
	c.sent = append(c.sent, out)
	return channel.SendResult{
		Provider:          "fake",
		ProviderMessageID: fmt.Sprintf("pm-%d", len(c.sent)),
		Metadata:          map[string]any{"accepted": true},
	}, nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) ofType(t string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                { return nil }

func newTestBus(t *testing.T) stream.Bus {
	t.Helper()
	bus, err := stream.OpenSQLiteBus(":memory:", testClaimTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// entryFor builds the entry the ingest path publishes for m.
func entryFor(m model.Message) map[string]string {
	return map[string]string{
		stream.FieldMessageID:      m.ID.String(),
		stream.FieldTenantID:       m.TenantID.String(),
		stream.FieldConversationID: m.ConversationID.String(),
		stream.FieldChannel:        m.Channel,
	}
}

// drain reads every entry currently on topic through a fresh probe group.
func drain(t *testing.T, bus stream.Bus, topic string) []stream.Entry {
	t.Helper()
	ctx := context.Background()
	group := "probe-" + uuid.NewString()
	require.NoError(t, bus.EnsureGroup(ctx, topic, group))
	entries, err := bus.Consume(ctx, topic, group, "probe", 10*time.Millisecond, 100)
	require.NoError(t, err)
	return entries
}
