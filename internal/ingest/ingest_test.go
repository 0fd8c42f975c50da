package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/stream"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeStore converges concurrent OpenConversation calls on one row, like the
// partial unique index does.
type fakeStore struct {
	mu        sync.Mutex
	convs     map[string]model.Conversation
	messages  []model.Message
	touched   map[uuid.UUID]time.Time
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{convs: map[string]model.Conversation{}, touched: map[uuid.UUID]time.Time{}}
}

func (f *fakeStore) OpenConversation(_ context.Context, tenantID uuid.UUID, ch, addr string, contactID *uuid.UUID) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := tenantID.String() + "|" + ch + "|" + addr
	if c, ok := f.convs[key]; ok {
		return c, nil
	}
	c := model.Conversation{ID: uuid.New(), TenantID: tenantID, ContactID: contactID, Channel: ch,
		ChannelContactID: addr, Status: model.ConversationOpen, AIEnabled: true}
	f.convs[key] = c
	return c, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, m model.Message) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return model.Message{}, f.insertErr
	}
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeStore) TouchConversation(_ context.Context, _, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id] = at
	return nil
}

func newTestService(t *testing.T, store Store) (*Service, stream.Bus) {
	t.Helper()
	bus, err := stream.OpenSQLiteBus(":memory:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return NewService(store, bus, "test", testLogger), bus
}

func TestIngestStoresAndQueues(t *testing.T) {
	store := newFakeStore()
	svc, bus := newTestService(t, store)
	tenant := uuid.New()

	res, err := svc.Ingest(context.Background(), Request{
		TenantID: tenant, Channel: "email", ChannelContactID: "hana@example.com",
		Content: "Is the matcha back in stock?", Subject: "Matcha",
		EmailMessageID: "<m1@example.com>", References: "<m0@example.com>",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EntryID)

	msg := res.Message
	assert.Equal(t, model.DirectionInbound, msg.Direction)
	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, model.StatusReceived, msg.Status)
	assert.Equal(t, res.Conversation.ID, msg.ConversationID)
	assert.Equal(t, "Matcha", msg.MetaString(model.MetaSubject))
	assert.Equal(t, "<m1@example.com>", msg.MetaString(model.MetaEmailMessageID))
	assert.Equal(t, "<m0@example.com>", msg.MetaString(model.MetaReferences))
	assert.Contains(t, store.touched, res.Conversation.ID)

	require.NoError(t, bus.EnsureGroup(context.Background(), stream.IncomingTopic("test"), "probe"))
	entries, err := bus.Consume(context.Background(), stream.IncomingTopic("test"), "probe", "c", 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID.String(), entries[0].Fields[stream.FieldMessageID])
	assert.Equal(t, tenant.String(), entries[0].Fields[stream.FieldTenantID])
	assert.Equal(t, "email", entries[0].Fields[stream.FieldChannel])
}

func TestIngestReusesOpenConversation(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	tenant := uuid.New()
	req := Request{TenantID: tenant, Channel: "whatsapp", ChannelContactID: "+81901111", Content: "hi"}

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Ingest(context.Background(), req)
			assert.NoError(t, err)
			ids[i] = res.Conversation.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, store.messages, 8)
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	base := Request{TenantID: uuid.New(), Channel: "sms", ChannelContactID: "+1555", Content: "hi"}

	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing tenant", func(r *Request) { r.TenantID = uuid.Nil }},
		{"missing channel", func(r *Request) { r.Channel = " " }},
		{"missing address", func(r *Request) { r.ChannelContactID = "" }},
		{"empty content", func(r *Request) { r.Content = "" }},
		{"oversized content", func(r *Request) { r.Content = strings.Repeat("x", model.MaxContentLen+1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := svc.Ingest(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestIngestStoreFailureDoesNotPublish(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	svc, bus := newTestService(t, store)

	_, err := svc.Ingest(context.Background(), Request{TenantID: uuid.New(), Channel: "sms", ChannelContactID: "+1", Content: "hi"})
	require.Error(t, err)

	require.NoError(t, bus.EnsureGroup(context.Background(), stream.IncomingTopic("test"), "probe"))
	entries, err := bus.Consume(context.Background(), stream.IncomingTopic("test"), "probe", "c", 10*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
