package contextbuilder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dengon/internal/llm"
	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/storage"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeStore struct {
	contact      model.Contact
	contactErr   error
	summaries    []model.ConversationSummary
	summariesErr error
	history      []model.Message
	historyErr   error

	historyLimit int
	excluded     uuid.UUID
}

func (f *fakeStore) GetContact(context.Context, uuid.UUID, uuid.UUID) (model.Contact, error) {
	return f.contact, f.contactErr
}

func (f *fakeStore) ContactSummaries(_ context.Context, _, _, _ uuid.UUID, limit, _ int) ([]model.ConversationSummary, error) {
	if len(f.summaries) > limit {
		return f.summaries[:limit], f.summariesErr
	}
	return f.summaries, f.summariesErr
}

func (f *fakeStore) RecentMessages(_ context.Context, _, _ uuid.UUID, limit int, exclude uuid.UUID) ([]model.Message, error) {
	f.historyLimit, f.excluded = limit, exclude
	return f.history, f.historyErr
}

type staticHints map[string]string

func (h staticHints) Hints(ch string) string { return h[ch] }

type fakeRetriever struct {
	text  string
	err   error
	limit int
}

func (f *fakeRetriever) GetKnowledgeContext(_ context.Context, _, _ uuid.UUID, _ string, limit int) (string, error) {
	f.limit = limit
	return f.text, f.err
}

func strPtr(s string) *string { return &s }

func newInput(contact *uuid.UUID) Input {
	tenant := uuid.New()
	conv := uuid.New()
	return Input{
		TenantID:       tenant,
		ConversationID: conv,
		ContactID:      contact,
		Inbound: model.Message{
			ID: uuid.New(), TenantID: tenant, ConversationID: conv,
			Direction: model.DirectionInbound, Role: model.RoleUser,
			Channel: "whatsapp", Content: "Where is my order #1234?",
		},
		Agent: model.Agent{ID: uuid.New(), SystemPrompt: "You are Aiko, the support assistant for Kumo Tea."},
	}
}

func TestBuildOrdersSections(t *testing.T) {
	contactID := uuid.New()
	store := &fakeStore{
		contact: model.Contact{
			Name: "Hana Sato", Email: strPtr("hana@example.com"),
			Facts: map[string]string{"tier": "gold", "language": "ja"},
		},
		summaries: []model.ConversationSummary{{
			Channel:       "email",
			LastMessageAt: time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
			Messages: []model.Message{
				{Role: model.RoleUser, Content: "My  tea\narrived damaged"},
				{Role: model.RoleAssistant, Content: "Sorry! A replacement is on its way."},
			},
		}},
		history: []model.Message{
			{Role: model.RoleUser, Content: "hi"},
			{Role: model.RoleAgent, Content: "Hello, how can I help?"},
			{Role: model.RoleAssistant, Content: "  "},
		},
	}
	retriever := &fakeRetriever{text: "Relevant knowledge base excerpts:\n\n[1] Orders ship in 2 days."}
	b := New(store, staticHints{"whatsapp": "Keep replies short."}, retriever,
		Config{HistoryLimit: 20, CrossChannelLimit: 3, KnowledgeLimit: 5}, testLogger)

	in := newInput(&contactID)
	msgs, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "You are Aiko, the support assistant for Kumo Tea.\n\nKeep replies short.", msgs[0].Content)

	assert.Equal(t, llm.RoleSystem, msgs[1].Role)
	facts := msgs[1].Content
	assert.True(t, strings.HasPrefix(facts, "Customer profile:"))
	assert.Contains(t, facts, "- Name: Hana Sato")
	assert.Contains(t, facts, "- Email: hana@example.com")
	assert.Less(t, strings.Index(facts, "- language: ja"), strings.Index(facts, "- tier: gold"), "facts sorted by key")
	assert.Contains(t, facts, "Earlier conversation on email (2026-02-03):\nCustomer: My tea arrived damaged\nSupport: Sorry!")
	assert.Less(t, strings.Index(facts, "Earlier conversation"), strings.Index(facts, "Orders ship in 2 days."))

	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, msgs[2])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "Hello, how can I help?"}, msgs[3])
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "Where is my order #1234?"}, msgs[4])

	assert.Equal(t, 20, store.historyLimit)
	assert.Equal(t, in.Inbound.ID, store.excluded, "inbound message is not repeated in history")
	assert.Equal(t, 5, retriever.limit)
}

func TestBuildAgentLimitsOverrideDefaults(t *testing.T) {
	store := &fakeStore{}
	retriever := &fakeRetriever{}
	b := New(store, staticHints{}, retriever, Config{HistoryLimit: 20, KnowledgeLimit: 5}, testLogger)

	in := newInput(nil)
	in.Agent.HistoryLimit = 6
	in.Agent.KnowledgeLimit = 2
	_, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 6, store.historyLimit)
	assert.Equal(t, 2, retriever.limit)
}

func TestBuildMinimal(t *testing.T) {
	b := New(&fakeStore{}, staticHints{}, nil, Config{}, testLogger)
	in := newInput(nil)
	in.Agent.SystemPrompt = ""

	msgs, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "no system messages when there is nothing to say")
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
}

func TestBuildIncludesEmailSubject(t *testing.T) {
	b := New(&fakeStore{}, staticHints{}, nil, Config{}, testLogger)
	in := newInput(nil)
	in.Inbound.Channel = "email"
	in.Inbound.Metadata = map[string]any{model.MetaSubject: "Refund request"}

	msgs, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Subject: Refund request\n\nWhere is my order #1234?", msgs[len(msgs)-1].Content)
}

func TestBuildKnowledgeFailureIsOmitted(t *testing.T) {
	b := New(&fakeStore{}, staticHints{}, &fakeRetriever{err: errors.New("qdrant down")}, Config{KnowledgeLimit: 3}, testLogger)
	msgs, err := b.Build(context.Background(), newInput(nil))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, llm.RoleUser, msgs[1].Role)
}

func TestBuildMissingContactIsSkipped(t *testing.T) {
	contactID := uuid.New()
	b := New(&fakeStore{contactErr: storage.ErrNotFound}, staticHints{}, nil, Config{CrossChannelLimit: 3}, testLogger)
	msgs, err := b.Build(context.Background(), newInput(&contactID))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestBuildStoreErrorsAbort(t *testing.T) {
	contactID := uuid.New()
	boom := errors.New("connection reset")

	tests := []struct {
		name  string
		store *fakeStore
		want  string
	}{
		{"contact", &fakeStore{contactErr: boom}, "contact"},
		{"summaries", &fakeStore{summariesErr: boom}, "cross-channel"},
		{"history", &fakeStore{historyErr: boom}, "history"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(tt.store, staticHints{}, nil, Config{CrossChannelLimit: 3, HistoryLimit: 5}, testLogger)
			_, err := b.Build(context.Background(), newInput(&contactID))
			require.ErrorIs(t, err, boom)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestQuoteTruncates(t *testing.T) {
	long := strings.Repeat("é", maxQuotedLen+10)
	got := quote(long)
	assert.Equal(t, maxQuotedLen+1, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
