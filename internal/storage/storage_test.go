package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	pg := testutil.MustStartPostgres()
	testDB = pg.MustNewDB(testutil.TestLogger())

	code := m.Run()

	testDB.Close(context.Background())
	pg.Terminate()
	os.Exit(code)
}

func newConversation(t *testing.T, tenantID uuid.UUID, channel string) model.Conversation {
	t.Helper()
	conv, err := testDB.OpenConversation(context.Background(), tenantID, channel, uuid.NewString()+"@example.com", nil)
	require.NoError(t, err)
	return conv
}

func newInbound(t *testing.T, conv model.Conversation, content string) model.Message {
	t.Helper()
	msg, err := testDB.InsertMessage(context.Background(), model.Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      model.DirectionInbound,
		Role:           model.RoleUser,
		Channel:        conv.Channel,
		Content:        content,
		Status:         model.StatusReceived,
	})
	require.NoError(t, err)
	return msg
}

func pendingReply(conv model.Conversation, inbound model.Message, content string) model.Message {
	return model.Message{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Direction:      model.DirectionOutbound,
		Role:           model.RoleAssistant,
		Channel:        conv.Channel,
		Content:        content,
		Status:         model.StatusPending,
		InReplyTo:      &inbound.ID,
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ran, err := testDB.RunMigrations(context.Background(), os.DirFS("../../migrations"))
	require.NoError(t, err)
	assert.Empty(t, ran)

	applied, err := testDB.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Contains(t, applied, "001_initial.sql")
}

func TestOpenConversationConverges(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	address := "+15550001111"

	const workers = 8
	ids := make([]uuid.UUID, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, err := testDB.OpenConversation(ctx, tenantID, "whatsapp", address, nil)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "all callers must see the same open conversation")
	}

	// Closing lets the same address open a fresh conversation.
	require.NoError(t, testDB.CloseConversation(ctx, tenantID, ids[0]))
	next, err := testDB.OpenConversation(ctx, tenantID, "whatsapp", address, nil)
	require.NoError(t, err)
	assert.NotEqual(t, ids[0], next.ID)
	assert.True(t, next.AIEnabled)
}

func TestGetMessageIsTenantScoped(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "email")
	msg := newInbound(t, conv, "hello")

	got, err := testDB.GetMessage(ctx, conv.TenantID, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, model.StatusReceived, got.Status)

	_, err = testDB.GetMessage(ctx, uuid.New(), msg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecentMessagesChronologicalAndBounded(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "email")

	var last model.Message
	for i, body := range []string{"one", "two", "three", "four"} {
		msg, err := testDB.InsertMessage(ctx, model.Message{
			TenantID: conv.TenantID, ConversationID: conv.ID,
			Direction: model.DirectionInbound, Role: model.RoleUser, Channel: conv.Channel,
			Content: body, Status: model.StatusReceived,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		last = msg
	}

	msgs, err := testDB.RecentMessages(ctx, conv.TenantID, conv.ID, 2, last.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}

func TestPersistReplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "whatsapp")
	inbound := newInbound(t, conv, "where is my order?")

	first, created, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: pendingReply(conv, inbound, "It ships today.")})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: pendingReply(conv, inbound, "A different answer")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "It ships today.", second.Content)

	got, err := testDB.GetReplyTo(ctx, conv.TenantID, inbound.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	touched, err := testDB.GetConversation(ctx, conv.TenantID, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, touched.LastMessageAt)
}

func TestPersistReplyNeverMovesLastMessageBackwards(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "whatsapp")
	inbound := newInbound(t, conv, "hello?")

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	require.NoError(t, testDB.TouchConversation(ctx, conv.TenantID, conv.ID, later))

	reply := pendingReply(conv, inbound, "Hi!")
	reply.CreatedAt = later.Add(-30 * time.Minute)
	_, created, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: reply})
	require.NoError(t, err)
	require.True(t, created)

	got, err := testDB.GetConversation(ctx, conv.TenantID, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(later), "last_message_at = %s, want %s", got.LastMessageAt, later)
}

func TestPersistReplyRecordsEscalationsAndHandoff(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "email")
	inbound := newInbound(t, conv, "I want a refund now")
	ruleID := uuid.New()

	w := storage.ReplyWrite{
		Reply: pendingReply(conv, inbound, "Connecting you with a person."),
		Escalations: []model.EscalationEvent{{
			TenantID: conv.TenantID, ConversationID: conv.ID, MessageID: inbound.ID,
			RuleID: ruleID, RuleName: "angry refund", Action: model.EscalateHandoff,
			Attributes: map[string]string{"sentiment": "negative"},
		}},
		Handoff: true,
	}
	_, created, err := testDB.PersistReply(ctx, w)
	require.NoError(t, err)
	require.True(t, created)

	events, err := testDB.EscalationEvents(ctx, conv.TenantID, conv.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ruleID, events[0].RuleID)
	assert.Equal(t, "negative", events[0].Attributes["sentiment"])

	after, err := testDB.GetConversation(ctx, conv.TenantID, conv.ID)
	require.NoError(t, err)
	assert.False(t, after.AIEnabled)
}

func TestPersistReplyRequiresInReplyTo(t *testing.T) {
	conv := newConversation(t, uuid.New(), "email")
	reply := pendingReply(conv, model.Message{}, "x")
	reply.InReplyTo = nil
	_, _, err := testDB.PersistReply(context.Background(), storage.ReplyWrite{Reply: reply})
	require.Error(t, err)
}

func TestDeliveryClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "whatsapp")
	inbound := newInbound(t, conv, "hi")
	reply, _, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: pendingReply(conv, inbound, "hello!")})
	require.NoError(t, err)

	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, time.Minute)
	require.NoError(t, err)

	// A second worker cannot take an unexpired lease.
	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, time.Minute)
	assert.ErrorIs(t, err, storage.ErrClaimLost)

	require.NoError(t, testDB.ReleaseClaim(ctx, conv.TenantID, reply.ID))
	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, time.Minute)
	require.NoError(t, err)

	require.NoError(t, testDB.MarkMessageSent(ctx, conv.TenantID, reply.ID, "whatsapp", "wamid.1", map[string]any{"wa_status": "accepted"}))

	got, err := testDB.GetMessage(ctx, conv.TenantID, reply.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
	require.NotNil(t, got.ProviderMessageID)
	assert.Equal(t, "wamid.1", *got.ProviderMessageID)
	assert.NotNil(t, got.SentAt)
	assert.Equal(t, "accepted", got.MetaString("wa_status"))

	// Sent is terminal: no second send, no late failure.
	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, time.Minute)
	assert.ErrorIs(t, err, storage.ErrClaimLost)
	assert.ErrorIs(t, testDB.MarkMessageFailed(ctx, conv.TenantID, reply.ID, "late"), storage.ErrClaimLost)
}

func TestExpiredLeaseCanBeReclaimed(t *testing.T) {
	ctx := context.Background()
	conv := newConversation(t, uuid.New(), "email")
	inbound := newInbound(t, conv, "hi")
	reply, _, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: pendingReply(conv, inbound, "hello")})
	require.NoError(t, err)

	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = testDB.ClaimForDelivery(ctx, conv.TenantID, reply.ID, time.Minute)
	require.NoError(t, err)
}

func TestMarkMessageFailedNotifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, storage.ChannelMessageStatus))

	conv := newConversation(t, uuid.New(), "email")
	inbound := newInbound(t, conv, "hi")
	reply, _, err := testDB.PersistReply(ctx, storage.ReplyWrite{Reply: pendingReply(conv, inbound, "hello")})
	require.NoError(t, err)

	require.NoError(t, testDB.MarkMessageFailed(ctx, conv.TenantID, reply.ID, "550 mailbox unavailable"))

	for {
		channel, payload, err := testDB.WaitForNotification(ctx)
		require.NoError(t, err)
		if channel != storage.ChannelMessageStatus {
			continue
		}
		var change storage.StatusChange
		require.NoError(t, json.Unmarshal([]byte(payload), &change))
		if change.MessageID != reply.ID {
			continue
		}
		assert.Equal(t, model.StatusFailed, change.Status)
		assert.Equal(t, conv.ID, change.ConversationID)
		break
	}

	got, err := testDB.GetMessage(ctx, conv.TenantID, reply.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "550 mailbox unavailable", *got.Error)
}

func TestResolveAgentPrefersDefault(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	_, err := testDB.ResolveAgent(ctx, tenantID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.CreateAgent(ctx, model.Agent{TenantID: tenantID, Name: "first", IsActive: true})
	require.NoError(t, err)
	def, err := testDB.CreateAgent(ctx, model.Agent{TenantID: tenantID, Name: "default", IsActive: true, IsDefault: true})
	require.NoError(t, err)
	_, err = testDB.CreateAgent(ctx, model.Agent{TenantID: tenantID, Name: "inactive", IsDefault: true})
	require.NoError(t, err)

	got, err := testDB.ResolveAgent(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
}

func TestPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	agent, err := testDB.CreateAgent(ctx, model.Agent{TenantID: tenantID, Name: "a", IsActive: true})
	require.NoError(t, err)
	otherAgent := uuid.New()

	_, err = testDB.CreateGuardrail(ctx, model.Guardrail{
		TenantID: tenantID, Name: "no refunds", Priority: 10, IsActive: true,
		TriggerType: model.TriggerKeyword, TriggerValue: "refund,chargeback",
		Action: model.ActionRedirect, TriggerResponse: "Please contact billing.",
	})
	require.NoError(t, err)
	_, err = testDB.CreateGuardrail(ctx, model.Guardrail{
		TenantID: tenantID, AgentID: &agent.ID, Name: "agent scoped", IsActive: true,
		TriggerType: model.TriggerRegex, TriggerValue: `\d{16}`, Target: model.TargetOutput,
		Action: model.ActionModify, TriggerResponse: "[redacted]",
	})
	require.NoError(t, err)
	_, err = testDB.CreateGuardrail(ctx, model.Guardrail{
		TenantID: tenantID, Name: "inactive", TriggerType: model.TriggerKeyword, TriggerValue: "x", Action: model.ActionBlock,
	})
	require.NoError(t, err)

	guardrails, err := testDB.ActiveGuardrails(ctx, tenantID, agent.ID)
	require.NoError(t, err)
	assert.Len(t, guardrails, 2)

	guardrails, err = testDB.ActiveGuardrails(ctx, tenantID, otherAgent)
	require.NoError(t, err)
	require.Len(t, guardrails, 1)
	assert.Equal(t, model.TargetInput, guardrails[0].Target)

	_, err = testDB.CreateEscalationRule(ctx, model.EscalationRule{
		TenantID: tenantID, Name: "urgent negative", IsActive: true, MatchMode: model.MatchAll,
		Conditions: []model.Condition{
			{Attribute: "sentiment", Operator: model.OpEquals, Value: "negative"},
			{Attribute: "urgency", Operator: model.OpIn, Values: []string{"high", "critical"}},
		},
		Action: model.EscalateHandoff,
	})
	require.NoError(t, err)
	rules, err := testDB.ActiveEscalationRules(ctx, tenantID, agent.ID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Len(t, rules[0].Conditions, 2)
	assert.Equal(t, []string{"high", "critical"}, rules[0].Conditions[1].Values)

	_, err = testDB.UpsertAttribute(ctx, model.Attribute{
		TenantID: tenantID, Key: "sentiment", Default: "neutral",
		Values: []model.AttributeValue{{Value: "negative", Keywords: []string{"angry", "terrible"}}},
	})
	require.NoError(t, err)
	_, err = testDB.UpsertAttribute(ctx, model.Attribute{
		TenantID: tenantID, Key: "sentiment", Default: "calm",
		Values: []model.AttributeValue{{Value: "negative", Keywords: []string{"awful"}}},
	})
	require.NoError(t, err)
	attrs, err := testDB.Attributes(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "calm", attrs[0].Default)
	assert.Equal(t, []string{"awful"}, attrs[0].Values[0].Keywords)
}

func TestContactSummaries(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	contact, err := testDB.CreateContact(ctx, model.Contact{TenantID: tenantID, Name: "Ada", Facts: map[string]string{"plan": "pro"}})
	require.NoError(t, err)

	got, err := testDB.GetContact(ctx, tenantID, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Facts["plan"])

	email, err := testDB.OpenConversation(ctx, tenantID, "email", "ada@example.com", &contact.ID)
	require.NoError(t, err)
	wa, err := testDB.OpenConversation(ctx, tenantID, "whatsapp", "+15550002222", &contact.ID)
	require.NoError(t, err)

	for _, body := range []string{"invoice question", "thanks"} {
		m := newInbound(t, email, body)
		require.NoError(t, testDB.TouchConversation(ctx, tenantID, email.ID, m.CreatedAt))
	}

	summaries, err := testDB.ContactSummaries(ctx, tenantID, contact.ID, wa.ID, 3, 5)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "email", summaries[0].Channel)
	require.Len(t, summaries[0].Messages, 2)
	assert.Equal(t, "invoice question", summaries[0].Messages[0].Content)
}

func TestKnowledgeSearch(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()

	vec := func(x, y float32) *pgvector.Vector {
		v := make([]float32, 1536)
		v[0], v[1] = x, y
		pv := pgvector.NewVector(v)
		return &pv
	}
	near, err := testDB.CreateKnowledgeChunk(ctx, model.KnowledgeChunk{TenantID: tenantID, Source: "faq", Content: "Shipping takes 3 days."}, vec(1, 0))
	require.NoError(t, err)
	_, err = testDB.CreateKnowledgeChunk(ctx, model.KnowledgeChunk{TenantID: tenantID, Source: "faq", Content: "Returns within 30 days."}, vec(0, 1))
	require.NoError(t, err)
	_, err = testDB.CreateKnowledgeChunk(ctx, model.KnowledgeChunk{TenantID: uuid.New(), Content: "other tenant"}, vec(1, 0))
	require.NoError(t, err)

	results, err := testDB.SearchKnowledge(ctx, tenantID, uuid.New(), *vec(0.9, 0.1), 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].Chunk.ID)
	assert.Greater(t, results[0].Score, results[1].Score)

	chunks, err := testDB.GetKnowledgeChunks(ctx, tenantID, []uuid.UUID{near.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	require.NoError(t, testDB.DeleteKnowledgeChunk(ctx, tenantID, near.ID))
	assert.ErrorIs(t, testDB.DeleteKnowledgeChunk(ctx, tenantID, near.ID), storage.ErrNotFound)
}

func TestWithRetryStopsOnNonRetriable(t *testing.T) {
	calls := 0
	err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return storage.ErrNotFound
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls)
}
