// Package contextbuilder assembles the ordered prompt for one inbound
// message: agent instructions and channel hints, then customer context,
// then the conversation itself.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/knowledge"
	"github.com/ashita-ai/dengon/internal/llm"
	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/storage"
)

// Store is the read side of the message store the builder needs.
type Store interface {
	GetContact(ctx context.Context, tenantID, id uuid.UUID) (model.Contact, error)
	ContactSummaries(ctx context.Context, tenantID, contactID, exclude uuid.UUID, limit, perConversation int) ([]model.ConversationSummary, error)
	RecentMessages(ctx context.Context, tenantID, conversationID uuid.UUID, limit int, exclude uuid.UUID) ([]model.Message, error)
}

// Hinter returns formatting guidance for a channel. *channel.Registry
// implements it.
type Hinter interface {
	Hints(channel string) string
}

// Config bounds how much context goes into one prompt. Agent-level limits
// override HistoryLimit and KnowledgeLimit.
type Config struct {
	HistoryLimit      int
	CrossChannelLimit int
	KnowledgeLimit    int
	SummaryMessages   int // messages quoted per cross-channel summary; default 4
}

// Input identifies the message being answered.
type Input struct {
	TenantID       uuid.UUID
	ConversationID uuid.UUID
	ContactID      *uuid.UUID
	Inbound        model.Message
	Agent          model.Agent
}

// Builder builds prompts. Safe for concurrent use.
type Builder struct {
	store     Store
	hints     Hinter
	retriever knowledge.Retriever // nil disables knowledge
	cfg       Config
	logger    *slog.Logger
}

// New creates a Builder. retriever may be nil.
func New(store Store, hints Hinter, retriever knowledge.Retriever, cfg Config, logger *slog.Logger) *Builder {
	if cfg.SummaryMessages <= 0 {
		cfg.SummaryMessages = 4
	}
	return &Builder{store: store, hints: hints, retriever: retriever, cfg: cfg, logger: logger}
}

const maxQuotedLen = 280

// Build returns the prompt for in. The first system message carries the
// agent prompt and channel hints; the second, when there is anything to
// say, carries contact facts, cross-channel summaries and knowledge. History
// and the inbound user turn follow.
func (b *Builder) Build(ctx context.Context, in Input) ([]llm.Message, error) {
	var msgs []llm.Message

	if instructions := joinNonEmpty("\n\n", in.Agent.SystemPrompt, b.hints.Hints(in.Inbound.Channel)); instructions != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: instructions})
	}

	customer, err := b.customerContext(ctx, in)
	if err != nil {
		return nil, err
	}
	if customer != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: customer})
	}

	history, err := b.store.RecentMessages(ctx, in.TenantID, in.ConversationID, in.Agent.HistoryWindow(b.cfg.HistoryLimit), in.Inbound.ID)
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: history: %w", err)
	}
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: turnRole(m.Role), Content: m.Content})
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: inboundTurn(in.Inbound)})
	return msgs, nil
}

func (b *Builder) customerContext(ctx context.Context, in Input) (string, error) {
	var sections []string

	if in.ContactID != nil {
		contact, err := b.store.GetContact(ctx, in.TenantID, *in.ContactID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			b.logger.Warn("contextbuilder: contact not found", "contact_id", *in.ContactID)
		case err != nil:
			return "", fmt.Errorf("contextbuilder: contact: %w", err)
		default:
			sections = append(sections, formatContact(contact))
		}

		summaries, err := b.store.ContactSummaries(ctx, in.TenantID, *in.ContactID, in.ConversationID, b.cfg.CrossChannelLimit, b.cfg.SummaryMessages)
		if err != nil {
			return "", fmt.Errorf("contextbuilder: cross-channel summaries: %w", err)
		}
		for _, s := range summaries {
			if text := formatSummary(s); text != "" {
				sections = append(sections, text)
			}
		}
	}

	if b.retriever != nil {
		limit := in.Agent.KnowledgeWindow(b.cfg.KnowledgeLimit)
		snippets, err := b.retriever.GetKnowledgeContext(ctx, in.TenantID, in.Agent.ID, in.Inbound.Content, limit)
		if err != nil {
			b.logger.Warn("contextbuilder: knowledge retrieval failed", "error", err, "tenant_id", in.TenantID)
		} else if snippets != "" {
			sections = append(sections, snippets)
		}
	}

	return joinNonEmpty("\n\n", sections...), nil
}

func formatContact(c model.Contact) string {
	var b strings.Builder
	b.WriteString("Customer profile:")
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "\n- %s: %s", label, value)
		}
	}
	line("Name", c.Name)
	line("Email", deref(c.Email))
	line("Phone", deref(c.Phone))
	line("Company", deref(c.Company))
	for _, k := range slices.Sorted(maps.Keys(c.Facts)) {
		line(k, c.Facts[k])
	}
	if b.Len() == len("Customer profile:") {
		return ""
	}
	return b.String()
}

func formatSummary(s model.ConversationSummary) string {
	if len(s.Messages) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation on %s (%s):", s.Channel, s.LastMessageAt.UTC().Format("2006-01-02"))
	for _, m := range s.Messages {
		speaker := "Customer"
		if m.Role != model.RoleUser {
			speaker = "Support"
		}
		fmt.Fprintf(&b, "\n%s: %s", speaker, quote(m.Content))
	}
	return b.String()
}

func inboundTurn(m model.Message) string {
	if subject := m.MetaString(model.MetaSubject); subject != "" {
		return "Subject: " + subject + "\n\n" + m.Content
	}
	return m.Content
}

func turnRole(r model.MessageRole) llm.Role {
	if r == model.RoleUser {
		return llm.RoleUser
	}
	return llm.RoleAssistant
}

func quote(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxQuotedLen {
		return string(r[:maxQuotedLen]) + "…"
	}
	return s
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
