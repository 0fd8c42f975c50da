package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/contextbuilder"
	"github.com/ashita-ai/dengon/internal/events"
	"github.com/ashita-ai/dengon/internal/llm"
	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/policy"
	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/internal/stream"
)

// IncomingStore is the part of the message store the incoming worker uses.
type IncomingStore interface {
	GetMessage(ctx context.Context, tenantID, id uuid.UUID) (model.Message, error)
	GetReplyTo(ctx context.Context, tenantID, inboundID uuid.UUID) (model.Message, error)
	GetConversation(ctx context.Context, tenantID, id uuid.UUID) (model.Conversation, error)
	ResolveAgent(ctx context.Context, tenantID uuid.UUID) (model.Agent, error)
	ActiveGuardrails(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.Guardrail, error)
	ActiveEscalationRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.EscalationRule, error)
	Attributes(ctx context.Context, tenantID uuid.UUID) ([]model.Attribute, error)
	PersistReply(ctx context.Context, w storage.ReplyWrite) (model.Message, bool, error)
}

// PromptBuilder assembles the model prompt. *contextbuilder.Builder implements it.
type PromptBuilder interface {
	Build(ctx context.Context, in contextbuilder.Input) ([]llm.Message, error)
}

// SemanticChecker precomputes semantic guardrail verdicts.
// *policy.SemanticChecker implements it.
type SemanticChecker interface {
	Check(ctx context.Context, text string, guardrails []model.Guardrail, stage model.GuardrailTarget) (map[uuid.UUID]bool, error)
}

// IncomingConfig configures the incoming worker.
type IncomingConfig struct {
	StreamPrefix  string
	FallbackReply string
	ModelTimeout  time.Duration
}

// Fallback reasons recorded under model.MetaFallback.
const (
	fallbackNoAgent    = "no_agent"
	fallbackLLMError   = "llm_error"
	fallbackDeadLetter = "dead_letter"
)

// IncomingWorker answers inbound customer messages.
type IncomingWorker struct {
	store    IncomingStore
	builder  PromptBuilder
	models   *llm.Router
	semantic SemanticChecker // nil skips semantic guardrails
	bus      stream.Bus
	events   events.Publisher
	cfg      IncomingConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewIncomingWorker creates the incoming worker. semantic and pub may be nil.
func NewIncomingWorker(
	store IncomingStore,
	builder PromptBuilder,
	models *llm.Router,
	semantic SemanticChecker,
	bus stream.Bus,
	pub events.Publisher,
	cfg IncomingConfig,
	logger *slog.Logger,
) *IncomingWorker {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 45 * time.Second
	}
	return &IncomingWorker{
		store:    store,
		builder:  builder,
		models:   models,
		semantic: semantic,
		bus:      bus,
		events:   pub,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle answers the inbound message referenced by e.
func (w *IncomingWorker) Handle(ctx context.Context, e stream.Entry) error {
	ref, err := parseRef(e)
	if err != nil {
		w.logger.Error("incoming: dropping entry", "entry_id", e.ID, "error", err)
		return nil
	}
	log := w.logger.With("tenant_id", ref.TenantID, "message_id", ref.MessageID)

	msg, err := w.store.GetMessage(ctx, ref.TenantID, ref.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("incoming: message not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if !msg.IsUserInbound() {
		log.Debug("incoming: not a user message, skipping", "direction", msg.Direction, "role", msg.Role)
		return nil
	}

	if done, err := w.resumeExisting(ctx, msg); done || err != nil {
		return err
	}

	conv, err := w.store.GetConversation(ctx, msg.TenantID, msg.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("incoming: conversation not found, skipping", "conversation_id", msg.ConversationID)
		return nil
	}
	if err != nil {
		return err
	}
	if !conv.AIEnabled {
		log.Info("incoming: AI disabled on conversation, skipping", "conversation_id", conv.ID)
		return nil
	}

	agent, err := w.store.ResolveAgent(ctx, msg.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("incoming: no active agent, sending placeholder")
		return w.sendFallback(ctx, msg, fallbackNoAgent)
	}
	if err != nil {
		return err
	}

	return w.answer(ctx, msg, conv, agent, log)
}

// resumeExisting handles redelivery after a crash between persisting and
// acking: the reply exists, so only re-publish it if it is still pending.
func (w *IncomingWorker) resumeExisting(ctx context.Context, msg model.Message) (bool, error) {
	existing, err := w.store.GetReplyTo(ctx, msg.TenantID, msg.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if existing.Status == model.StatusPending {
		w.logger.Info("incoming: reply exists, re-publishing", "message_id", msg.ID, "reply_id", existing.ID)
		return true, w.publishOutgoing(ctx, existing)
	}
	return true, nil
}

func (w *IncomingWorker) answer(ctx context.Context, msg model.Message, conv model.Conversation, agent model.Agent, log *slog.Logger) error {
	guardrails, err := w.store.ActiveGuardrails(ctx, msg.TenantID, agent.ID)
	if err != nil {
		return err
	}
	guardrails = policy.SortGuardrails(guardrails)
	rules, err := w.store.ActiveEscalationRules(ctx, msg.TenantID, agent.ID)
	if err != nil {
		return err
	}
	attributes, err := w.store.Attributes(ctx, msg.TenantID)
	if err != nil {
		return err
	}

	detected := policy.DetectAttributes(msg.Content, attributes)
	matches := policy.EvaluateEscalations(detected, policy.SortEscalationRules(rules))

	inDecision, err := w.evaluate(ctx, msg.Content, guardrails, model.TargetInput)
	if err != nil {
		return err
	}
	for _, id := range inDecision.Invalid {
		log.Warn("incoming: skipped guardrail with invalid pattern", "guardrail_id", id)
	}

	meta := map[string]any{}
	var content string
	switch {
	case inDecision.Blocked:
		log.Info("incoming: input guardrail blocked generation",
			"guardrail_id", inDecision.Guardrail.ID, "action", inDecision.Guardrail.Action)
		content = inDecision.Reply

	default:
		generated, fallback, err := w.generate(ctx, msg, conv, agent, log)
		if err != nil {
			return err
		}
		if fallback {
			meta[model.MetaFallback] = fallbackLLMError
			content = w.cfg.FallbackReply
			break
		}

		outDecision, err := w.evaluate(ctx, generated, guardrails, model.TargetOutput)
		if err != nil {
			return err
		}
		if outDecision.Blocked {
			log.Info("incoming: output guardrail replaced reply", "guardrail_id", outDecision.Guardrail.ID)
			content = outDecision.Reply
		} else {
			content = outDecision.PostProcess(generated)
		}
		outDecision.Annotate(meta)
	}
	content = inDecision.PostProcess(content)
	inDecision.Annotate(meta) // input annotation wins when both stages fire

	if len(detected) > 0 {
		meta[model.MetaAttributes] = detected
	}
	escalations := policy.Events(matches, detected)
	if len(escalations) > 0 {
		names := make([]string, len(escalations))
		for i := range escalations {
			escalations[i].TenantID = msg.TenantID
			escalations[i].ConversationID = msg.ConversationID
			escalations[i].MessageID = msg.ID
			names[i] = escalations[i].RuleName
		}
		meta[model.MetaEscalations] = names
	}

	reply, created, err := w.store.PersistReply(ctx, storage.ReplyWrite{
		Reply:       w.newReply(msg, content, meta),
		Escalations: escalations,
		Handoff:     policy.Handoff(matches),
	})
	if err != nil {
		return err
	}
	if err := w.publishOutgoing(ctx, reply); err != nil {
		return err
	}
	if created {
		w.publishEscalations(ctx, escalations)
	}
	log.Info("incoming: reply queued", "reply_id", reply.ID, "channel", reply.Channel, "created", created)
	return nil
}

// generate calls the agent's model. A permanent model failure returns
// fallback=true; transient failures return an error so the entry is retried.
func (w *IncomingWorker) generate(ctx context.Context, msg model.Message, conv model.Conversation, agent model.Agent, log *slog.Logger) (string, bool, error) {
	prompt, err := w.builder.Build(ctx, contextbuilder.Input{
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		ContactID:      conv.ContactID,
		Inbound:        msg,
		Agent:          agent,
	})
	if err != nil {
		return "", false, err
	}

	client := w.models.For(agent.Provider)
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ModelTimeout)
	defer cancel()
	resp, err := client.Complete(callCtx, llm.Request{
		Model:       agent.Model,
		Messages:    prompt,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	})
	if err != nil {
		if llm.IsPermanent(err) {
			log.Error("incoming: model call failed permanently, sending placeholder",
				"provider", client.Provider(), "error", err)
			return "", true, nil
		}
		return "", false, fmt.Errorf("incoming: model call: %w", err)
	}
	log.Debug("incoming: model replied", "provider", client.Provider(), "model", resp.Model,
		"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return resp.Content, false, nil
}

func (w *IncomingWorker) evaluate(ctx context.Context, text string, guardrails []model.Guardrail, stage model.GuardrailTarget) (policy.Decision, error) {
	var verdicts map[uuid.UUID]bool
	if w.semantic != nil {
		var err error
		verdicts, err = w.semantic.Check(ctx, text, guardrails, stage)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("incoming: semantic check: %w", err)
		}
	}
	return policy.EvaluateGuardrails(policy.Input{
		Text:     text,
		Semantic: verdicts,
		Fallback: w.cfg.FallbackReply,
	}, guardrails, stage), nil
}

// DeadLetter sends the placeholder reply for an inbound message that could
// not be answered.
func (w *IncomingWorker) DeadLetter(ctx context.Context, e stream.Entry, reason string) error {
	ref, err := parseRef(e)
	if err != nil {
		return nil
	}
	msg, err := w.store.GetMessage(ctx, ref.TenantID, ref.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !msg.IsUserInbound() {
		return nil
	}
	if done, err := w.resumeExisting(ctx, msg); done || err != nil {
		return err
	}
	w.logger.Warn("incoming: answering dead-lettered message with placeholder",
		"tenant_id", msg.TenantID, "message_id", msg.ID, "reason", reason)
	return w.sendFallback(ctx, msg, fallbackDeadLetter)
}

func (w *IncomingWorker) sendFallback(ctx context.Context, msg model.Message, reason string) error {
	reply, _, err := w.store.PersistReply(ctx, storage.ReplyWrite{
		Reply: w.newReply(msg, w.cfg.FallbackReply, map[string]any{model.MetaFallback: reason}),
	})
	if err != nil {
		return err
	}
	return w.publishOutgoing(ctx, reply)
}

func (w *IncomingWorker) newReply(inbound model.Message, content string, meta map[string]any) model.Message {
	if subject := inbound.MetaString(model.MetaSubject); subject != "" {
		meta[model.MetaSubject] = subject
	}
	if id := inbound.MetaString(model.MetaEmailMessageID); id != "" {
		meta[model.MetaReplyToEmailID] = id
	}
	if refs := inbound.MetaString(model.MetaReferences); refs != "" {
		meta[model.MetaReferences] = refs
	}
	inReplyTo := inbound.ID
	return model.Message{
		ID:             uuid.New(),
		TenantID:       inbound.TenantID,
		ConversationID: inbound.ConversationID,
		Direction:      model.DirectionOutbound,
		Role:           model.RoleAssistant,
		Channel:        inbound.Channel,
		Content:        content,
		Status:         model.StatusPending,
		InReplyTo:      &inReplyTo,
		Metadata:       meta,
		CreatedAt:      w.now(),
	}
}

func (w *IncomingWorker) publishOutgoing(ctx context.Context, reply model.Message) error {
	if _, err := w.bus.Publish(ctx, stream.OutgoingTopic(w.cfg.StreamPrefix, reply.Channel), map[string]string{
		stream.FieldMessageID:      reply.ID.String(),
		stream.FieldTenantID:       reply.TenantID.String(),
		stream.FieldConversationID: reply.ConversationID.String(),
		stream.FieldChannel:        reply.Channel,
	}); err != nil {
		return fmt.Errorf("incoming: publish outgoing: %w", err)
	}
	return nil
}

func (w *IncomingWorker) publishEscalations(ctx context.Context, escalations []model.EscalationEvent) {
	for _, ev := range escalations {
		err := w.events.Publish(ctx, events.New(events.TypeEscalation, ev.TenantID, map[string]any{
			"rule_id":         ev.RuleID,
			"rule_name":       ev.RuleName,
			"action":          ev.Action,
			"action_value":    ev.ActionValue,
			"conversation_id": ev.ConversationID,
			"message_id":      ev.MessageID,
			"attributes":      ev.Attributes,
		}))
		if err != nil {
			w.logger.Warn("incoming: escalation event not published", "rule_id", ev.RuleID, "error", err)
		}
	}
}
