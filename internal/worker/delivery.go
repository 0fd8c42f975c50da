package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/channel"
	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/ratelimit"
	"github.com/ashita-ai/dengon/internal/storage"
	"github.com/ashita-ai/dengon/internal/stream"
)

// DeliveryStore is the part of the message store the delivery worker uses.
type DeliveryStore interface {
	GetMessage(ctx context.Context, tenantID, id uuid.UUID) (model.Message, error)
	GetConversation(ctx context.Context, tenantID, id uuid.UUID) (model.Conversation, error)
	ClaimForDelivery(ctx context.Context, tenantID, id uuid.UUID, lease time.Duration) (model.Message, error)
	ReleaseClaim(ctx context.Context, tenantID, id uuid.UUID) error
	MarkMessageSent(ctx context.Context, tenantID, id uuid.UUID, provider, providerMessageID string, meta map[string]any) error
	MarkMessageFailed(ctx context.Context, tenantID, id uuid.UUID, reason string) error
}

// DeliveryConfig configures a delivery worker.
type DeliveryConfig struct {
	// Lease is how long a claimed message is reserved for this worker. It
	// should exceed SendTimeout.
	Lease       time.Duration
	SendTimeout time.Duration
}

// ErrThrottled is returned by Handle when the tenant's send budget for the
// channel is spent. The entry is retried.
var ErrThrottled = errors.New("worker: send throttled")

// DeliveryWorker sends pending replies through one channel adapter.
type DeliveryWorker struct {
	store   DeliveryStore
	channel channel.Channel
	limiter ratelimit.Limiter
	cfg     DeliveryConfig
	logger  *slog.Logger
}

// NewDeliveryWorker creates a delivery worker for ch. limiter may be nil.
func NewDeliveryWorker(store DeliveryStore, ch channel.Channel, limiter ratelimit.Limiter, cfg DeliveryConfig, logger *slog.Logger) *DeliveryWorker {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.Lease <= cfg.SendTimeout {
		cfg.Lease = cfg.SendTimeout + 10*time.Second
	}
	return &DeliveryWorker{
		store:   store,
		channel: ch,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("channel", ch.Name()),
	}
}

// Handle delivers the message referenced by e.
func (w *DeliveryWorker) Handle(ctx context.Context, e stream.Entry) error {
	ref, err := parseRef(e)
	if err != nil {
		w.logger.Error("delivery: dropping entry", "entry_id", e.ID, "error", err)
		return nil
	}
	log := w.logger.With("tenant_id", ref.TenantID, "message_id", ref.MessageID)

	msg, err := w.store.GetMessage(ctx, ref.TenantID, ref.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("delivery: message not found, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Status != model.StatusPending {
		log.Debug("delivery: message no longer pending, skipping", "status", msg.Status)
		return nil
	}

	msg, err = w.store.ClaimForDelivery(ctx, ref.TenantID, ref.MessageID, w.cfg.Lease)
	if errors.Is(err, storage.ErrClaimLost) {
		log.Debug("delivery: claim held elsewhere, leaving entry pending")
		return err
	}
	if err != nil {
		return err
	}

	conv, err := w.store.GetConversation(ctx, msg.TenantID, msg.ConversationID)
	if errors.Is(err, storage.ErrNotFound) {
		return w.fail(ctx, msg, "conversation not found", log)
	}
	if err != nil {
		w.release(ctx, msg, log)
		return err
	}

	allowed, err := w.limiter.Allow(ctx, ratelimit.SendKey(msg.TenantID, w.channel.Name()))
	if err != nil {
		log.Warn("delivery: rate limiter failed, sending anyway", "error", err)
		allowed = true
	}
	if !allowed {
		w.release(ctx, msg, log)
		return ErrThrottled
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()
	res, err := w.channel.Send(sendCtx, msg.TenantID, outbound(msg, conv))
	if err != nil {
		if channel.IsPermanent(err) {
			return w.fail(ctx, msg, err.Error(), log)
		}
		w.release(ctx, msg, log)
		return fmt.Errorf("delivery: send: %w", err)
	}

	if err := w.store.MarkMessageSent(ctx, msg.TenantID, msg.ID, res.Provider, res.ProviderMessageID, res.Metadata); err != nil {
		// The provider accepted the message; a retry may duplicate it.
		return err
	}
	log.Info("delivery: sent", "provider", res.Provider, "provider_message_id", res.ProviderMessageID)
	return nil
}

// DeadLetter marks a message that exhausted its delivery attempts as failed.
func (w *DeliveryWorker) DeadLetter(ctx context.Context, e stream.Entry, reason string) error {
	ref, err := parseRef(e)
	if err != nil {
		return nil
	}
	err = w.store.MarkMessageFailed(ctx, ref.TenantID, ref.MessageID, "delivery abandoned: "+reason)
	if errors.Is(err, storage.ErrClaimLost) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (w *DeliveryWorker) fail(ctx context.Context, msg model.Message, reason string, log *slog.Logger) error {
	if err := w.store.MarkMessageFailed(ctx, msg.TenantID, msg.ID, reason); err != nil && !errors.Is(err, storage.ErrClaimLost) {
		return err
	}
	log.Warn("delivery: permanent failure", "reason", reason)
	return nil
}

func (w *DeliveryWorker) release(ctx context.Context, msg model.Message, log *slog.Logger) {
	if err := w.store.ReleaseClaim(ctx, msg.TenantID, msg.ID); err != nil {
		log.Warn("delivery: release claim failed; lease will expire", "error", err)
	}
}

func outbound(msg model.Message, conv model.Conversation) channel.Outbound {
	out := channel.Outbound{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		To:             conv.ChannelContactID,
		Body:           msg.Content,
		Subject:        msg.MetaString(model.MetaSubject),
		InReplyTo:      msg.MetaString(model.MetaReplyToEmailID),
		References:     msg.MetaString(model.MetaReferences),
	}
	if msg.ContentHTML != nil {
		out.HTML = *msg.ContentHTML
	}
	return out
}
