// Package ingest accepts inbound customer messages from channel adapters,
// records them and queues them for the AI incoming worker.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/stream"
)

// ErrInvalidInput is returned for requests that can never be ingested.
var ErrInvalidInput = errors.New("ingest: invalid input")

// Store is the part of the message store ingestion writes to.
type Store interface {
	OpenConversation(ctx context.Context, tenantID uuid.UUID, channel, channelContactID string, contactID *uuid.UUID) (model.Conversation, error)
	InsertMessage(ctx context.Context, m model.Message) (model.Message, error)
	TouchConversation(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error
}

// Request is one inbound message as a channel adapter hands it over.
type Request struct {
	TenantID         uuid.UUID
	Channel          string
	ChannelContactID string     // phone number, email address, widget session
	ContactID        *uuid.UUID // resolved contact, when the adapter knows it
	Content          string
	ContentHTML      string

	// Email threading, when the channel has it.
	Subject        string
	EmailMessageID string
	References     string
}

// Result reports what Ingest stored and queued.
type Result struct {
	Conversation model.Conversation
	Message      model.Message
	EntryID      string
}

// Service ingests inbound messages.
type Service struct {
	store  Store
	bus    stream.Bus
	prefix string
	logger *slog.Logger
}

// NewService creates an ingestion service publishing to prefix's incoming topic.
func NewService(store Store, bus stream.Bus, prefix string, logger *slog.Logger) *Service {
	return &Service{store: store, bus: bus, prefix: prefix, logger: logger}
}

// Ingest finds or opens the conversation for the sender, stores the message
// as received and publishes it to the incoming topic. A publish failure is
// returned after the message is stored; the caller should retry.
func (s *Service) Ingest(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	conv, err := s.store.OpenConversation(ctx, req.TenantID, req.Channel, req.ChannelContactID, req.ContactID)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: open conversation: %w", err)
	}

	meta := map[string]any{}
	if req.Subject != "" {
		meta[model.MetaSubject] = req.Subject
	}
	if req.EmailMessageID != "" {
		meta[model.MetaEmailMessageID] = req.EmailMessageID
	}
	if req.References != "" {
		meta[model.MetaReferences] = req.References
	}
	msg := model.Message{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		ConversationID: conv.ID,
		Direction:      model.DirectionInbound,
		Role:           model.RoleUser,
		Channel:        req.Channel,
		Content:        req.Content,
		Status:         model.StatusReceived,
		Metadata:       meta,
		CreatedAt:      time.Now().UTC(),
	}
	if req.ContentHTML != "" {
		msg.ContentHTML = &req.ContentHTML
	}

	msg, err = s.store.InsertMessage(ctx, msg)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: insert message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, req.TenantID, conv.ID, msg.CreatedAt); err != nil {
		return Result{}, fmt.Errorf("ingest: touch conversation: %w", err)
	}

	entryID, err := s.bus.Publish(ctx, stream.IncomingTopic(s.prefix), map[string]string{
		stream.FieldMessageID:      msg.ID.String(),
		stream.FieldTenantID:       msg.TenantID.String(),
		stream.FieldConversationID: conv.ID.String(),
		stream.FieldChannel:        msg.Channel,
	})
	if err != nil {
		s.logger.Error("ingest: message stored but not queued", "message_id", msg.ID, "error", err)
		return Result{Conversation: conv, Message: msg}, fmt.Errorf("ingest: publish: %w", err)
	}

	s.logger.Info("ingest: queued", "tenant_id", req.TenantID, "message_id", msg.ID,
		"conversation_id", conv.ID, "channel", req.Channel, "entry_id", entryID)
	return Result{Conversation: conv, Message: msg, EntryID: entryID}, nil
}

func validate(req Request) error {
	switch {
	case req.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	case strings.TrimSpace(req.Channel) == "":
		return fmt.Errorf("%w: channel is required", ErrInvalidInput)
	case strings.TrimSpace(req.ChannelContactID) == "":
		return fmt.Errorf("%w: channel_contact_id is required", ErrInvalidInput)
	}
	if err := model.ValidateContent(req.Content); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
