package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction records which way a message travelled.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleAgent     MessageRole = "agent"
)

// MessageStatus is the delivery state of a message.
//
// Outbound messages start as pending and move to exactly one of sent or
// failed. Inbound messages are stored as received and never change.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusSent     MessageStatus = "sent"
	StatusFailed   MessageStatus = "failed"
	StatusReceived MessageStatus = "received"
)

// Terminal reports whether no further delivery transition is allowed.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusReceived
}

// Metadata keys stored on Message.Metadata.
const (
	MetaSubject         = "subject"
	MetaEmailMessageID  = "email_message_id"
	MetaReferences      = "references"
	MetaReplyToEmailID  = "reply_to_email_message_id" // set on replies: the inbound email's Message-ID
	MetaGuardrailID     = "guardrail_id"
	MetaGuardrailAction = "guardrail_action"
	MetaGuardrailWarn   = "guardrail_warning"
	MetaEscalations     = "escalations"
	MetaFallback        = "fallback"
	MetaAttributes      = "attributes"
)

// Message is a single customer-facing message on one channel.
type Message struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	ConversationID    uuid.UUID      `json:"conversation_id"`
	Direction         Direction      `json:"direction"`
	Role              MessageRole    `json:"role"`
	Channel           string         `json:"channel"`
	Content           string         `json:"content"`
	ContentHTML       *string        `json:"content_html,omitempty"`
	Provider          *string        `json:"provider,omitempty"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"`
	Status            MessageStatus  `json:"status"`
	Error             *string        `json:"error,omitempty"`
	InReplyTo         *uuid.UUID     `json:"in_reply_to,omitempty"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
}

// IsUserInbound reports whether the message is customer input the AI should answer.
func (m Message) IsUserInbound() bool {
	return m.Direction == DirectionInbound && m.Role == RoleUser
}

// MetaString returns a string metadata value, or "" when absent.
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MaxContentLen bounds message bodies accepted into the pipeline.
const MaxContentLen = 64 * 1024

// ValidateContent rejects empty or oversized message bodies.
func ValidateContent(content string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}
	if len(content) > MaxContentLen {
		return fmt.Errorf("content exceeds maximum length of %d bytes", MaxContentLen)
	}
	return nil
}
