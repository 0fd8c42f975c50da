package model

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation groups the messages exchanged with one contact on one channel.
// ChannelContactID is the channel-native address (phone number, email address,
// widget session).
type Conversation struct {
	ID               uuid.UUID          `json:"id"`
	TenantID         uuid.UUID          `json:"tenant_id"`
	ContactID        *uuid.UUID         `json:"contact_id,omitempty"`
	Channel          string             `json:"channel"`
	ChannelContactID string             `json:"channel_contact_id"`
	Status           ConversationStatus `json:"status"`
	AIEnabled        bool               `json:"ai_enabled"`
	LastMessageAt    *time.Time         `json:"last_message_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Contact is the resolved identity behind one or more conversations.
type Contact struct {
	ID        uuid.UUID         `json:"id"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	Name      string            `json:"name"`
	Email     *string           `json:"email,omitempty"`
	Phone     *string           `json:"phone,omitempty"`
	Company   *string           `json:"company,omitempty"`
	Facts     map[string]string `json:"facts"`
	CreatedAt time.Time         `json:"created_at"`
}

// ConversationSummary is a condensed view of another conversation with the
// same contact, used for cross-channel continuity.
type ConversationSummary struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Channel        string    `json:"channel"`
	LastMessageAt  time.Time `json:"last_message_at"`
	Messages       []Message `json:"messages"`
}
