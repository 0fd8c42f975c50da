package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dengon/internal/model"
)

const conversationColumns = `id, tenant_id, contact_id, channel, channel_contact_id, status,
	ai_enabled, last_message_at, created_at, updated_at`

// GetConversation returns a conversation by id within a tenant.
func (db *DB) GetConversation(ctx context.Context, tenantID, id uuid.UUID) (model.Conversation, error) {
	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("storage: conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: get conversation: %w", err)
	}
	return c, nil
}

// OpenConversation returns the open conversation for a channel address,
// creating it when none exists. Concurrent callers converge on one row: the
// insert is a no-op under the open-conversation unique index and the re-select
// returns the winner. contactID is only applied on creation.
func (db *DB) OpenConversation(ctx context.Context, tenantID uuid.UUID, channel, channelContactID string, contactID *uuid.UUID) (model.Conversation, error) {
	now := time.Now().UTC()
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO conversations (id, tenant_id, contact_id, channel, channel_contact_id, status, ai_enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'open', true, $6, $6)
		 ON CONFLICT (tenant_id, channel, channel_contact_id) WHERE status = 'open' DO NOTHING`,
		uuid.New(), tenantID, contactID, channel, channelContactID, now,
	); err != nil {
		return model.Conversation{}, fmt.Errorf("storage: open conversation: %w", err)
	}

	c, err := scanConversation(db.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE tenant_id = $1 AND channel = $2 AND channel_contact_id = $3 AND status = 'open'`,
		tenantID, channel, channelContactID,
	))
	if err != nil {
		return model.Conversation{}, fmt.Errorf("storage: reselect conversation: %w", err)
	}
	return c, nil
}

// TouchConversation bumps last_message_at.
func (db *DB) TouchConversation(ctx context.Context, tenantID, id uuid.UUID, at time.Time) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE conversations SET last_message_at = GREATEST(COALESCE(last_message_at, $3), $3), updated_at = now()
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, at,
	); err != nil {
		return fmt.Errorf("storage: touch conversation: %w", err)
	}
	return nil
}

// SetAIEnabled switches automated replies on or off for a conversation.
func (db *DB) SetAIEnabled(ctx context.Context, tenantID, id uuid.UUID, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET ai_enabled = $3, updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, enabled,
	)
	if err != nil {
		return fmt.Errorf("storage: set ai_enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseConversation marks a conversation closed so the next inbound message
// on the same address opens a new one.
func (db *DB) CloseConversation(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE conversations SET status = 'closed', updated_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: close conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ContactSummaries returns up to limit of the contact's other conversations,
// most recently active first, each with its last perConversation messages.
func (db *DB) ContactSummaries(ctx context.Context, tenantID, contactID, exclude uuid.UUID, limit, perConversation int) ([]model.ConversationSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, channel, last_message_at FROM conversations
		 WHERE tenant_id = $1 AND contact_id = $2 AND id <> $3 AND last_message_at IS NOT NULL
		 ORDER BY last_message_at DESC
		 LIMIT $4`,
		tenantID, contactID, exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: contact conversations: %w", err)
	}
	var summaries []model.ConversationSummary
	for rows.Next() {
		var s model.ConversationSummary
		if err := rows.Scan(&s.ConversationID, &s.Channel, &s.LastMessageAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan contact conversation: %w", err)
		}
		summaries = append(summaries, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: contact conversations: %w", err)
	}

	for i := range summaries {
		msgs, err := db.RecentMessages(ctx, tenantID, summaries[i].ConversationID, perConversation, uuid.Nil)
		if err != nil {
			return nil, err
		}
		summaries[i].Messages = msgs
	}
	return summaries, nil
}

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var (
		c      model.Conversation
		status string
	)
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.ContactID, &c.Channel, &c.ChannelContactID, &status,
		&c.AIEnabled, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return model.Conversation{}, err
	}
	c.Status = model.ConversationStatus(status)
	return c, nil
}
