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

const messageColumns = `id, tenant_id, conversation_id, direction, role, channel, content, content_html,
	provider, provider_message_id, status, error, in_reply_to, metadata, created_at, updated_at, sent_at`

// InsertMessage stores a new message. ID and timestamps are filled when unset.
func (db *DB) InsertMessage(ctx context.Context, m model.Message) (model.Message, error) {
	prepareMessage(&m)
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		messageArgs(m)...,
	); err != nil {
		return model.Message{}, fmt.Errorf("storage: insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id within a tenant.
func (db *DB) GetMessage(ctx context.Context, tenantID, id uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, fmt.Errorf("storage: message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// GetReplyTo returns the reply created for an inbound message, if any.
func (db *DB) GetReplyTo(ctx context.Context, tenantID, inboundID uuid.UUID) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND in_reply_to = $2`,
		tenantID, inboundID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: get reply: %w", err)
	}
	return m, nil
}

// RecentMessages returns up to limit of the newest messages of a conversation
// in chronological order, leaving out exclude (usually the message being answered).
func (db *DB) RecentMessages(ctx context.Context, tenantID, conversationID uuid.UUID, limit int, exclude uuid.UUID) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2 AND id <> $3
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		 ) recent ORDER BY created_at ASC, id ASC`,
		tenantID, conversationID, exclude, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent messages: %w", err)
	}
	return collectMessages(rows)
}

// ReplyWrite is everything the incoming worker persists for one answered message.
type ReplyWrite struct {
	Reply       model.Message
	Escalations []model.EscalationEvent
	// Handoff turns AI off for the conversation after this reply.
	Handoff bool
}

// PersistReply stores an AI reply keyed on its InReplyTo message, touches the
// conversation and records escalation events, all in one transaction. When a
// reply for the same inbound message already exists it is returned unchanged
// with created=false and nothing else is written.
func (db *DB) PersistReply(ctx context.Context, w ReplyWrite) (reply model.Message, created bool, err error) {
	if w.Reply.InReplyTo == nil {
		return model.Message{}, false, fmt.Errorf("storage: persist reply: in_reply_to is required")
	}
	prepareMessage(&w.Reply)

	err = db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
			 ON CONFLICT (tenant_id, in_reply_to) WHERE in_reply_to IS NOT NULL DO NOTHING`,
			messageArgs(w.Reply)...,
		)
		if err != nil {
			return fmt.Errorf("insert reply: %w", err)
		}
		if tag.RowsAffected() == 0 {
			existing, err := scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND in_reply_to = $2`,
				w.Reply.TenantID, *w.Reply.InReplyTo,
			))
			if err != nil {
				return fmt.Errorf("load existing reply: %w", err)
			}
			reply, created = existing, false
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE conversations
			 SET last_message_at = GREATEST(COALESCE(last_message_at, $3), $3), updated_at = now(),
			     ai_enabled = ai_enabled AND NOT $4
			 WHERE tenant_id = $1 AND id = $2`,
			w.Reply.TenantID, w.Reply.ConversationID, w.Reply.CreatedAt, w.Handoff,
		); err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		for _, ev := range w.Escalations {
			if err := insertEscalationEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		reply, created = w.Reply, true
		return nil
	})
	if err != nil {
		return model.Message{}, false, fmt.Errorf("storage: persist reply: %w", err)
	}
	return reply, created, nil
}

// ClaimForDelivery takes a delivery lease on a pending message. It returns
// ErrClaimLost when the message is no longer pending or another worker holds
// an unexpired lease.
func (db *DB) ClaimForDelivery(ctx context.Context, tenantID, id uuid.UUID, lease time.Duration) (model.Message, error) {
	m, err := scanMessage(db.pool.QueryRow(ctx,
		`UPDATE messages
		 SET claimed_until = now() + $3 * interval '1 millisecond', updated_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
		   AND (claimed_until IS NULL OR claimed_until < now())
		 RETURNING `+messageColumns,
		tenantID, id, lease.Milliseconds(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Message{}, ErrClaimLost
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: claim message: %w", err)
	}
	return m, nil
}

// ReleaseClaim drops the delivery lease so a redelivered entry can retry at once.
func (db *DB) ReleaseClaim(ctx context.Context, tenantID, id uuid.UUID) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE messages SET claimed_until = NULL
		 WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`,
		tenantID, id,
	); err != nil {
		return fmt.Errorf("storage: release claim: %w", err)
	}
	return nil
}

// MarkMessageSent records a successful provider send. Only pending messages
// transition; anything else returns ErrClaimLost.
func (db *DB) MarkMessageSent(ctx context.Context, tenantID, id uuid.UUID, provider, providerMessageID string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var conversationID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE messages
			 SET status = 'sent', provider = $3, provider_message_id = $4,
			     metadata = metadata || $5, sent_at = now(), updated_at = now(),
			     claimed_until = NULL, error = NULL
			 WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
			 RETURNING conversation_id`,
			tenantID, id, provider, providerMessageID, meta,
		).Scan(&conversationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}
		return notifyStatusTx(ctx, tx, StatusChange{
			TenantID: tenantID, ConversationID: conversationID, MessageID: id, Status: model.StatusSent,
		})
	})
	if err != nil {
		return fmt.Errorf("storage: mark sent: %w", err)
	}
	return nil
}

// MarkMessageFailed records a permanent delivery failure. Only pending
// messages transition; anything else returns ErrClaimLost.
func (db *DB) MarkMessageFailed(ctx context.Context, tenantID, id uuid.UUID, reason string) error {
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var conversationID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE messages
			 SET status = 'failed', error = $3, updated_at = now(), claimed_until = NULL
			 WHERE tenant_id = $1 AND id = $2 AND status = 'pending'
			 RETURNING conversation_id`,
			tenantID, id, reason,
		).Scan(&conversationID)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}
		return notifyStatusTx(ctx, tx, StatusChange{
			TenantID: tenantID, ConversationID: conversationID, MessageID: id, Status: model.StatusFailed,
		})
	})
	if err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	return nil
}

func prepareMessage(m *model.Message) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
}

func messageArgs(m model.Message) []any {
	return []any{
		m.ID, m.TenantID, m.ConversationID, string(m.Direction), string(m.Role), m.Channel,
		m.Content, m.ContentHTML, m.Provider, m.ProviderMessageID, string(m.Status), m.Error,
		m.InReplyTo, m.Metadata, m.CreatedAt, m.UpdatedAt, m.SentAt,
	}
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m         model.Message
		direction string
		role      string
		status    string
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &m.ConversationID, &direction, &role, &m.Channel,
		&m.Content, &m.ContentHTML, &m.Provider, &m.ProviderMessageID, &status, &m.Error,
		&m.InReplyTo, &m.Metadata, &m.CreatedAt, &m.UpdatedAt, &m.SentAt,
	)
	if err != nil {
		return model.Message{}, err
	}
	m.Direction = model.Direction(direction)
	m.Role = model.MessageRole(role)
	m.Status = model.MessageStatus(status)
	return m, nil
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
