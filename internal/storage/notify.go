package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dengon/internal/model"
)

// ChannelMessageStatus carries a StatusChange payload whenever an outbound
// message reaches sent or failed.
const ChannelMessageStatus = "dengon_message_status"

// StatusChange is the JSON payload published on ChannelMessageStatus.
type StatusChange struct {
	TenantID       uuid.UUID           `json:"tenant_id"`
	ConversationID uuid.UUID           `json:"conversation_id"`
	MessageID      uuid.UUID           `json:"message_id"`
	Status         model.MessageStatus `json:"status"`
}

// Listen subscribes the dedicated notify connection to channel.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	n, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return n.Channel, n.Payload, nil
}

// notifyStatusTx queues a status notification; Postgres delivers it on commit.
func notifyStatusTx(ctx context.Context, tx pgx.Tx, change StatusChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("storage: marshal status change: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelMessageStatus, string(payload)); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelMessageStatus, err)
	}
	return nil
}
