package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dengon/internal/model"
)

// insertEscalationEventTx records a fired rule. Replays of the same
// (message, rule) pair are ignored.
func insertEscalationEventTx(ctx context.Context, tx pgx.Tx, ev model.EscalationEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Attributes == nil {
		ev.Attributes = map[string]string{}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO escalation_events (id, tenant_id, conversation_id, message_id, rule_id, rule_name,
		                                action, action_value, attributes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, message_id, rule_id) DO NOTHING`,
		ev.ID, ev.TenantID, ev.ConversationID, ev.MessageID, ev.RuleID, ev.RuleName,
		string(ev.Action), ev.ActionValue, ev.Attributes, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert escalation event: %w", err)
	}
	return nil
}

// EscalationEvents lists the events recorded for a conversation, oldest first.
func (db *DB) EscalationEvents(ctx context.Context, tenantID, conversationID uuid.UUID) ([]model.EscalationEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, conversation_id, message_id, rule_id, rule_name, action,
		        action_value, attributes, created_at
		 FROM escalation_events
		 WHERE tenant_id = $1 AND conversation_id = $2
		 ORDER BY created_at ASC, id ASC`,
		tenantID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list escalation events: %w", err)
	}
	defer rows.Close()

	var out []model.EscalationEvent
	for rows.Next() {
		var (
			ev     model.EscalationEvent
			action string
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ConversationID, &ev.MessageID, &ev.RuleID,
			&ev.RuleName, &action, &ev.ActionValue, &ev.Attributes, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan escalation event: %w", err)
		}
		ev.Action = model.EscalationAction(action)
		out = append(out, ev)
	}
	return out, rows.Err()
}
