package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/model"
)

// CreateGuardrail inserts a guardrail.
func (db *DB) CreateGuardrail(ctx context.Context, g model.Guardrail) (model.Guardrail, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	if g.Target == "" {
		g.Target = model.TargetInput
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO guardrails (id, tenant_id, agent_id, name, priority, is_active, trigger_type,
		                         trigger_value, target, action, trigger_response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.ID, g.TenantID, g.AgentID, g.Name, g.Priority, g.IsActive, string(g.TriggerType),
		g.TriggerValue, string(g.Target), string(g.Action), g.TriggerResponse, g.CreatedAt,
	); err != nil {
		return model.Guardrail{}, fmt.Errorf("storage: create guardrail: %w", err)
	}
	return g, nil
}

// ActiveGuardrails returns the tenant-wide and agent-scoped active guardrails.
// Order is not significant; callers sort with policy.SortGuardrails.
func (db *DB) ActiveGuardrails(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.Guardrail, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, name, priority, is_active, trigger_type, trigger_value,
		        target, action, trigger_response, created_at
		 FROM guardrails
		 WHERE tenant_id = $1 AND is_active AND (agent_id IS NULL OR agent_id = $2)`,
		tenantID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list guardrails: %w", err)
	}
	defer rows.Close()

	var out []model.Guardrail
	for rows.Next() {
		var (
			g       model.Guardrail
			trigger string
			target  string
			action  string
		)
		if err := rows.Scan(&g.ID, &g.TenantID, &g.AgentID, &g.Name, &g.Priority, &g.IsActive,
			&trigger, &g.TriggerValue, &target, &action, &g.TriggerResponse, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan guardrail: %w", err)
		}
		g.TriggerType = model.TriggerType(trigger)
		g.Target = model.GuardrailTarget(target)
		g.Action = model.GuardrailAction(action)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreateEscalationRule inserts an escalation rule.
func (db *DB) CreateEscalationRule(ctx context.Context, r model.EscalationRule) (model.EscalationRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.MatchMode == "" {
		r.MatchMode = model.MatchAll
	}
	if r.Conditions == nil {
		r.Conditions = []model.Condition{}
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO escalation_rules (id, tenant_id, agent_id, name, priority, is_active, match_mode,
		                               conditions, action, action_value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.TenantID, r.AgentID, r.Name, r.Priority, r.IsActive, string(r.MatchMode),
		r.Conditions, string(r.Action), r.ActionValue, r.CreatedAt,
	); err != nil {
		return model.EscalationRule{}, fmt.Errorf("storage: create escalation rule: %w", err)
	}
	return r, nil
}

// ActiveEscalationRules returns the tenant-wide and agent-scoped active rules.
func (db *DB) ActiveEscalationRules(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.EscalationRule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, name, priority, is_active, match_mode, conditions,
		        action, action_value, created_at
		 FROM escalation_rules
		 WHERE tenant_id = $1 AND is_active AND (agent_id IS NULL OR agent_id = $2)`,
		tenantID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list escalation rules: %w", err)
	}
	defer rows.Close()

	var out []model.EscalationRule
	for rows.Next() {
		var (
			r                 model.EscalationRule
			matchMode, action string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.Name, &r.Priority, &r.IsActive,
			&matchMode, &r.Conditions, &action, &r.ActionValue, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan escalation rule: %w", err)
		}
		r.MatchMode = model.MatchMode(matchMode)
		r.Action = model.EscalationAction(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertAttribute creates or replaces a tenant attribute definition by key.
func (db *DB) UpsertAttribute(ctx context.Context, a model.Attribute) (model.Attribute, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Values == nil {
		a.Values = []model.AttributeValue{}
	}
	if err := db.pool.QueryRow(ctx,
		`INSERT INTO attributes (id, tenant_id, key, allowed_values, default_value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, key) DO UPDATE SET allowed_values = EXCLUDED.allowed_values, default_value = EXCLUDED.default_value
		 RETURNING id`,
		a.ID, a.TenantID, a.Key, a.Values, a.Default,
	).Scan(&a.ID); err != nil {
		return model.Attribute{}, fmt.Errorf("storage: upsert attribute: %w", err)
	}
	return a, nil
}

// Attributes returns a tenant's attribute definitions ordered by key.
func (db *DB) Attributes(ctx context.Context, tenantID uuid.UUID) ([]model.Attribute, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, key, allowed_values, default_value FROM attributes
		 WHERE tenant_id = $1 ORDER BY key`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list attributes: %w", err)
	}
	defer rows.Close()

	var out []model.Attribute
	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Key, &a.Values, &a.Default); err != nil {
			return nil, fmt.Errorf("storage: scan attribute: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
