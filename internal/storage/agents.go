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

const agentColumns = `id, tenant_id, name, system_prompt, provider, model, temperature, max_tokens,
	history_limit, knowledge_limit, is_default, is_active, created_at, updated_at`

// CreateAgent inserts a new AI agent configuration.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if err := a.Validate(); err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	if _, err := db.pool.Exec(ctx,
		`INSERT INTO ai_agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.TenantID, a.Name, a.SystemPrompt, a.Provider, a.Model, a.Temperature, a.MaxTokens,
		a.HistoryLimit, a.KnowledgeLimit, a.IsDefault, a.IsActive, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// ResolveAgent returns the active agent that answers for a tenant: the
// default one when flagged, otherwise the oldest active agent.
// Returns ErrNotFound when the tenant has no active agent.
func (db *DB) ResolveAgent(ctx context.Context, tenantID uuid.UUID) (model.Agent, error) {
	var a model.Agent
	err := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM ai_agents
		 WHERE tenant_id = $1 AND is_active
		 ORDER BY is_default DESC, created_at ASC, id ASC
		 LIMIT 1`,
		tenantID,
	).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.SystemPrompt, &a.Provider, &a.Model, &a.Temperature, &a.MaxTokens,
		&a.HistoryLimit, &a.KnowledgeLimit, &a.IsDefault, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: resolve agent: %w", err)
	}
	return a, nil
}
