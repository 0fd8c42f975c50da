package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/dengon/internal/model"
)

// CreateKnowledgeChunk stores a chunk with its embedding and queues it for
// the search index in the same transaction.
func (db *DB) CreateKnowledgeChunk(ctx context.Context, c model.KnowledgeChunk, embedding *pgvector.Vector) (model.KnowledgeChunk, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO knowledge_chunks (id, tenant_id, agent_id, source, content, priority, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			c.ID, c.TenantID, c.AgentID, c.Source, c.Content, c.Priority, embedding, c.CreatedAt,
		); err != nil {
			return err
		}
		if embedding == nil {
			return nil
		}
		return enqueueKnowledgeOutboxTx(ctx, tx, c.ID, c.TenantID, "upsert")
	})
	if err != nil {
		return model.KnowledgeChunk{}, fmt.Errorf("storage: create knowledge chunk: %w", err)
	}
	return c, nil
}

// DeleteKnowledgeChunk removes a chunk and queues its removal from the index.
func (db *DB) DeleteKnowledgeChunk(ctx context.Context, tenantID, id uuid.UUID) error {
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM knowledge_chunks WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return enqueueKnowledgeOutboxTx(ctx, tx, id, tenantID, "delete")
	})
	if err != nil {
		return fmt.Errorf("storage: delete knowledge chunk: %w", err)
	}
	return nil
}

func enqueueKnowledgeOutboxTx(ctx context.Context, tx pgx.Tx, chunkID, tenantID uuid.UUID, op string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO knowledge_outbox (chunk_id, tenant_id, operation)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chunk_id, operation) DO UPDATE
		 SET attempts = 0, last_error = NULL, locked_until = NULL, created_at = now()`,
		chunkID, tenantID, op,
	)
	return err
}

// SearchKnowledge ranks a tenant's chunks by cosine similarity to embedding.
// Chunks scoped to another agent are excluded; tenant-wide chunks always qualify.
func (db *DB) SearchKnowledge(ctx context.Context, tenantID, agentID uuid.UUID, embedding pgvector.Vector, limit int) ([]model.KnowledgeResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, source, content, priority, created_at,
		        1 - (embedding <=> $3) AS score
		 FROM knowledge_chunks
		 WHERE tenant_id = $1 AND (agent_id IS NULL OR agent_id = $2) AND embedding IS NOT NULL
		 ORDER BY embedding <=> $3
		 LIMIT $4`,
		tenantID, agentID, embedding, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.KnowledgeResult
	for rows.Next() {
		var r model.KnowledgeResult
		var score float64
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.TenantID, &r.Chunk.AgentID, &r.Chunk.Source,
			&r.Chunk.Content, &r.Chunk.Priority, &r.Chunk.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge: %w", err)
		}
		r.Score = float32(score)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetKnowledgeChunks hydrates chunks by id within a tenant. Missing ids are skipped.
func (db *DB) GetKnowledgeChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.KnowledgeChunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, agent_id, source, content, priority, created_at
		 FROM knowledge_chunks WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get knowledge chunks: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.KnowledgeChunk, len(ids))
	for rows.Next() {
		var c model.KnowledgeChunk
		if err := rows.Scan(&c.ID, &c.TenantID, &c.AgentID, &c.Source, &c.Content, &c.Priority, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan knowledge chunk: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}
