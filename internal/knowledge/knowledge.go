// Package knowledge retrieves tenant knowledge snippets for model context.
//
// Queries go to the Qdrant index when it is configured and healthy, and
// fall back to pgvector search in Postgres otherwise.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/dengon/internal/model"
	"github.com/ashita-ai/dengon/internal/search"
	"github.com/ashita-ai/dengon/internal/service/embedding"
)

// Retriever returns formatted knowledge for a query, or "" when nothing
// relevant exists.
type Retriever interface {
	GetKnowledgeContext(ctx context.Context, tenantID, agentID uuid.UUID, query string, limit int) (string, error)
}

// Store is the Postgres side of knowledge retrieval.
type Store interface {
	SearchKnowledge(ctx context.Context, tenantID, agentID uuid.UUID, embedding pgvector.Vector, limit int) ([]model.KnowledgeResult, error)
	GetKnowledgeChunks(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]model.KnowledgeChunk, error)
}

// maxSnippetLen bounds each snippet placed in the prompt.
const maxSnippetLen = 1200

// Service implements Retriever.
type Service struct {
	embedder embedding.Provider
	searcher search.Searcher // nil when Qdrant is not configured
	store    Store
	logger   *slog.Logger
}

// NewService creates a knowledge retriever. searcher may be nil.
func NewService(embedder embedding.Provider, searcher search.Searcher, store Store, logger *slog.Logger) *Service {
	return &Service{embedder: embedder, searcher: searcher, store: store, logger: logger}
}

// GetKnowledgeContext embeds query and formats the top limit chunks.
func (s *Service) GetKnowledgeContext(ctx context.Context, tenantID, agentID uuid.UUID, query string, limit int) (string, error) {
	if limit <= 0 || strings.TrimSpace(query) == "" || embedding.IsNoop(s.embedder) {
		return "", nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("knowledge: embed query: %w", err)
	}

	results, err := s.search(ctx, tenantID, agentID, vec, limit)
	if err != nil {
		return "", err
	}
	return Format(results), nil
}

func (s *Service) search(ctx context.Context, tenantID, agentID uuid.UUID, vec pgvector.Vector, limit int) ([]model.KnowledgeResult, error) {
	if s.searcher != nil {
		if err := s.searcher.Healthy(ctx); err == nil {
			hits, err := s.searcher.Search(ctx, tenantID, agentID, vec.Slice(), limit)
			if err == nil {
				ids := make([]uuid.UUID, len(hits))
				for i, h := range hits {
					ids[i] = h.ChunkID
				}
				chunks, err := s.store.GetKnowledgeChunks(ctx, tenantID, ids)
				if err != nil {
					return nil, fmt.Errorf("knowledge: hydrate chunks: %w", err)
				}
				return search.ReScore(hits, chunks, limit), nil
			}
			s.logger.Warn("knowledge: index search failed, falling back to postgres", "error", err)
		} else {
			s.logger.Debug("knowledge: index unhealthy, using postgres", "error", err)
		}
	}

	results, err := s.store.SearchKnowledge(ctx, tenantID, agentID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("knowledge: postgres search: %w", err)
	}
	return results, nil
}

// Format renders results as numbered snippets. Returns "" for no results.
func Format(results []model.KnowledgeResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge base excerpts:\n")
	for i, r := range results {
		content := strings.TrimSpace(r.Chunk.Content)
		if len(content) > maxSnippetLen {
			content = strings.ToValidUTF8(content[:maxSnippetLen], "") + "…"
		}
		if r.Chunk.Source != "" {
			fmt.Fprintf(&b, "\n[%d] (%s) %s", i+1, r.Chunk.Source, content)
		} else {
			fmt.Fprintf(&b, "\n[%d] %s", i+1, content)
		}
	}
	return b.String()
}
