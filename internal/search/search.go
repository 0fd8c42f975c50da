// Package search provides vector search over tenant knowledge using an
// external index, kept in sync with Postgres through an outbox.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/dengon/internal/model"
)

// Result holds a chunk ID and its raw similarity score from the search index.
// The caller hydrates full chunks from Postgres (source of truth).
type Result struct {
	ChunkID uuid.UUID
	Score   float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns chunk IDs for tenantID that are either tenant-wide or
	// scoped to agentID, ordered by similarity.
	Search(ctx context.Context, tenantID, agentID uuid.UUID, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable.
	Healthy(ctx context.Context) error
}

// priorityWeight is the score bonus per priority point.
const priorityWeight = 0.02

// ReScore joins raw index results with hydrated chunks, boosts each score by
// the chunk's priority, sorts descending and truncates to limit. Results whose
// chunk was deleted between search and hydration are dropped.
//
// Formula: relevance = min(1, similarity + 0.02 * priority)
func ReScore(results []Result, chunks map[uuid.UUID]model.KnowledgeChunk, limit int) []model.KnowledgeResult {
	scored := make([]model.KnowledgeResult, 0, len(results))
	for _, r := range results {
		c, ok := chunks[r.ChunkID]
		if !ok {
			continue
		}
		relevance := float64(r.Score) + priorityWeight*float64(c.Priority)
		scored = append(scored, model.KnowledgeResult{
			Chunk: c,
			Score: float32(math.Max(0, math.Min(relevance, 1.0))),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if limit >= 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}
