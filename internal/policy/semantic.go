package policy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/dengon/internal/model"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// referenceEmbedTimeout bounds a shared reference-phrase embedding.
const referenceEmbedTimeout = 30 * time.Second

// SemanticChecker decides semantic guardrails by cosine similarity between
// the text and each guardrail's reference phrase. Reference embeddings are
// cached for the life of the checker.
type SemanticChecker struct {
	embedder  Embedder
	threshold float64

	mu    sync.RWMutex
	cache map[string][]float32
	group singleflight.Group
}

// NewSemanticChecker creates a checker that matches at or above threshold.
func NewSemanticChecker(embedder Embedder, threshold float64) *SemanticChecker {
	return &SemanticChecker{embedder: embedder, threshold: threshold, cache: make(map[string][]float32)}
}

// Check returns verdicts for the active semantic guardrails of stage. The
// text is embedded only when at least one such guardrail exists.
func (c *SemanticChecker) Check(ctx context.Context, text string, guardrails []model.Guardrail, stage model.GuardrailTarget) (map[uuid.UUID]bool, error) {
	var semantic []model.Guardrail
	for _, g := range guardrails {
		if g.IsActive && g.Target == stage && g.TriggerType == model.TriggerSemantic && g.TriggerValue != "" {
			semantic = append(semantic, g)
		}
	}
	if len(semantic) == 0 {
		return nil, nil
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("policy: embed text: %w", err)
	}
	verdicts := make(map[uuid.UUID]bool, len(semantic))
	for _, g := range semantic {
		ref, err := c.reference(ctx, g.TriggerValue)
		if err != nil {
			return nil, err
		}
		verdicts[g.ID] = Cosine(vec.Slice(), ref) >= c.threshold
	}
	return verdicts, nil
}

func (c *SemanticChecker) reference(ctx context.Context, phrase string) ([]float32, error) {
	c.mu.RLock()
	v, ok := c.cache[phrase]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}
	// The embedding is shared by every caller waiting on phrase, so it must
	// not inherit the cancellation of whichever caller started it.
	ch := c.group.DoChan(phrase, func() (any, error) {
		embedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), referenceEmbedTimeout)
		defer cancel()
		vec, err := c.embedder.Embed(embedCtx, phrase)
		if err != nil {
			return nil, fmt.Errorf("policy: embed reference phrase: %w", err)
		}
		c.mu.Lock()
		c.cache[phrase] = vec.Slice()
		c.mu.Unlock()
		return vec.Slice(), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
