// Package embedding generates vector embeddings for knowledge retrieval and
// semantic guardrails.
//
// The knowledge_chunks column has a fixed dimension, so every provider
// rejects vectors whose size does not match its configured Dimensions.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// ErrDimensionMismatch is returned when a provider yields a vector of the
// wrong size for the configured schema.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

func checkDims(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, got, want)
	}
	return nil
}

// OpenAIProvider generates embeddings using the OpenAI embeddings API.
type OpenAIProvider struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates an OpenAI embedding provider. baseURL may be
// empty. dims is sent as the requested output size, which the text-embedding-3
// models honor.
func NewOpenAIProvider(apiKey, baseURL, model string, dims int) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dims,
	}
}

// Dimensions returns the embedding vector size.
func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a single embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in a single API call.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          openai.EmbeddingModel(p.model),
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(p.dimensions)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: openai: %w", err)
	}

	// Results may arrive out of order; place them by index.
	vecs := make([]pgvector.Vector, len(texts))
	seen := make([]bool, len(texts))
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(texts) {
			return nil, fmt.Errorf("embedding: invalid index %d in response", d.Index)
		}
		if err := checkDims(len(d.Embedding), p.dimensions); err != nil {
			return nil, err
		}
		v := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			v[i] = float32(f)
		}
		vecs[idx] = pgvector.NewVector(v)
		seen[idx] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("embedding: missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

// NoopProvider returns zero vectors. Used when no provider is configured;
// zero vectors never pass a similarity threshold.
type NoopProvider struct {
	dims int
}

// NewNoopProvider creates a provider that returns zero vectors.
func NewNoopProvider(dims int) *NoopProvider {
	return &NoopProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dims
}

// Embed returns a zero vector.
func (p *NoopProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	return pgvector.NewVector(make([]float32, p.dims)), nil
}

// EmbedBatch returns zero vectors.
func (p *NoopProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i := range vecs {
		vecs[i] = pgvector.NewVector(make([]float32, p.dims))
	}
	return vecs, nil
}

// IsNoop reports whether p produces only zero vectors.
func IsNoop(p Provider) bool {
	_, ok := p.(*NoopProvider)
	return ok
}
