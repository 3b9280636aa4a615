package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/enufacas/Chained-sub007/internal/record"
)

// Embedder is an interface for generating text embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingSimilarity embeds the text form of both contexts and scores them
// by cosine similarity, clamped at 0. Embeddings are cached by text so that
// a store is embedded once rather than on every query.
type EmbeddingSimilarity struct {
	embedder Embedder
	cache    *ristretto.Cache
}

var _ Similarity = (*EmbeddingSimilarity)(nil)

// NewEmbeddingSimilarity creates a similarity backed by embedder with an
// embedding cache of roughly maxEntries vectors.
func NewEmbeddingSimilarity(embedder Embedder, maxEntries int64) (*EmbeddingSimilarity, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &EmbeddingSimilarity{embedder: embedder, cache: cache}, nil
}

func (e *EmbeddingSimilarity) Score(ctx context.Context, query, candidate record.Context) (float64, error) {
	if len(query) == 0 {
		return 1, nil
	}
	if len(candidate) == 0 {
		return 0, nil
	}
	qv, err := e.embed(ctx, query.Text())
	if err != nil {
		return 0, err
	}
	cv, err := e.embed(ctx, candidate.Text())
	if err != nil {
		return 0, err
	}
	return math.Max(0, cosine(qv, cv)), nil
}

func (e *EmbeddingSimilarity) embed(ctx context.Context, text string) ([]float32, error) {
	key := xxhash.Sum64String(text)
	if v, ok := e.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed context: %w", err)
	}
	e.cache.Set(key, vec, 1)
	return vec, nil
}

// Close stops the cache's background goroutines.
func (e *EmbeddingSimilarity) Close() {
	e.cache.Close()
}

func cosine(a, b []float32) float64 {
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
