package search

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/okian/patientsim/internal/adapters/llm"
	"github.com/okian/patientsim/internal/domain/grounding"
)

// Embedding ranks candidates by cosine similarity of model embeddings.
// Document vectors are cached by text; case facts never change.
type Embedding struct {
	embedder llm.Embedder

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewEmbedding creates an embedding searcher.
func NewEmbedding(e llm.Embedder) *Embedding {
	return &Embedding{embedder: e, cache: map[string][]float32{}}
}

// Search embeds the query and any uncached candidates in one batch.
func (e *Embedding) Search(ctx context.Context, query string, candidates []grounding.Candidate, k int) ([]grounding.Hit, error) {
	if query == "" || len(candidates) == 0 {
		return nil, nil
	}
	batch := []string{query}
	e.mu.RLock()
	for _, c := range candidates {
		if _, ok := e.cache[c.Text]; !ok {
			batch = append(batch, c.Text)
		}
	}
	e.mu.RUnlock()

	vecs, err := e.embedder.Embed(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embed: %d vectors for %d texts", len(vecs), len(batch))
	}
	q := vecs[0]

	e.mu.Lock()
	for i, text := range batch[1:] {
		e.cache[text] = vecs[i+1]
	}
	docs := make([][]float32, len(candidates))
	for i, c := range candidates {
		docs[i] = e.cache[c.Text]
	}
	e.mu.Unlock()

	hits := make([]grounding.Hit, 0, len(candidates))
	for i, c := range candidates {
		if s := cosine(q, docs[i]); s > 0 {
			hits = append(hits, grounding.Hit{ID: c.ID, Score: s})
		}
	}
	return topK(hits, k), nil
}

// Cached returns the number of cached document vectors.
func (e *Embedding) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
