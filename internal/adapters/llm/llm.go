// Package llm is the boundary to the language model: chat generation,
// embeddings and model-backed risk scoring.
package llm

import (
	"context"

	"github.com/okian/patientsim/internal/domain/prompt"
)

// Call is one generation attempt.
type Call struct {
	SessionID string
	TurnIndex int
	// Attempt starts at 1 and grows across retries of the same turn.
	Attempt int
	State   string
	Request prompt.Request
}

// Generator produces the patient utterance for a call.
type Generator interface {
	Generate(ctx context.Context, call Call) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, call Call) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, call Call) (string, error) {
	return f(ctx, call)
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
