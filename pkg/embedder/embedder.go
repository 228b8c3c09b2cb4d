// Package embedder abstracts text-to-vector embedding. The substrate treats
// a missing or unavailable embedder as a degraded mode: vector indexing is
// skipped and retrieval falls back to text-only.
package embedder

import (
	"context"
	"errors"
)

// Sentinel errors.
var (
	// ErrUnavailable is transient; callers retry or degrade to text-only.
	ErrUnavailable = errors.New("embedder: unavailable")

	// ErrIncompatible is fatal; vector operations are disabled.
	ErrIncompatible = errors.New("embedder: incompatible model or dimension")
)

// Embedder converts text to fixed-dimension vectors. Implementations must be
// deterministic and stateless per model.
type Embedder interface {
	// Embed converts a single text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding width.
	Dimensions() int
}
