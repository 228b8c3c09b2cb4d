package embedder

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder generates deterministic embeddings from a text hash. It is
// the built-in embedder for local operation and tests; semantically related
// texts do NOT land near each other, only identical texts collide.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	return &HashEmbedder{dimensions: dimensions}
}

// Embed creates a deterministic unit vector from the text hash.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hasher := fnv.New64a()
	hasher.Write([]byte(text))
	seed := hasher.Sum64()

	vec := make([]float32, h.dimensions)
	for i := range vec {
		// Linear congruential generator seeded by the hash.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// EmbedBatch embeds each text in order.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding width.
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	n := float32(math.Sqrt(norm))
	if n == 0 {
		return vec
	}
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
