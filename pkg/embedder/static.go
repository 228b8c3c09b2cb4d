package embedder

import (
	"context"
)

// StaticEmbedder returns caller-provided vectors per text. It exists for
// tests that need exact control over similarity geometry.
type StaticEmbedder struct {
	dimensions int
	vectors    map[string][]float32
	failWith   error
}

// NewStaticEmbedder creates a static embedder with the given dimension.
func NewStaticEmbedder(dimensions int) *StaticEmbedder {
	return &StaticEmbedder{
		dimensions: dimensions,
		vectors:    make(map[string][]float32),
	}
}

// Set registers the vector returned for a text.
func (s *StaticEmbedder) Set(text string, vec []float32) {
	s.vectors[text] = vec
}

// Fail makes every subsequent call return err; nil restores normal behavior.
func (s *StaticEmbedder) Fail(err error) {
	s.failWith = err
}

// Embed returns the registered vector, or a zero vector for unknown texts.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	if vec, ok := s.vectors[text]; ok {
		return vec, nil
	}
	return make([]float32, s.dimensions), nil
}

// EmbedBatch embeds each text in order.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the embedding width.
func (s *StaticEmbedder) Dimensions() int {
	return s.dimensions
}
