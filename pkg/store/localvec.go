package store

import (
	"context"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/index"
)

// LocalVectorStore adapts the in-process VecIndex to the VectorStore trait.
// It is the default vector backend.
type LocalVectorStore struct {
	idx  *index.VecIndex
	path string
}

// NewLocalVectorStore wraps a VecIndex. If path is non-empty, Close persists
// the index there.
func NewLocalVectorStore(idx *index.VecIndex, path string) *LocalVectorStore {
	return &LocalVectorStore{idx: idx, path: path}
}

// Upsert adds or replaces a vector. Metadata is not retained; the metadata
// store owns it.
func (s *LocalVectorStore) Upsert(ctx context.Context, id string, vec []float32, _ map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.idx.Upsert(id, vec)
}

// Remove deletes a vector.
func (s *LocalVectorStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.idx.Remove(id)
	return nil
}

// Search returns the top-k matches by cosine similarity.
func (s *LocalVectorStore) Search(ctx context.Context, vec []float32, k int, _ map[string]string) ([]backend.VectorMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hits, err := s.idx.Search(vec, k, nil)
	if err != nil {
		return nil, err
	}
	out := make([]backend.VectorMatch, len(hits))
	for i, h := range hits {
		out[i] = backend.VectorMatch{ID: h.ID, Similarity: h.Score}
	}
	return out, nil
}

// Exists reports whether a vector is indexed.
func (s *LocalVectorStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.idx.Contains(id), nil
}

// Dimension returns the embedding width.
func (s *LocalVectorStore) Dimension() int {
	return s.idx.Dimension()
}

// Name identifies the backend.
func (s *LocalVectorStore) Name() string {
	return "local"
}

// Close persists the index when a path is configured.
func (s *LocalVectorStore) Close() error {
	if s.path == "" {
		return nil
	}
	return s.idx.Save(s.path)
}
