package store

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
)

// ChromemStore is a VectorStore over chromem-go, an embedded pure-Go vector
// database. Use it instead of the local index when vectors should persist
// independently of the metadata store.
type ChromemStore struct {
	db        *chromem.DB
	col       *chromem.Collection
	dimension int
}

// NewChromemStore opens (or creates) a chromem collection. With a non-empty
// path the database persists to disk; otherwise it is in-memory.
func NewChromemStore(path string, dimension int) (*ChromemStore, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, backend.WrapError(backend.KindConnection, "open", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always supplied by the caller, never computed here.
	col, err := db.GetOrCreateCollection("memories", nil, func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("chromem: embeddings must be provided explicitly")
	})
	if err != nil {
		return nil, backend.WrapError(backend.KindConnection, "open", err)
	}
	return &ChromemStore{db: db, col: col, dimension: dimension}, nil
}

// Upsert adds or replaces a vector with optional metadata.
func (s *ChromemStore) Upsert(ctx context.Context, id string, vec []float32, metadata map[string]string) error {
	if len(vec) != s.dimension {
		return fmt.Errorf("%w: expected %d, got %d", memory.ErrDimensionMismatch, s.dimension, len(vec))
	}
	err := s.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Embedding: vec,
		Metadata:  metadata,
		Content:   id, // chromem requires content; the store only needs the id back
	})
	if err != nil {
		return backend.WrapError(backend.KindOperation, "upsert", err)
	}
	return nil
}

// Remove deletes a vector.
func (s *ChromemStore) Remove(ctx context.Context, id string) error {
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return backend.WrapError(backend.KindOperation, "remove", err)
	}
	return nil
}

// Search returns the top-k matches by cosine similarity. chromem reports
// similarity already in cosine space.
func (s *ChromemStore) Search(ctx context.Context, vec []float32, k int, filter map[string]string) ([]backend.VectorMatch, error) {
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", memory.ErrDimensionMismatch, s.dimension, len(vec))
	}
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.col.QueryEmbedding(ctx, vec, k, filter, nil)
	if err != nil {
		return nil, backend.WrapError(backend.KindOperation, "search", err)
	}

	out := make([]backend.VectorMatch, len(results))
	for i, r := range results {
		out[i] = backend.VectorMatch{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
			Metadata:   r.Metadata,
		}
	}
	return out, nil
}

// Exists reports whether a vector is stored.
func (s *ChromemStore) Exists(ctx context.Context, id string) (bool, error) {
	if _, err := s.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

// Dimension returns the embedding width.
func (s *ChromemStore) Dimension() int {
	return s.dimension
}

// Name identifies the backend.
func (s *ChromemStore) Name() string {
	return "chromem"
}

// Close is a no-op; chromem persists on write.
func (s *ChromemStore) Close() error {
	return nil
}
