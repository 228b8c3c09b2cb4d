package store

import (
	"context"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
)

// Hybrid composes a MetadataStore and a VectorStore into the HybridStore
// trait: atomic-enough writes (metadata first, vector second, vector
// rollback on failure) and fused search that joins matches with their rows.
type Hybrid struct {
	backend.MetadataStore
	vecs backend.VectorStore
}

// NewHybrid composes the two backends.
func NewHybrid(meta backend.MetadataStore, vecs backend.VectorStore) *Hybrid {
	return &Hybrid{MetadataStore: meta, vecs: vecs}
}

// Upsert delegates to the vector backend.
func (h *Hybrid) Upsert(ctx context.Context, id string, vec []float32, metadata map[string]string) error {
	return h.vecs.Upsert(ctx, id, vec, metadata)
}

// Remove deletes from the vector backend.
func (h *Hybrid) Remove(ctx context.Context, id string) error {
	return h.vecs.Remove(ctx, id)
}

// Search delegates to the vector backend.
func (h *Hybrid) Search(ctx context.Context, vec []float32, k int, filter map[string]string) ([]backend.VectorMatch, error) {
	return h.vecs.Search(ctx, vec, k, filter)
}

// Exists reports vector presence.
func (h *Hybrid) Exists(ctx context.Context, id string) (bool, error) {
	return h.vecs.Exists(ctx, id)
}

// Dimension returns the vector backend's embedding width.
func (h *Hybrid) Dimension() int {
	return h.vecs.Dimension()
}

// Name identifies the composition.
func (h *Hybrid) Name() string {
	return h.MetadataStore.Name() + "+" + h.vecs.Name()
}

// Close releases both backends.
func (h *Hybrid) Close() error {
	vecErr := h.vecs.Close()
	if err := h.MetadataStore.Close(); err != nil {
		return err
	}
	return vecErr
}

// StoreWithEmbedding writes the memory row and its embedding together. The
// row commits first; a failed vector write rolls the row back so the two
// never diverge.
func (h *Hybrid) StoreWithEmbedding(ctx context.Context, m *memory.Memory, vec []float32) error {
	if err := h.MetadataStore.Save(ctx, m); err != nil {
		return err
	}
	if err := h.vecs.Upsert(ctx, m.ID, vec, nil); err != nil {
		if delErr := h.MetadataStore.Delete(ctx, m.ID); delErr != nil {
			return backend.WrapError(backend.KindOperation, "store_with_embedding", delErr)
		}
		return err
	}
	return nil
}

// HybridSearch returns vector matches joined with their memory rows.
// Matches whose rows are missing or forgotten are dropped.
func (h *Hybrid) HybridSearch(ctx context.Context, vec []float32, filter map[string]string, k int) ([]backend.HybridMatch, error) {
	matches, err := h.vecs.Search(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}

	out := make([]backend.HybridMatch, 0, len(matches))
	for _, match := range matches {
		m, err := h.MetadataStore.Load(ctx, match.ID)
		if err != nil {
			return nil, err
		}
		if m == nil || m.Forgotten {
			continue
		}
		out = append(out, backend.HybridMatch{
			ID:         match.ID,
			Similarity: match.Similarity,
			Memory:     m,
		})
	}
	return out, nil
}
