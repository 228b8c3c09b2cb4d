// Package backend defines the pluggable storage trait surface the core
// consumes: VectorStore for embeddings, MetadataStore for memories and
// associations, and HybridStore for backends that can do both atomically.
// Concrete backends live under pkg/store.
package backend

import (
	"context"

	"github.com/mnemon/mnemon/pkg/memory"
)

// VectorMatch is one vector search result from a VectorStore.
type VectorMatch struct {
	ID         string
	Similarity float64
	Metadata   map[string]string
}

// VectorStore is the pluggable vector backend surface.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vec []float32, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vec []float32, k int, filter map[string]string) ([]VectorMatch, error)
	Exists(ctx context.Context, id string) (bool, error)
	Dimension() int
	Name() string
	Close() error
}

// MetadataStore is the pluggable relational-style backend surface. It is the
// source of truth for the data-model invariants; the indices are
// reconstructible from it.
type MetadataStore interface {
	// Save inserts a new memory. Fails with memory.ErrDuplicate if the id
	// exists and memory.ErrValidation on bound violations.
	Save(ctx context.Context, m *memory.Memory) error

	// Load returns a memory by id, nil for unknown or hard-deleted ids.
	Load(ctx context.Context, id string) (*memory.Memory, error)

	// Update replaces the mutable fields of an existing memory and advances
	// updated_at. Fails with memory.ErrNotFound for unknown ids.
	Update(ctx context.Context, m *memory.Memory) error

	// Forget soft-deletes a memory. Idempotent.
	Forget(ctx context.Context, id string) error

	// Delete removes a memory row and cascades to its incident associations
	// and experience links.
	Delete(ctx context.Context, id string) error

	// Touch advances last_accessed_at and increments access_count for each
	// id in one batched write.
	Touch(ctx context.Context, ids []string) error

	// Query returns memories matching the filter, sorted and bounded.
	Query(ctx context.Context, f *memory.Filter) ([]*memory.Memory, error)

	// ListIDs returns all memory ids, optionally including forgotten rows.
	ListIDs(ctx context.Context, includeForgotten bool) ([]string, error)

	// Associate inserts an edge. A duplicate (source, target, relation) is a
	// no-op; self-loops and unknown endpoints fail.
	Associate(ctx context.Context, a *memory.Association) error

	// Associations returns all edges incident to id, both directions.
	Associations(ctx context.Context, id string) ([]*memory.Association, error)

	// Neighbors expands breadth-first from id up to depth hops, optionally
	// restricted to the given relation types, returning ids with their
	// shortest-path distance.
	Neighbors(ctx context.Context, id string, depth int, rels []memory.RelationType) ([]memory.Neighbor, error)

	// SaveExperience inserts or updates an experience.
	SaveExperience(ctx context.Context, e *memory.Experience) error

	// Experience returns an experience by id, nil when unknown.
	Experience(ctx context.Context, id string) (*memory.Experience, error)

	// LinkExperience attaches a memory to an experience.
	LinkExperience(ctx context.Context, experienceID, memoryID string) error

	// ExperienceMemories returns the ids of memories linked to an experience.
	ExperienceMemories(ctx context.Context, experienceID string) ([]string, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Name() string
	Close() error
}

// HybridStore combines both surfaces and adds atomic write plus fused search
// for backends that support them natively.
type HybridStore interface {
	VectorStore
	MetadataStore

	// HybridSearch returns vector matches joined with their memory rows.
	HybridSearch(ctx context.Context, vec []float32, filter map[string]string, k int) ([]HybridMatch, error)

	// StoreWithEmbedding writes the memory row and its embedding atomically.
	StoreWithEmbedding(ctx context.Context, m *memory.Memory, vec []float32) error
}

// HybridMatch is one HybridSearch result.
type HybridMatch struct {
	ID         string
	Similarity float64
	Memory     *memory.Memory
}
