package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mnemon/mnemon/pkg/memory"
)

// MemoryStore is an in-memory MetadataStore. It is the reference
// implementation of the store semantics and the default for tests.
type MemoryStore struct {
	mu          sync.RWMutex
	memories    map[string]*memory.Memory
	edges       map[edgeKey]*memory.Association
	experiences map[string]*memory.Experience
	expLinks    map[string]map[string]struct{} // experienceID -> memory ids
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memories:    make(map[string]*memory.Memory),
		edges:       make(map[edgeKey]*memory.Association),
		experiences: make(map[string]*memory.Experience),
		expLinks:    make(map[string]map[string]struct{}),
	}
}

// Save inserts a new memory.
func (s *MemoryStore) Save(ctx context.Context, m *memory.Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.memories[m.ID]; exists {
		return fmt.Errorf("%w: %s", memory.ErrDuplicate, m.ID)
	}
	if err := prepareForSave(m, time.Now()); err != nil {
		return err
	}
	s.memories[m.ID] = m.Clone()
	return nil
}

// Load returns a memory by id, nil when unknown.
func (s *MemoryStore) Load(ctx context.Context, id string) (*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[id]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

// Update replaces the mutable fields of an existing memory.
func (s *MemoryStore) Update(ctx context.Context, m *memory.Memory) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.memories[m.ID]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, m.ID)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	updated := m.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	if updated.AccessCount < existing.AccessCount {
		updated.AccessCount = existing.AccessCount
	}
	if updated.LastAccessedAt.Before(existing.LastAccessedAt) {
		updated.LastAccessedAt = existing.LastAccessedAt
	}
	s.memories[m.ID] = updated
	return nil
}

// Forget soft-deletes a memory. Idempotent; unknown ids are a no-op.
func (s *MemoryStore) Forget(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.memories[id]; ok {
		m.Forgotten = true
		m.UpdatedAt = time.Now()
	}
	return nil
}

// Delete hard-removes a memory and cascades to incident edges and
// experience links.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.memories, id)
	for k := range s.edges {
		if k.source == id || k.target == id {
			delete(s.edges, k)
		}
	}
	for _, links := range s.expLinks {
		delete(links, id)
	}
	return nil
}

// Touch advances access tracking for each id.
func (s *MemoryStore) Touch(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.AccessCount++
			m.LastAccessedAt = now
		}
	}
	return nil
}

// Query returns memories matching the filter.
func (s *MemoryStore) Query(ctx context.Context, f *memory.Filter) ([]*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*memory.Memory
	for _, m := range s.memories {
		if f.Matches(m) {
			results = append(results, m.Clone())
		}
	}
	return sortAndBound(results, f), nil
}

// ListIDs returns all memory ids.
func (s *MemoryStore) ListIDs(ctx context.Context, includeForgotten bool) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.memories))
	for id, m := range s.memories {
		if m.Forgotten && !includeForgotten {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Associate inserts an edge.
func (s *MemoryStore) Associate(ctx context.Context, a *memory.Association) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memories[a.SourceID]; !ok {
		return fmt.Errorf("%w: association source %s", memory.ErrNotFound, a.SourceID)
	}
	if _, ok := s.memories[a.TargetID]; !ok {
		return fmt.Errorf("%w: association target %s", memory.ErrNotFound, a.TargetID)
	}

	k := edgeKey{source: a.SourceID, target: a.TargetID, relation: a.Relation}
	if _, exists := s.edges[k]; exists {
		return nil
	}

	stored := *a
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.edges[k] = &stored
	return nil
}

// Associations returns all edges incident to id.
func (s *MemoryStore) Associations(ctx context.Context, id string) ([]*memory.Association, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Association
	for k, a := range s.edges {
		if k.source == id || k.target == id {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Neighbors expands breadth-first from id.
func (s *MemoryStore) Neighbors(ctx context.Context, id string, depth int, rels []memory.RelationType) ([]memory.Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.memories[id]; !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}

	allowed := relationSet(rels)
	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var out []memory.Neighbor

	for dist := 1; dist <= depth && len(frontier) > 0; dist++ {
		var candidates []bfsEdge
		for _, from := range frontier {
			for k, a := range s.edges {
				var next string
				switch from {
				case k.source:
					next = k.target
				case k.target:
					next = k.source
				default:
					continue
				}
				if allowed != nil {
					if _, ok := allowed[a.Relation]; !ok {
						continue
					}
				}
				if _, seen := visited[next]; seen {
					continue
				}
				imp := 0.0
				if m, ok := s.memories[next]; ok {
					imp = m.Importance
				}
				candidates = append(candidates, bfsEdge{target: next, weight: a.Weight, importance: imp})
			}
		}

		sortTraversal(candidates)
		frontier = frontier[:0]
		for _, c := range candidates {
			if _, seen := visited[c.target]; seen {
				continue
			}
			visited[c.target] = struct{}{}
			out = append(out, memory.Neighbor{ID: c.target, Distance: dist})
			frontier = append(frontier, c.target)
		}
	}
	return out, nil
}

// SaveExperience inserts or updates an experience.
func (s *MemoryStore) SaveExperience(ctx context.Context, e *memory.Experience) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID == "" {
		return fmt.Errorf("%w: empty experience id", memory.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.experiences[e.ID] = &cp
	if s.expLinks[e.ID] == nil {
		s.expLinks[e.ID] = make(map[string]struct{})
	}
	return nil
}

// Experience returns an experience by id.
func (s *MemoryStore) Experience(ctx context.Context, id string) (*memory.Experience, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.experiences[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// LinkExperience attaches a memory to an experience.
func (s *MemoryStore) LinkExperience(ctx context.Context, experienceID, memoryID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.experiences[experienceID]; !ok {
		return fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
	}
	if _, ok := s.memories[memoryID]; !ok {
		return fmt.Errorf("%w: memory %s", memory.ErrNotFound, memoryID)
	}
	s.expLinks[experienceID][memoryID] = struct{}{}
	return nil
}

// ExperienceMemories returns the memory ids linked to an experience.
func (s *MemoryStore) ExperienceMemories(ctx context.Context, experienceID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	links, ok := s.expLinks[experienceID]
	if !ok {
		return nil, fmt.Errorf("%w: experience %s", memory.ErrNotFound, experienceID)
	}
	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	return ids, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Name identifies the backend.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func relationSet(rels []memory.RelationType) map[memory.RelationType]struct{} {
	if len(rels) == 0 {
		return nil
	}
	set := make(map[memory.RelationType]struct{}, len(rels))
	for _, r := range rels {
		set[r] = struct{}{}
	}
	return set
}
