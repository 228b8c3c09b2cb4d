package substrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mnemon/mnemon/pkg/cortex"
	"github.com/mnemon/mnemon/pkg/maintenance"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/pulse"
	"github.com/mnemon/mnemon/pkg/retrieval"
)

// Save persists a memory, indexes it, auto-associates it, and emits a pulse.
// An empty ID is filled with a generated uuid. The write is durable once
// Save returns; the pulse follows the durable commit.
func (s *Substrate) Save(ctx context.Context, m *memory.Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	if err := s.store.Save(ctx, m); err != nil {
		if s.metrics != nil {
			s.metrics.RecordSaveError(errorKind(err))
		}
		return err
	}

	// A save that passed commit proceeds through indexing even if the
	// caller's context has since been cancelled.
	indexCtx := context.WithoutCancel(ctx)

	vec := s.indexVector(indexCtx, m)
	s.ft.Upsert(m.ID, m.Content, m.Metadata)

	if vec != nil {
		if _, err := s.graph.AutoAssociate(indexCtx, m.ID, vec); err != nil {
			s.log.Warn("auto-association failed", "memory_id", m.ID, "error", err)
		}
	}

	s.bus.Publish(pulse.New(pulse.KindNewMemory, m.ID))
	if s.metrics != nil {
		s.metrics.RecordSave(string(m.Type))
	}
	s.publishIndexSizes()
	return nil
}

// indexVector embeds and upserts a memory's vector. A missing or failing
// embedder degrades to text-only; the save itself never fails on it.
func (s *Substrate) indexVector(ctx context.Context, m *memory.Memory) []float32 {
	if s.embed == nil {
		return nil
	}
	vec, err := s.embed.Embed(ctx, m.Content)
	if err != nil {
		s.log.Warn("embed failed, memory stored text-only", "memory_id", m.ID, "error", err)
		return nil
	}
	if err := s.vecs.Upsert(ctx, m.ID, vec, nil); err != nil {
		s.log.Warn("vector index upsert failed", "memory_id", m.ID, "error", err)
		return nil
	}
	return vec
}

// SaveMany persists a batch in order, returning the ids saved so far on the
// first failure.
func (s *Substrate) SaveMany(ctx context.Context, ms []*memory.Memory) ([]string, error) {
	ids := make([]string, 0, len(ms))
	for i, m := range ms {
		if err := s.Save(ctx, m); err != nil {
			return ids, fmt.Errorf("substrate: batch save failed at entry %d: %w", i, err)
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Get loads a memory by id, nil when unknown or hard-deleted.
func (s *Substrate) Get(ctx context.Context, id string) (*memory.Memory, error) {
	return s.store.Load(ctx, id)
}

// Update replaces a memory's mutable fields and re-indexes it.
func (s *Substrate) Update(ctx context.Context, m *memory.Memory) error {
	if err := s.store.Update(ctx, m); err != nil {
		return err
	}

	indexCtx := context.WithoutCancel(ctx)
	if m.Forgotten {
		s.deindex(indexCtx, m.ID)
	} else {
		s.indexVector(indexCtx, m)
		s.ft.Upsert(m.ID, m.Content, m.Metadata)
	}

	s.bus.Publish(pulse.New(pulse.KindUpdated, m.ID))
	s.publishIndexSizes()
	return nil
}

// Forget soft-deletes a memory and evicts it from both indices. Idempotent.
func (s *Substrate) Forget(ctx context.Context, id string) error {
	if err := s.store.Forget(ctx, id); err != nil {
		return err
	}
	s.deindex(context.WithoutCancel(ctx), id)
	s.bus.Publish(pulse.New(pulse.KindForgotten, id))
	s.publishIndexSizes()
	return nil
}

func (s *Substrate) deindex(ctx context.Context, id string) {
	s.ft.Remove(id)
	if err := s.vecs.Remove(ctx, id); err != nil {
		s.log.Warn("vector deindex failed", "memory_id", id, "error", err)
	}
}

// Associate inserts an explicit edge and emits a pulse. A duplicate edge is
// a silent no-op with no pulse.
func (s *Substrate) Associate(ctx context.Context, a *memory.Association) error {
	before, err := s.store.Associations(ctx, a.SourceID)
	if err != nil {
		return err
	}
	if err := s.store.Associate(ctx, a); err != nil {
		return err
	}
	after, err := s.store.Associations(ctx, a.SourceID)
	if err == nil && len(after) > len(before) {
		s.bus.Publish(pulse.NewAssociation(a.SourceID, a.TargetID))
	}
	return nil
}

// Neighbors expands the association graph from a memory.
func (s *Substrate) Neighbors(ctx context.Context, id string, depth int, rels []memory.RelationType) ([]memory.Neighbor, error) {
	return s.store.Neighbors(ctx, id, depth, rels)
}

// Search runs a hybrid retrieval query.
func (s *Substrate) Search(ctx context.Context, q retrieval.Query) (*retrieval.ResultSet, error) {
	start := time.Now()
	rs, err := s.engine.Search(ctx, q)
	if s.metrics != nil && err == nil {
		mode := string(q.Mode)
		if mode == "" {
			mode = string(retrieval.ModeHybrid)
		}
		s.metrics.RecordSearch(mode, time.Since(start), rs.DegradedSources)
	}
	return rs, err
}

// Query runs a metadata-only filter query against the store.
func (s *Substrate) Query(ctx context.Context, f *memory.Filter) ([]*memory.Memory, error) {
	return s.store.Query(ctx, f)
}

// Corroborate strengthens a memory's confidence with a supporting source.
func (s *Substrate) Corroborate(ctx context.Context, id, sourceTag string) error {
	m, err := s.mustLoad(ctx, id)
	if err != nil {
		return err
	}
	m.Confidence.Corroborate(sourceTag, time.Now())
	return s.store.Update(ctx, m)
}

// Contradict weakens a memory's confidence and records a Contradicts edge
// from the contradicting memory.
func (s *Substrate) Contradict(ctx context.Context, id, otherID string) error {
	m, err := s.mustLoad(ctx, id)
	if err != nil {
		return err
	}
	m.Confidence.Contradict(otherID, time.Now())
	if err := s.store.Update(ctx, m); err != nil {
		return err
	}

	edge := &memory.Association{
		SourceID: otherID,
		TargetID: id,
		Relation: memory.RelationContradicts,
		Weight:   1.0,
	}
	if err := s.Associate(ctx, edge); err != nil && !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	return nil
}

// Verify marks a memory user-confirmed.
func (s *Substrate) Verify(ctx context.Context, id string) error {
	m, err := s.mustLoad(ctx, id)
	if err != nil {
		return err
	}
	m.Confidence.Verify(time.Now())
	return s.store.Update(ctx, m)
}

func (s *Substrate) mustLoad(ctx context.Context, id string) (*memory.Memory, error) {
	m, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return m, nil
}

// RunMaintenance executes one maintenance cycle with the configured options.
func (s *Substrate) RunMaintenance(ctx context.Context, opts *maintenance.Options) (*maintenance.Report, error) {
	o := s.maintenanceOptions()
	if opts != nil {
		o = *opts
	}
	report, err := s.maint.Run(ctx, o)
	if err == nil && s.metrics != nil {
		s.metrics.RecordMaintenance(report.Decayed, report.Pruned, report.HardDeleted)
	}
	s.publishIndexSizes()
	return report, err
}

// Cortex returns the agent-facing layer.
func (s *Substrate) Cortex() *cortex.Cortex {
	return s.cortex
}

// Bus returns the pulse bus for subscriptions.
func (s *Substrate) Bus() *pulse.Bus {
	return s.bus
}

// FlushTouches forces pending access updates to the store. Mostly for tests
// and orderly shutdown; the background writer flushes on its own cadence.
func (s *Substrate) FlushTouches(ctx context.Context) {
	s.touch.Flush(ctx)
}

// Stats summarizes the substrate's contents.
type Stats struct {
	TotalMemories int            `json:"total_memories"`
	ByType        map[string]int `json:"by_type"`
	AvgImportance float64        `json:"avg_importance"`
	AvgConfidence float64        `json:"avg_confidence"`
	TextIndexed   int            `json:"text_indexed"`
	VectorIndexed int            `json:"vector_indexed,omitempty"`
}

// CollectStats computes summary statistics over non-forgotten memories.
func (s *Substrate) CollectStats(ctx context.Context) (*Stats, error) {
	rows, err := s.store.Query(ctx, &memory.Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		TotalMemories: len(rows),
		ByType:        make(map[string]int),
		TextIndexed:   s.ft.Len(),
	}
	if s.vecIdx != nil {
		stats.VectorIndexed = s.vecIdx.Len()
	}

	var impSum, confSum float64
	for _, m := range rows {
		stats.ByType[string(m.Type)]++
		impSum += m.Importance
		confSum += m.Confidence.Score
	}
	if len(rows) > 0 {
		stats.AvgImportance = impSum / float64(len(rows))
		stats.AvgConfidence = confSum / float64(len(rows))
	}
	return stats, nil
}

// errorKind maps an error to a metrics label.
func errorKind(err error) string {
	switch {
	case errors.Is(err, memory.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, memory.ErrValidation):
		return "validation"
	case errors.Is(err, memory.ErrNotFound):
		return "not_found"
	default:
		return "backend"
	}
}
