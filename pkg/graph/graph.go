// Package graph manages the association graph: automatic linking of
// high-similarity memories on write, and neighbor expansion for retrieval.
package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/pulse"
)

// Defaults for auto-association.
const (
	DefaultThreshold    = 0.85
	DefaultTopNeighbors = 5
	DefaultDepth        = 1
)

// Config tunes the graph layer.
type Config struct {
	// Threshold is the cosine similarity above which RelatedTo edges are
	// auto-created.
	Threshold float64

	// TopNeighbors is how many vector neighbors are consulted per write.
	TopNeighbors int

	// Depth is the default expansion depth for retrieval.
	Depth int
}

// DefaultConfig returns the default graph configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		TopNeighbors: DefaultTopNeighbors,
		Depth:        DefaultDepth,
	}
}

type logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}

// Graph wires the store, the vector backend, and the pulse bus. The
// similarity threshold is hot-reloadable.
type Graph struct {
	cfg    Config
	store  backend.MetadataStore
	vecs   backend.VectorStore
	bus    *pulse.Bus
	logger logger

	thresholdMu sync.RWMutex
	threshold   float64
}

// New creates a graph layer. bus and log may be nil.
func New(cfg Config, store backend.MetadataStore, vecs backend.VectorStore, bus *pulse.Bus, log logger) *Graph {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TopNeighbors <= 0 {
		cfg.TopNeighbors = DefaultTopNeighbors
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Graph{cfg: cfg, store: store, vecs: vecs, bus: bus, logger: log, threshold: cfg.Threshold}
}

// Threshold returns the current auto-association similarity threshold.
func (g *Graph) Threshold() float64 {
	g.thresholdMu.RLock()
	defer g.thresholdMu.RUnlock()
	return g.threshold
}

// SetThreshold replaces the auto-association similarity threshold. Values
// outside (0,1] are ignored.
func (g *Graph) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	g.thresholdMu.Lock()
	defer g.thresholdMu.Unlock()
	g.threshold = t
}

// AutoAssociate links a freshly written memory to its nearest vector
// neighbors above the similarity threshold. Each new edge is RelatedTo with
// weight equal to the similarity, unless an equal-or-stronger edge between
// the pair already exists.
func (g *Graph) AutoAssociate(ctx context.Context, id string, vec []float32) (int, error) {
	if g.vecs == nil || len(vec) == 0 {
		return 0, nil
	}

	matches, err := g.vecs.Search(ctx, vec, g.cfg.TopNeighbors+1, nil)
	if err != nil {
		return 0, fmt.Errorf("graph: neighbor search: %w", err)
	}

	threshold := g.Threshold()
	created := 0
	for _, match := range matches {
		if match.ID == id {
			continue
		}
		if match.Similarity < threshold {
			continue
		}
		if created >= g.cfg.TopNeighbors {
			break
		}

		stronger, err := g.hasEqualOrStrongerEdge(ctx, id, match.ID, match.Similarity)
		if err != nil {
			g.logger.Warn("auto-associate edge check failed", "memory_id", id, "neighbor_id", match.ID, "error", err)
			continue
		}
		if stronger {
			continue
		}

		edge := &memory.Association{
			SourceID: id,
			TargetID: match.ID,
			Relation: memory.RelationRelatedTo,
			Weight:   match.Similarity,
		}
		if err := g.store.Associate(ctx, edge); err != nil {
			g.logger.Warn("auto-associate failed", "memory_id", id, "neighbor_id", match.ID, "error", err)
			continue
		}
		created++
		g.logger.Debug("auto-associated memories", "source_id", id, "target_id", match.ID, "weight", match.Similarity)
		if g.bus != nil {
			g.bus.Publish(pulse.NewAssociation(id, match.ID))
		}
	}
	return created, nil
}

// hasEqualOrStrongerEdge reports whether any edge between a and b already
// carries at least the given weight.
func (g *Graph) hasEqualOrStrongerEdge(ctx context.Context, a, b string, weight float64) (bool, error) {
	edges, err := g.store.Associations(ctx, a)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if (e.SourceID == a && e.TargetID == b) || (e.SourceID == b && e.TargetID == a) {
			if e.Weight >= weight {
				return true, nil
			}
		}
	}
	return false, nil
}

// Expand returns the neighborhood of each seed id up to the configured
// depth, deduplicated, with each neighbor's shortest distance.
func (g *Graph) Expand(ctx context.Context, seeds []string, depth int, rels []memory.RelationType) (map[string]int, error) {
	if depth <= 0 {
		depth = g.cfg.Depth
	}

	out := make(map[string]int)
	for _, seed := range seeds {
		neighbors, err := g.store.Neighbors(ctx, seed, depth, rels)
		if err != nil {
			return nil, err
		}
		for _, n := range neighbors {
			if d, ok := out[n.ID]; !ok || n.Distance < d {
				out[n.ID] = n.Distance
			}
		}
	}
	// Seeds are part of the candidate pool already, not neighbors.
	for _, seed := range seeds {
		delete(out, seed)
	}
	return out, nil
}

// MaxIncidentWeight returns the strongest edge weight incident to id, zero
// when the memory has no edges.
func (g *Graph) MaxIncidentWeight(ctx context.Context, id string) (float64, error) {
	edges, err := g.store.Associations(ctx, id)
	if err != nil {
		return 0, err
	}
	max := 0.0
	for _, e := range edges {
		if e.Weight > max {
			max = e.Weight
		}
	}
	return max, nil
}
