// Package retrieval implements the hybrid search engine: concurrent fan-out
// to the full-text and vector indices, graph expansion of top hits, and
// fusion of lexical, vector, recency, importance, and graph signals into a
// single deterministic ranking.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/embedder"
	"github.com/mnemon/mnemon/pkg/graph"
	"github.com/mnemon/mnemon/pkg/index"
	"github.com/mnemon/mnemon/pkg/memory"
)

// Mode selects the retrieval strategy.
type Mode string

// The retrieval modes.
const (
	ModeTextOnly        Mode = "text"
	ModeVectorOnly      Mode = "vector"
	ModeHybrid          Mode = "hybrid"
	ModeHybridWithGraph Mode = "hybrid_graph"
)

// Degraded source tags reported on partial results.
const (
	SourceTagText     = "text"
	SourceTagVector   = "vector"
	SourceTagDeadline = "deadline"
)

// Constants of the scoring model.
const (
	defaultLimit    = 10
	candidateFloor  = 50
	recencyTauDays  = 30.0
	graphBonusCap   = 0.15
	graphBonusScale = 0.5
	rrfK            = 60.0
)

// Weights are the fusion weights for the five signals.
type Weights struct {
	BM25       float64 `json:"bm25"`
	Vector     float64 `json:"vector"`
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Graph      float64 `json:"graph"`
}

// DefaultWeights returns the default fusion weights.
func DefaultWeights() Weights {
	return Weights{BM25: 0.35, Vector: 0.35, Recency: 0.20, Importance: 0.10, Graph: 0.15}
}

// Query is one retrieval request.
type Query struct {
	// Text is the lexical query. Required unless a vector is supplied.
	Text string

	// Vector optionally supplies a pre-computed query embedding; when nil
	// the engine embeds Text.
	Vector []float32

	// Types restricts results to the given memory types.
	Types []memory.Type

	// SessionID restricts results to one session.
	SessionID string

	// MinImportance drops results below the bound.
	MinImportance float64

	// Limit bounds the result count. Defaults to 10.
	Limit int

	// Mode selects the strategy. Defaults to Hybrid.
	Mode Mode

	// Weights overrides the fusion weights; nil uses the engine defaults.
	Weights *Weights

	// RRF selects reciprocal-rank fusion instead of the weighted sum.
	// Only honored for Mode Hybrid; Weights are then ignored.
	RRF bool

	// Fuzzy enables edit-distance-one matching on the text source.
	Fuzzy bool
}

// Features is the per-candidate feature vector before fusion.
type Features struct {
	Text       float64 `json:"text"`
	Vector     float64 `json:"vector"`
	Recency    float64 `json:"recency"`
	Importance float64 `json:"importance"`
	Graph      float64 `json:"graph"`
}

// Result is one ranked memory with its score breakdown.
type Result struct {
	Memory      *memory.Memory
	Score       float64
	Features    Features
	Explanation string
}

// ResultSet is a ranked result batch. DegradedSources lists the sources
// that failed or were skipped; results are still valid, just partial.
type ResultSet struct {
	Results         []*Result
	DegradedSources []string
}

// Config tunes the engine.
type Config struct {
	// Weights are the default fusion weights.
	Weights Weights

	// RecencyTauDays is the decay constant of the recency feature.
	RecencyTauDays float64
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), RecencyTauDays: recencyTauDays}
}

type logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}

// Engine coordinates the three indices and fuses their scores. It is
// stateless per request; the only shared state is the touch writer and the
// hot-reloadable fusion weights.
type Engine struct {
	cfg    Config
	store  backend.MetadataStore
	ft     *index.BM25Index
	vecs   backend.VectorStore
	embed  embedder.Embedder
	graph  *graph.Graph
	touch  *TouchWriter
	logger logger
	tracer trace.Tracer

	weightsMu sync.RWMutex
	weights   Weights
}

// New creates a retrieval engine. embed, g, touch, and log may be nil;
// missing collaborators degrade the corresponding signal.
func New(cfg Config, store backend.MetadataStore, ft *index.BM25Index, vecs backend.VectorStore, embed embedder.Embedder, g *graph.Graph, touch *TouchWriter, log logger) *Engine {
	if cfg.RecencyTauDays <= 0 {
		cfg.RecencyTauDays = recencyTauDays
	}
	zero := Weights{}
	if cfg.Weights == zero {
		cfg.Weights = DefaultWeights()
	}
	if log == nil {
		log = nopLogger{}
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		ft:      ft,
		vecs:    vecs,
		embed:   embed,
		graph:   g,
		touch:   touch,
		logger:  log,
		tracer:  otel.Tracer("mnemon/retrieval"),
		weights: cfg.Weights,
	}
}

// Weights returns the current default fusion weights.
func (e *Engine) Weights() Weights {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()
	return e.weights
}

// SetWeights replaces the default fusion weights. In-flight searches keep
// the weights they started with; per-query overrides still win.
func (e *Engine) SetWeights(w Weights) {
	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()
	e.weights = w
}

// candidate accumulates per-source evidence for one memory id.
type candidate struct {
	bm25Raw    float64
	bm25Rank   int // 1-based, 0 when absent
	vecSim     float64
	vecRank    int // 1-based, 0 when absent
	graphBonus float64
}

// Search runs the hybrid retrieval algorithm and returns the ranked results.
func (e *Engine) Search(ctx context.Context, q Query) (*ResultSet, error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.search")
	defer span.End()

	mode := q.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if q.Text == "" && len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query needs text or vector", memory.ErrValidation)
	}

	weights := e.Weights()
	if q.Weights != nil {
		weights = *q.Weights
	}

	k := 4 * limit
	if k < candidateFloor {
		k = candidateFloor
	}

	// Phase 1: candidate generation, both sources concurrently.
	candidates, degraded, err := e.gatherCandidates(ctx, q, mode, k)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	// Phase 3: graph expansion of the interim top hits.
	if mode == ModeHybridWithGraph && e.graph != nil && ctx.Err() == nil {
		e.expandGraph(ctx, candidates, weights, limit)
	}

	// Phases 4-7: load, filter, fuse, order.
	results, timedOut := e.scoreCandidates(ctx, q, candidates, weights, mode)
	if timedOut {
		degraded = append(degraded, SourceTagDeadline)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Memory.CreatedAt.Equal(results[j].Memory.CreatedAt) {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	// Phase 8: batched access touch. A cancelled search produces no batch.
	if e.touch != nil && ctx.Err() == nil && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Memory.ID
		}
		e.touch.Enqueue(ids)
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	return &ResultSet{Results: results, DegradedSources: degraded}, nil
}

// gatherCandidates fans out to the text and vector sources concurrently and
// unions their hits.
func (e *Engine) gatherCandidates(ctx context.Context, q Query, mode Mode, k int) (map[string]*candidate, []string, error) {
	ctx, span := e.tracer.Start(ctx, "retrieval.candidates")
	defer span.End()

	wantText := mode != ModeVectorOnly && q.Text != ""
	wantVector := mode != ModeTextOnly

	var (
		wg       sync.WaitGroup
		textHits []index.Hit
		vecHits  []backend.VectorMatch
		vecErr   error
	)

	if wantText {
		wg.Add(1)
		go func() {
			defer wg.Done()
			textHits = e.ft.Search(q.Text, k, q.Fuzzy)
		}()
	}

	if wantVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec := q.Vector
			if vec == nil {
				if e.embed == nil {
					vecErr = embedder.ErrUnavailable
					return
				}
				var err error
				vec, err = e.embed.Embed(ctx, q.Text)
				if err != nil {
					vecErr = err
					return
				}
			}
			if e.vecs == nil {
				vecErr = embedder.ErrUnavailable
				return
			}
			vecHits, vecErr = e.vecs.Search(ctx, vec, k, nil)
		}()
	}

	wg.Wait()

	var degraded []string
	if wantVector && vecErr != nil {
		degraded = append(degraded, SourceTagVector)
		e.logger.Debug("vector source degraded", "error", vecErr)
		if !wantText {
			return nil, nil, fmt.Errorf("%w: %v", memory.ErrRetrievalFailed, vecErr)
		}
	}

	candidates := make(map[string]*candidate, len(textHits)+len(vecHits))
	for i, h := range textHits {
		candidates[h.ID] = &candidate{bm25Raw: h.Score, bm25Rank: i + 1}
	}
	for i, m := range vecHits {
		c, ok := candidates[m.ID]
		if !ok {
			c = &candidate{}
			candidates[m.ID] = c
		}
		c.vecSim = m.Similarity
		c.vecRank = i + 1
	}
	return candidates, degraded, nil
}

// expandGraph adds one-hop neighbors of the interim top hits to the pool.
func (e *Engine) expandGraph(ctx context.Context, candidates map[string]*candidate, weights Weights, limit int) {
	ctx, span := e.tracer.Start(ctx, "retrieval.graph_expand")
	defer span.End()

	maxBM25 := maxBM25Score(candidates)
	type interim struct {
		id    string
		score float64
	}
	ranked := make([]interim, 0, len(candidates))
	for id, c := range candidates {
		ranked = append(ranked, interim{
			id:    id,
			score: weights.BM25*normBM25(c.bm25Raw, maxBM25) + weights.Vector*normSim(c.vecSim, c.vecRank > 0),
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	seedCount := (limit + 1) / 2
	if seedCount > len(ranked) {
		seedCount = len(ranked)
	}
	seeds := make([]string, seedCount)
	for i := 0; i < seedCount; i++ {
		seeds[i] = ranked[i].id
	}

	neighbors, err := e.graph.Expand(ctx, seeds, 1, nil)
	if err != nil {
		e.logger.Warn("graph expansion failed", "error", err)
		return
	}

	for id := range neighbors {
		w, err := e.graph.MaxIncidentWeight(ctx, id)
		if err != nil {
			continue
		}
		bonus := w * graphBonusScale
		if bonus > graphBonusCap {
			bonus = graphBonusCap
		}
		c, ok := candidates[id]
		if !ok {
			c = &candidate{}
			candidates[id] = c
		}
		c.graphBonus = bonus
	}
}

// scoreCandidates loads each candidate, applies post-filters, and fuses the
// feature vector into the final score. It returns early with partial results
// when the context deadline expires.
func (e *Engine) scoreCandidates(ctx context.Context, q Query, candidates map[string]*candidate, weights Weights, mode Mode) ([]*Result, bool) {
	ctx, span := e.tracer.Start(ctx, "retrieval.score")
	defer span.End()

	maxBM25 := maxBM25Score(candidates)
	now := time.Now()
	useRRF := q.RRF && mode == ModeHybrid

	// Deterministic iteration keeps partial deadline results stable.
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]*Result, 0, len(ids))
	timedOut := false
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			timedOut = true
			break
		}
		c := candidates[id]

		m, err := e.store.Load(ctx, id)
		if err != nil {
			e.logger.Warn("candidate load failed", "memory_id", id, "error", err)
			continue
		}
		if m == nil {
			// An index served an id the store no longer has. Repair in place
			// and keep going with the remaining candidates.
			e.repairStaleEntry(ctx, id, c)
			continue
		}

		// Phase 6 filters.
		if m.Forgotten {
			continue
		}
		if len(q.Types) > 0 && !typeIn(m.Type, q.Types) {
			continue
		}
		if q.SessionID != "" && m.SessionID != q.SessionID {
			continue
		}
		if q.MinImportance > 0 && m.Importance < q.MinImportance {
			continue
		}

		ageDays := now.Sub(m.CreatedAt).Hours() / 24
		f := Features{
			Text:       normBM25(c.bm25Raw, maxBM25),
			Vector:     normSim(c.vecSim, c.vecRank > 0),
			Recency:    math.Exp(-ageDays / e.cfg.RecencyTauDays),
			Importance: m.Importance * m.Confidence.Score,
			Graph:      c.graphBonus,
		}

		var score float64
		if useRRF {
			if c.bm25Rank > 0 {
				score += 1 / (rrfK + float64(c.bm25Rank))
			}
			if c.vecRank > 0 {
				score += 1 / (rrfK + float64(c.vecRank))
			}
		} else {
			score = weights.BM25*f.Text +
				weights.Vector*f.Vector +
				weights.Recency*f.Recency +
				weights.Importance*f.Importance +
				weights.Graph*f.Graph
			if score > 1 {
				score = 1
			}
		}

		results = append(results, &Result{
			Memory:      m,
			Score:       score,
			Features:    f,
			Explanation: explain(f, weights, useRRF, score),
		})
	}
	return results, timedOut
}

// repairStaleEntry evicts an id from whichever index still carries it after
// the store dropped the row. The inconsistency never surfaces to the caller
// while other candidates remain.
func (e *Engine) repairStaleEntry(ctx context.Context, id string, c *candidate) {
	e.logger.Warn("index entry without store row, repairing",
		"memory_id", id, "error", memory.ErrIndexInconsistent)
	if c.bm25Rank > 0 && e.ft != nil {
		e.ft.Remove(id)
	}
	if c.vecRank > 0 && e.vecs != nil {
		if err := e.vecs.Remove(ctx, id); err != nil {
			e.logger.Warn("vector repair failed", "memory_id", id, "error", err)
		}
	}
}

// explain renders the non-zero weighted contributions so callers can answer
// "why was this retrieved".
func explain(f Features, w Weights, rrf bool, score float64) string {
	if rrf {
		return fmt.Sprintf("rrf=%.4f", score)
	}
	parts := make([]string, 0, 5)
	add := func(name string, feature, weight float64) {
		if feature > 0 && weight > 0 {
			parts = append(parts, fmt.Sprintf("%s=%.3f (%.2f×%.3f)", name, weight*feature, weight, feature))
		}
	}
	add("text", f.Text, w.BM25)
	add("vector", f.Vector, w.Vector)
	add("recency", f.Recency, w.Recency)
	add("importance", f.Importance, w.Importance)
	add("graph", f.Graph, w.Graph)
	if len(parts) == 0 {
		return "no contributing signals"
	}
	return strings.Join(parts, ", ")
}

func maxBM25Score(candidates map[string]*candidate) float64 {
	max := 0.0
	for _, c := range candidates {
		if c.bm25Raw > max {
			max = c.bm25Raw
		}
	}
	return max
}

// normBM25 normalizes a raw BM25 score by the per-query maximum, clipped to
// [0,1].
func normBM25(raw, max float64) float64 {
	if max <= 0 || raw <= 0 {
		return 0
	}
	n := raw / max
	if n > 1 {
		n = 1
	}
	return n
}

// normSim converts cosine similarity in [-1,1] to [0,1]. Absent vector
// evidence contributes zero.
func normSim(sim float64, present bool) float64 {
	if !present {
		return 0
	}
	n := (sim + 1) / 2
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

func typeIn(t memory.Type, types []memory.Type) bool {
	for _, x := range types {
		if t == x {
			return true
		}
	}
	return false
}
