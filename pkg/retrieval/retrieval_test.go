package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemon/mnemon/pkg/embedder"
	"github.com/mnemon/mnemon/pkg/graph"
	"github.com/mnemon/mnemon/pkg/index"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/store"
)

type fixture struct {
	store  *store.MemoryStore
	ft     *index.BM25Index
	vi     *index.VecIndex
	embed  *embedder.StaticEmbedder
	graph  *graph.Graph
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	ft := index.NewBM25Index(1.5, 0.75)
	vi := index.NewVecIndex(3)
	vs := store.NewLocalVectorStore(vi, "")
	emb := embedder.NewStaticEmbedder(3)
	g := graph.New(graph.DefaultConfig(), ms, vs, nil, nil)
	eng := New(DefaultConfig(), ms, ft, vs, emb, g, nil, nil)
	return &fixture{store: ms, ft: ft, vi: vi, embed: emb, graph: g, engine: eng}
}

// add saves a memory and indexes it in both indices.
func (f *fixture) add(t *testing.T, id, content string, typ memory.Type, importance float64, vec []float32) {
	t.Helper()
	m := &memory.Memory{
		ID:         id,
		Content:    content,
		Type:       typ,
		Importance: importance,
		Confidence: memory.NewConfidence(memory.SourceUserDirect),
	}
	require.NoError(t, f.store.Save(context.Background(), m))
	f.ft.Upsert(id, content, nil)
	if vec != nil {
		require.NoError(t, f.vi.Upsert(id, vec))
	}
}

func TestSearch_TextRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "m1", "Rust is memory-safe", memory.TypeFact, 0.7, nil)
	f.add(t, "m2", "User prefers concise answers", memory.TypePreference, 0.9, nil)
	f.add(t, "m3", "Launch v0.1", memory.TypeGoal, 0.8, nil)

	rs, err := f.engine.Search(ctx, Query{Text: "memory safety", Mode: ModeTextOnly})
	require.NoError(t, err)
	require.NotEmpty(t, rs.Results)

	assert.Equal(t, "m1", rs.Results[0].Memory.ID, "lexical match must rank first")
	for _, r := range rs.Results[1:] {
		assert.NotEqual(t, "m1", r.Memory.ID)
	}
	// m2 shares no query terms: last or absent.
	if len(rs.Results) > 1 {
		for _, r := range rs.Results[:len(rs.Results)-1] {
			assert.NotEqual(t, "m2", r.Memory.ID)
		}
	}

	top := rs.Results[0]
	assert.Positive(t, top.Features.Text)
	assert.Positive(t, top.Features.Importance)
	assert.Contains(t, top.Explanation, "text=")
	assert.Contains(t, top.Explanation, "importance=")
}

func TestSearch_ScoreBoundsAndOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embed.Set("alpha beta", []float32{1, 0, 0})
	f.add(t, "m1", "alpha beta gamma", memory.TypeFact, 1.0, []float32{1, 0, 0})
	f.add(t, "m2", "alpha beta", memory.TypeFact, 0.9, []float32{0.9, 0.1, 0})
	f.add(t, "m3", "unrelated content entirely", memory.TypeFact, 0.1, []float32{0, 0, 1})

	rs, err := f.engine.Search(ctx, Query{Text: "alpha beta", Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, rs.Results)

	prev := 2.0
	for _, r := range rs.Results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		assert.LessOrEqual(t, r.Score, prev, "results must be sorted non-increasing")
		prev = r.Score
	}
}

func TestSearch_Deterministic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Now().Add(-time.Hour)
	for _, id := range []string{"b", "a", "c"} {
		m := &memory.Memory{
			ID:         id,
			Content:    "identical twin content",
			Type:       memory.TypeFact,
			Importance: 0.5,
			Confidence: memory.NewConfidence(memory.SourceUserDirect),
			CreatedAt:  now,
		}
		require.NoError(t, f.store.Save(ctx, m))
		f.ft.Upsert(id, m.Content, nil)
	}

	first, err := f.engine.Search(ctx, Query{Text: "identical twin", Mode: ModeTextOnly})
	require.NoError(t, err)
	second, err := f.engine.Search(ctx, Query{Text: "identical twin", Mode: ModeTextOnly})
	require.NoError(t, err)

	require.Len(t, first.Results, 3)
	// Equal scores and equal creation times: lexicographic id order.
	assert.Equal(t, "a", first.Results[0].Memory.ID)
	assert.Equal(t, "b", first.Results[1].Memory.ID)
	assert.Equal(t, "c", first.Results[2].Memory.ID)
	for i := range first.Results {
		assert.Equal(t, first.Results[i].Memory.ID, second.Results[i].Memory.ID)
	}
}

func TestSearch_FiltersApplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "keep", "shared topic words", memory.TypeFact, 0.8, nil)
	f.add(t, "wrongtype", "shared topic words", memory.TypeGoal, 0.8, nil)
	f.add(t, "weak", "shared topic words", memory.TypeFact, 0.05, nil)
	f.add(t, "gone", "shared topic words", memory.TypeFact, 0.8, nil)
	require.NoError(t, f.store.Forget(ctx, "gone"))

	rs, err := f.engine.Search(ctx, Query{
		Text:          "shared topic",
		Mode:          ModeTextOnly,
		Types:         []memory.Type{memory.TypeFact},
		MinImportance: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "keep", rs.Results[0].Memory.ID)
}

func TestSearch_DegradedVectorSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "m1", "findable by text", memory.TypeFact, 0.5, nil)
	f.embed.Fail(embedder.ErrUnavailable)

	rs, err := f.engine.Search(ctx, Query{Text: "findable text", Mode: ModeHybrid})
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "m1", rs.Results[0].Memory.ID)
	assert.Contains(t, rs.DegradedSources, SourceTagVector)
}

func TestSearch_AllSourcesFailed(t *testing.T) {
	f := newFixture(t)
	f.embed.Fail(embedder.ErrUnavailable)

	_, err := f.engine.Search(context.Background(), Query{Text: "anything", Mode: ModeVectorOnly})
	assert.ErrorIs(t, err, memory.ErrRetrievalFailed)
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Search(context.Background(), Query{})
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestSearch_RRFMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embed.Set("alpha", []float32{1, 0, 0})
	f.add(t, "m1", "alpha content", memory.TypeFact, 0.5, []float32{1, 0, 0})
	f.add(t, "m2", "alpha beta gamma", memory.TypeFact, 0.5, []float32{0, 1, 0})

	rs, err := f.engine.Search(ctx, Query{Text: "alpha", Mode: ModeHybrid, RRF: true})
	require.NoError(t, err)
	require.NotEmpty(t, rs.Results)

	// Top hit appears in both rank lists: score is the sum of both terms.
	top := rs.Results[0]
	assert.Equal(t, "m1", top.Memory.ID)
	assert.InDelta(t, 1/(60.0+1)+1/(60.0+1), top.Score, 1/(60.0+2))
	assert.Contains(t, top.Explanation, "rrf=")
}

func TestSearch_GraphExpansion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "hit", "graph expansion topic", memory.TypeFact, 0.5, nil)
	f.add(t, "neighbor", "completely different words", memory.TypeFact, 0.5, nil)
	require.NoError(t, f.store.Associate(ctx, &memory.Association{
		SourceID: "hit", TargetID: "neighbor", Relation: memory.RelationRelatedTo, Weight: 0.9,
	}))

	rs, err := f.engine.Search(ctx, Query{Text: "graph expansion", Mode: ModeHybridWithGraph})
	require.NoError(t, err)

	var neighborResult *Result
	for _, r := range rs.Results {
		if r.Memory.ID == "neighbor" {
			neighborResult = r
		}
	}
	require.NotNil(t, neighborResult, "one-hop neighbor should join the candidate pool")
	assert.InDelta(t, 0.15, neighborResult.Features.Graph, 1e-9, "bonus capped at 0.15")
	assert.Contains(t, neighborResult.Explanation, "graph=")

	// Without graph mode the neighbor is absent.
	rs, err = f.engine.Search(ctx, Query{Text: "graph expansion", Mode: ModeTextOnly})
	require.NoError(t, err)
	for _, r := range rs.Results {
		assert.NotEqual(t, "neighbor", r.Memory.ID)
	}
}

func TestSearch_DeadlineReturnsPartial(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.add(t, "m1", "deadline topic", memory.TypeFact, 0.5, nil)
	cancel()

	rs, err := f.engine.Search(ctx, Query{Text: "deadline topic", Mode: ModeTextOnly})
	require.NoError(t, err)
	assert.Contains(t, rs.DegradedSources, SourceTagDeadline)
	assert.Empty(t, rs.Results)
}

func TestSearch_CancelledProducesNoTouch(t *testing.T) {
	f := newFixture(t)
	tw := NewTouchWriter(f.store, time.Millisecond, nil)
	f.engine.touch = tw

	ctx, cancel := context.WithCancel(context.Background())
	f.add(t, "m1", "touchable content", memory.TypeFact, 0.5, nil)
	cancel()

	_, err := f.engine.Search(ctx, Query{Text: "touchable", Mode: ModeTextOnly})
	require.NoError(t, err)

	tw.Flush(context.Background())
	m, err := f.store.Load(context.Background(), "m1")
	require.NoError(t, err)
	assert.Zero(t, m.AccessCount, "cancelled search must not touch")
}

func TestSearch_TouchBatch(t *testing.T) {
	f := newFixture(t)
	tw := NewTouchWriter(f.store, time.Millisecond, nil)
	f.engine.touch = tw
	ctx := context.Background()

	f.add(t, "m1", "touchable content", memory.TypeFact, 0.5, nil)

	_, err := f.engine.Search(ctx, Query{Text: "touchable", Mode: ModeTextOnly})
	require.NoError(t, err)

	tw.Flush(ctx)
	m, err := f.store.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.AccessCount)
	assert.False(t, m.LastAccessedAt.Before(m.CreatedAt))
}

func TestTouchWriter_MergesBatches(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.Save(ctx, &memory.Memory{
		ID: "m1", Content: "x", Type: memory.TypeFact, Importance: 0.5,
		Confidence: memory.NewConfidence(memory.SourceUnknown),
	}))

	tw := NewTouchWriter(ms, time.Millisecond, nil)
	tw.Enqueue([]string{"m1"})
	tw.Enqueue([]string{"m1"}) // merged, not doubled
	tw.Flush(ctx)

	m, err := ms.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.AccessCount)
}

func TestTouchWriter_BackgroundFlush(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.Save(ctx, &memory.Memory{
		ID: "m1", Content: "x", Type: memory.TypeFact, Importance: 0.5,
		Confidence: memory.NewConfidence(memory.SourceUnknown),
	}))

	tw := NewTouchWriter(ms, time.Millisecond, nil)
	tw.Start(ctx)
	tw.Enqueue([]string{"m1"})

	require.Eventually(t, func() bool {
		m, err := ms.Load(ctx, "m1")
		return err == nil && m.AccessCount == 1
	}, time.Second, 5*time.Millisecond)

	tw.Stop()
}

func TestTouchWriter_StopFlushesPending(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.Save(ctx, &memory.Memory{
		ID: "m1", Content: "x", Type: memory.TypeFact, Importance: 0.5,
		Confidence: memory.NewConfidence(memory.SourceUnknown),
	}))

	tw := NewTouchWriter(ms, time.Hour, nil) // interval far beyond the test
	tw.Start(ctx)
	tw.Enqueue([]string{"m1"})
	tw.Stop()

	m, err := ms.Load(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.AccessCount)
}

func TestNormalization(t *testing.T) {
	assert.Equal(t, 0.0, normBM25(0, 10))
	assert.Equal(t, 1.0, normBM25(10, 10))
	assert.Equal(t, 0.5, normBM25(5, 10))
	assert.Equal(t, 0.0, normBM25(5, 0))

	assert.Equal(t, 0.0, normSim(0.5, false))
	assert.Equal(t, 1.0, normSim(1, true))
	assert.Equal(t, 0.0, normSim(-1, true))
	assert.Equal(t, 0.75, normSim(0.5, true))
}

func TestSearch_VectorOnlyWithExplicitVector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "m1", "irrelevant text", memory.TypeFact, 0.5, []float32{1, 0, 0})
	f.add(t, "m2", "irrelevant text too", memory.TypeFact, 0.5, []float32{0, 1, 0})

	rs, err := f.engine.Search(ctx, Query{Vector: []float32{1, 0, 0}, Mode: ModeVectorOnly, Limit: 1})
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "m1", rs.Results[0].Memory.ID)
}

func TestSearch_RepairsStaleIndexEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "live", "stale repair topic", memory.TypeFact, 0.5, nil)
	// Index an id the store never had.
	f.ft.Upsert("phantom", "stale repair topic", nil)

	rs, err := f.engine.Search(ctx, Query{Text: "stale repair", Mode: ModeTextOnly})
	require.NoError(t, err, "inconsistency must not surface while partial results exist")
	require.Len(t, rs.Results, 1)
	assert.Equal(t, "live", rs.Results[0].Memory.ID)
	assert.False(t, f.ft.Contains("phantom"), "stale entry evicted during search")
}

func TestTouchWriter_ErrorsAreSwallowed(t *testing.T) {
	tw := NewTouchWriter(&failingStore{}, time.Millisecond, nil)
	tw.Enqueue([]string{"m1"})
	tw.Flush(context.Background()) // must not panic
}

// failingStore errors every Touch to exercise the writer's logging path.
type failingStore struct {
	store.MemoryStore
}

func (f *failingStore) Touch(ctx context.Context, ids []string) error {
	return errors.New("touch rejected")
}
