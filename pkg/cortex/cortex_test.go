package cortex

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemon/mnemon/pkg/embedder"
	"github.com/mnemon/mnemon/pkg/graph"
	"github.com/mnemon/mnemon/pkg/index"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/retrieval"
	"github.com/mnemon/mnemon/pkg/store"
)

// plainSaver stores and indexes without the full substrate wiring.
type plainSaver struct {
	store *store.MemoryStore
	ft    *index.BM25Index
}

func (s *plainSaver) Save(ctx context.Context, m *memory.Memory) error {
	if err := s.store.Save(ctx, m); err != nil {
		return err
	}
	s.ft.Upsert(m.ID, m.Content, nil)
	return nil
}

func newTestCortex(t *testing.T) (*Cortex, *plainSaver) {
	t.Helper()
	ms := store.NewMemoryStore()
	ft := index.NewBM25Index(1.5, 0.75)
	vi := index.NewVecIndex(3)
	vs := store.NewLocalVectorStore(vi, "")
	emb := embedder.NewStaticEmbedder(3)
	g := graph.New(graph.DefaultConfig(), ms, vs, nil, nil)
	eng := retrieval.New(retrieval.DefaultConfig(), ms, ft, vs, emb, g, nil, nil)
	saver := &plainSaver{store: ms, ft: ft}
	return New(Config{}, ms, saver, eng), saver
}

func mem(id, content string, importance float64) *memory.Memory {
	return &memory.Memory{
		ID:         id,
		Content:    content,
		Type:       memory.TypeFact,
		Importance: importance,
		Confidence: memory.NewConfidence(memory.SourceUserDirect),
	}
}

func TestWorkingMemory_PromoteAndEvict(t *testing.T) {
	w := NewWorkingMemory(2, 0.9)

	w.ThinkAbout("a")
	w.Tick() // a: 0.9
	w.ThinkAbout("b")
	w.ThinkAbout("c") // evicts a (lowest attention)

	assert.False(t, w.Contains("a"))
	assert.True(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))
	assert.Equal(t, 2, w.Len())
}

func TestWorkingMemory_PinExemptsFromEviction(t *testing.T) {
	w := NewWorkingMemory(2, 0.9)

	w.ThinkAbout("a")
	require.True(t, w.Pin("a"))
	w.Tick() // a decays but is pinned
	w.ThinkAbout("b")
	w.ThinkAbout("c") // must evict b, not pinned a

	assert.True(t, w.Contains("a"))
	assert.False(t, w.Contains("b"))
	assert.True(t, w.Contains("c"))

	require.True(t, w.Unpin("a"))
	w.Tick()
	w.ThinkAbout("d")
	assert.False(t, w.Contains("a"))
}

func TestWorkingMemory_AllPinnedNoEviction(t *testing.T) {
	w := NewWorkingMemory(2, 0.9)
	w.ThinkAbout("a")
	w.ThinkAbout("b")
	w.Pin("a")
	w.Pin("b")

	w.ThinkAbout("c") // nowhere to put it
	assert.False(t, w.Contains("c"))
	assert.Equal(t, 2, w.Len())
}

func TestWorkingMemory_FocusAndTick(t *testing.T) {
	w := NewWorkingMemory(4, 0.9)
	w.ThinkAbout("a")
	w.Tick()
	w.Tick()

	var attention float64
	for _, s := range w.Snapshot() {
		if s.ID == "a" {
			attention = s.Attention
		}
	}
	assert.InDelta(t, 0.81, attention, 1e-9)

	assert.True(t, w.Focus("a"))
	for _, s := range w.Snapshot() {
		if s.ID == "a" {
			attention = s.Attention
		}
	}
	assert.Equal(t, 1.0, attention)

	assert.False(t, w.Focus("ghost"))
}

func TestEpisode_Lifecycle(t *testing.T) {
	c, _ := newTestCortex(t)
	ctx := context.Background()

	e, err := c.StartEpisode(ctx, "debugging", "investigating flaky test")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.True(t, e.Open())

	// Second start while one is open fails with Validation.
	_, err = c.StartEpisode(ctx, "other", "")
	assert.ErrorIs(t, err, memory.ErrValidation)

	m1 := mem("m1", "first finding", 0.5)
	m2 := mem("m2", "second finding", 0.5)
	require.NoError(t, c.Remember(ctx, m1))
	require.NoError(t, c.Remember(ctx, m2))

	ids, err := c.EpisodeMemories(ctx, e.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	require.NoError(t, c.EndEpisode(ctx))
	assert.Nil(t, c.CurrentEpisode())

	// Memories remembered after the episode closed are not linked.
	require.NoError(t, c.Remember(ctx, mem("m3", "late finding", 0.5)))
	ids, err = c.EpisodeMemories(ctx, e.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	// Ending twice fails.
	assert.ErrorIs(t, c.EndEpisode(ctx), memory.ErrValidation)

	// A new episode can open now.
	_, err = c.StartEpisode(ctx, "next", "")
	assert.NoError(t, err)
}

func TestRemember_EntersWorkingMemory(t *testing.T) {
	c, _ := newTestCortex(t)
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, mem("m1", "remembered", 0.5)))
	assert.True(t, c.Working().Contains("m1"))
}

func TestBuildContext_RespectsBudget(t *testing.T) {
	c, _ := newTestCortex(t)
	ctx := context.Background()

	long := strings.Repeat("relevant words ", 40) // ~150 tokens
	require.NoError(t, c.Remember(ctx, mem("big", long, 0.9)))
	require.NoError(t, c.Remember(ctx, mem("small", "relevant words", 0.5)))

	block, err := c.BuildContext(ctx, retrieval.Query{Text: "relevant words", Mode: retrieval.ModeTextOnly}, 20)
	require.NoError(t, err)

	assert.LessOrEqual(t, block.TokensUsed, 20)
	require.Len(t, block.Citations, 1)
	assert.Equal(t, "small", block.Citations[0].ID)
	assert.Contains(t, block.Text, "[1] (fact) relevant words")
}

func TestBuildContext_EmptyWhenNothingFits(t *testing.T) {
	c, _ := newTestCortex(t)
	ctx := context.Background()

	require.NoError(t, c.Remember(ctx, mem("m1", strings.Repeat("padding ", 50), 0.5)))

	// Budget 10 tokens; the only candidate costs ~100.
	block, err := c.BuildContext(ctx, retrieval.Query{Text: "padding", Mode: retrieval.ModeTextOnly}, 10)
	require.NoError(t, err)
	assert.Empty(t, block.Citations)
	assert.Zero(t, block.TokensUsed)
}

func TestBuildContext_ZeroBudget(t *testing.T) {
	c, _ := newTestCortex(t)
	block, err := c.BuildContext(context.Background(), retrieval.Query{Text: "q"}, 0)
	require.NoError(t, err)
	assert.Empty(t, block.Citations)
}
