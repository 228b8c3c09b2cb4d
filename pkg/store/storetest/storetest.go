// Package storetest provides a conformance suite that every MetadataStore
// implementation must pass. Backend packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
)

// Suite runs the shared MetadataStore conformance tests.
type Suite struct {
	NewStore func(t *testing.T) backend.MetadataStore
}

// RunAllTests runs every conformance test against the backend under test.
func (s *Suite) RunAllTests(t *testing.T) {
	t.Run("SaveLoadRoundTrip", s.TestSaveLoadRoundTrip)
	t.Run("SaveDuplicate", s.TestSaveDuplicate)
	t.Run("SaveValidation", s.TestSaveValidation)
	t.Run("UpdateSemantics", s.TestUpdateSemantics)
	t.Run("ForgetIdempotent", s.TestForgetIdempotent)
	t.Run("TouchMonotonic", s.TestTouchMonotonic)
	t.Run("QueryFilters", s.TestQueryFilters)
	t.Run("AssociationInvariants", s.TestAssociationInvariants)
	t.Run("NeighborsBFS", s.TestNeighborsBFS)
	t.Run("DeleteCascade", s.TestDeleteCascade)
	t.Run("Experiences", s.TestExperiences)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
}

func newMemory(id, content string, typ memory.Type, importance float64) *memory.Memory {
	return &memory.Memory{
		ID:         id,
		Content:    content,
		Type:       typ,
		Importance: importance,
		Confidence: memory.NewConfidence(memory.SourceAgentObservation),
	}
}

// TestSaveLoadRoundTrip verifies save-then-load equality modulo timestamps.
func (s *Suite) TestSaveLoadRoundTrip(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	m := newMemory("rt-1", "round trip content", memory.TypeFact, 0.7)
	m.Metadata = map[string]string{"origin": "conformance"}
	m.SessionID = "sess-1"

	require.NoError(t, store.Save(ctx, m))

	loaded, err := store.Load(ctx, "rt-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, m.Content, loaded.Content)
	assert.Equal(t, m.Type, loaded.Type)
	assert.Equal(t, m.Importance, loaded.Importance)
	assert.Equal(t, m.SessionID, loaded.SessionID)
	assert.Equal(t, m.Metadata, loaded.Metadata)
	assert.False(t, loaded.CreatedAt.IsZero())
	assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
	assert.False(t, loaded.LastAccessedAt.Before(loaded.CreatedAt))

	missing, err := store.Load(ctx, "never-saved")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestSaveDuplicate verifies duplicate ids are rejected.
func (s *Suite) TestSaveDuplicate(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newMemory("dup-1", "first", memory.TypeFact, 0.5)))
	err := store.Save(ctx, newMemory("dup-1", "second", memory.TypeFact, 0.5))
	assert.ErrorIs(t, err, memory.ErrDuplicate)

	// The original row is untouched.
	loaded, err := store.Load(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Content)
}

// TestSaveValidation verifies invalid rows are rejected with no side effects.
func (s *Suite) TestSaveValidation(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	bad := newMemory("bad-1", "content", memory.TypeFact, 1.5)
	err := store.Save(ctx, bad)
	assert.ErrorIs(t, err, memory.ErrValidation)

	loaded, err := store.Load(ctx, "bad-1")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// TestUpdateSemantics verifies update replaces mutable fields and keeps
// monotonic counters.
func (s *Suite) TestUpdateSemantics(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	m := newMemory("up-1", "before", memory.TypeDecision, 0.4)
	require.NoError(t, store.Save(ctx, m))
	require.NoError(t, store.Touch(ctx, []string{"up-1"}))

	changed := newMemory("up-1", "after", memory.TypeDecision, 0.6)
	require.NoError(t, store.Update(ctx, changed))

	loaded, err := store.Load(ctx, "up-1")
	require.NoError(t, err)
	assert.Equal(t, "after", loaded.Content)
	assert.Equal(t, 0.6, loaded.Importance)
	assert.Equal(t, int64(1), loaded.AccessCount, "update must not reset access count")
	assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))

	err = store.Update(ctx, newMemory("ghost", "x", memory.TypeFact, 0.1))
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

// TestForgetIdempotent verifies soft-delete behavior.
func (s *Suite) TestForgetIdempotent(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newMemory("fg-1", "to forget", memory.TypeObservation, 0.2)))
	require.NoError(t, store.Forget(ctx, "fg-1"))
	require.NoError(t, store.Forget(ctx, "fg-1")) // no-op
	require.NoError(t, store.Forget(ctx, "unknown-id"))

	loaded, err := store.Load(ctx, "fg-1")
	require.NoError(t, err)
	require.NotNil(t, loaded, "forgotten rows stay in the store")
	assert.True(t, loaded.Forgotten)

	ids, err := store.ListIDs(ctx, false)
	require.NoError(t, err)
	assert.NotContains(t, ids, "fg-1")

	ids, err = store.ListIDs(ctx, true)
	require.NoError(t, err)
	assert.Contains(t, ids, "fg-1")
}

// TestTouchMonotonic verifies access tracking only moves forward.
func (s *Suite) TestTouchMonotonic(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newMemory("tc-1", "touched", memory.TypeEvent, 0.5)))

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Touch(ctx, []string{"tc-1", "missing-id"}))
		loaded, err := store.Load(ctx, "tc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), loaded.AccessCount)
		assert.False(t, loaded.LastAccessedAt.Before(loaded.CreatedAt))
	}
}

// TestQueryFilters verifies the composite filter semantics.
func (s *Suite) TestQueryFilters(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	seed := []*memory.Memory{
		newMemory("q-1", "goal one", memory.TypeGoal, 0.9),
		newMemory("q-2", "fact one", memory.TypeFact, 0.5),
		newMemory("q-3", "fact two", memory.TypeFact, 0.2),
	}
	seed[1].SessionID = "sess-a"
	for _, m := range seed {
		require.NoError(t, store.Save(ctx, m))
	}
	require.NoError(t, store.Forget(ctx, "q-3"))

	results, err := store.Query(ctx, &memory.Filter{Types: []memory.Type{memory.TypeFact}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q-2", results[0].ID)

	results, err = store.Query(ctx, &memory.Filter{IncludeForgotten: true, Types: []memory.Type{memory.TypeFact}})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = store.Query(ctx, &memory.Filter{MinImportance: 0.8})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q-1", results[0].ID)

	results, err = store.Query(ctx, &memory.Filter{SessionID: "sess-a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q-2", results[0].ID)

	results, err = store.Query(ctx, &memory.Filter{SortBy: memory.SortByImportance, MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "q-1", results[0].ID)
}

// TestAssociationInvariants verifies edge uniqueness and endpoint checks.
func (s *Suite) TestAssociationInvariants(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newMemory("a", "alpha", memory.TypeFact, 0.5)))
	require.NoError(t, store.Save(ctx, newMemory("b", "beta", memory.TypeFact, 0.5)))

	edge := &memory.Association{SourceID: "a", TargetID: "b", Relation: memory.RelationRelatedTo, Weight: 0.8}
	require.NoError(t, store.Associate(ctx, edge))
	require.NoError(t, store.Associate(ctx, edge), "identical edge is a no-op")

	edges, err := store.Associations(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, edges, 1)

	// Same endpoints, different relation: distinct edge.
	require.NoError(t, store.Associate(ctx, &memory.Association{
		SourceID: "a", TargetID: "b", Relation: memory.RelationUpdates, Weight: 0.6,
	}))
	edges, err = store.Associations(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	// Self-loop forbidden.
	err = store.Associate(ctx, &memory.Association{
		SourceID: "a", TargetID: "a", Relation: memory.RelationRelatedTo, Weight: 0.5,
	})
	assert.ErrorIs(t, err, memory.ErrValidation)

	// Unknown endpoints rejected.
	err = store.Associate(ctx, &memory.Association{
		SourceID: "a", TargetID: "ghost", Relation: memory.RelationRelatedTo, Weight: 0.5,
	})
	assert.ErrorIs(t, err, memory.ErrNotFound)

	// Cycles across distinct edges are allowed.
	require.NoError(t, store.Associate(ctx, &memory.Association{
		SourceID: "b", TargetID: "a", Relation: memory.RelationResultOf, Weight: 0.4,
	}))

	// Incoming edges are visible from the target.
	edges, err = store.Associations(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, edges, 3)
}

// TestNeighborsBFS verifies expansion depth and distances.
func (s *Suite) TestNeighborsBFS(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	// a -> b -> c, a -> d
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Save(ctx, newMemory(id, "node "+id, memory.TypeFact, 0.5)))
	}
	require.NoError(t, store.Associate(ctx, &memory.Association{SourceID: "a", TargetID: "b", Relation: memory.RelationRelatedTo, Weight: 0.9}))
	require.NoError(t, store.Associate(ctx, &memory.Association{SourceID: "b", TargetID: "c", Relation: memory.RelationCausedBy, Weight: 0.7}))
	require.NoError(t, store.Associate(ctx, &memory.Association{SourceID: "a", TargetID: "d", Relation: memory.RelationPartOf, Weight: 0.3}))

	neighbors, err := store.Neighbors(ctx, "a", 1, nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 2)
	for _, n := range neighbors {
		assert.Equal(t, 1, n.Distance)
	}
	// Traversal order: higher edge weight first.
	assert.Equal(t, "b", neighbors[0].ID)

	neighbors, err = store.Neighbors(ctx, "a", 2, nil)
	require.NoError(t, err)
	require.Len(t, neighbors, 3)
	dist := map[string]int{}
	for _, n := range neighbors {
		dist[n.ID] = n.Distance
	}
	assert.Equal(t, 1, dist["b"])
	assert.Equal(t, 1, dist["d"])
	assert.Equal(t, 2, dist["c"])

	// Relation filter.
	neighbors, err = store.Neighbors(ctx, "a", 2, []memory.RelationType{memory.RelationRelatedTo})
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, "b", neighbors[0].ID)

	_, err = store.Neighbors(ctx, "ghost", 1, nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

// TestDeleteCascade verifies hard deletion removes incident edges and links.
func (s *Suite) TestDeleteCascade(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, newMemory("x", "x", memory.TypeFact, 0.5)))
	require.NoError(t, store.Save(ctx, newMemory("y", "y", memory.TypeFact, 0.5)))
	require.NoError(t, store.Associate(ctx, &memory.Association{SourceID: "x", TargetID: "y", Relation: memory.RelationRelatedTo, Weight: 0.5}))
	require.NoError(t, store.Associate(ctx, &memory.Association{SourceID: "y", TargetID: "x", Relation: memory.RelationUpdates, Weight: 0.5}))

	require.NoError(t, store.SaveExperience(ctx, &memory.Experience{ID: "exp-1", Title: "e", StartedAt: time.Now()}))
	require.NoError(t, store.LinkExperience(ctx, "exp-1", "x"))

	require.NoError(t, store.Delete(ctx, "x"))

	loaded, err := store.Load(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	edges, err := store.Associations(ctx, "y")
	require.NoError(t, err)
	assert.Empty(t, edges, "cascade must remove both edge directions")

	ids, err := store.ExperienceMemories(ctx, "exp-1")
	require.NoError(t, err)
	assert.NotContains(t, ids, "x")
}

// TestExperiences verifies episode storage and linking.
func (s *Suite) TestExperiences(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	e := &memory.Experience{ID: "exp-1", Title: "debug session", Context: "ctx", StartedAt: time.Now(), Importance: 0.5}
	require.NoError(t, store.SaveExperience(ctx, e))

	loaded, err := store.Experience(ctx, "exp-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "debug session", loaded.Title)
	assert.True(t, loaded.Open())

	missing, err := store.Experience(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Save(ctx, newMemory("m1", "one", memory.TypeFact, 0.5)))
	require.NoError(t, store.Save(ctx, newMemory("m2", "two", memory.TypeFact, 0.5)))
	require.NoError(t, store.LinkExperience(ctx, "exp-1", "m1"))
	require.NoError(t, store.LinkExperience(ctx, "exp-1", "m2"))

	ids, err := store.ExperienceMemories(ctx, "exp-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	err = store.LinkExperience(ctx, "ghost", "m1")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	// Ending the episode persists via SaveExperience.
	ended := time.Now()
	e.EndedAt = &ended
	require.NoError(t, store.SaveExperience(ctx, e))
	loaded, err = store.Experience(ctx, "exp-1")
	require.NoError(t, err)
	assert.False(t, loaded.Open())
}

// TestConcurrentAccess verifies saves and reads do not corrupt state.
func (s *Suite) TestConcurrentAccess(t *testing.T) {
	store := s.NewStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errCh := make(chan error, n*2)

	for i := 0; i < n; i++ {
		wg.Add(2)
		id := fmt.Sprintf("conc-%d", i)
		go func(id string) {
			defer wg.Done()
			if err := store.Save(ctx, newMemory(id, "concurrent "+id, memory.TypeObservation, 0.5)); err != nil && !errors.Is(err, memory.ErrDuplicate) {
				errCh <- err
			}
		}(id)
		go func() {
			defer wg.Done()
			if _, err := store.Query(ctx, &memory.Filter{MaxResults: 10}); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent access error: %v", err)
	}
}
