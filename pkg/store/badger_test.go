package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/store/storetest"
)

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(&BadgerConfig{
		Path:      t.TempDir(),
		CacheSize: 128,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore_Conformance(t *testing.T) {
	suite := &storetest.Suite{
		NewStore: func(t *testing.T) backend.MetadataStore {
			return newTestBadger(t)
		},
	}
	suite.RunAllTests(t)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewBadgerStore(&BadgerConfig{Path: dir})
	require.NoError(t, err)

	m := &memory.Memory{
		ID:         "persist-1",
		Content:    "survives restart",
		Type:       memory.TypeFact,
		Importance: 0.5,
		Confidence: memory.NewConfidence(memory.SourceToolOutput),
	}
	require.NoError(t, s.Save(ctx, m))
	require.NoError(t, s.Close())

	reopened, err := NewBadgerStore(&BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.Load(ctx, "persist-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "survives restart", loaded.Content)
}

func TestBadgerStore_CacheInvalidation(t *testing.T) {
	s := newTestBadger(t)
	ctx := context.Background()

	m := &memory.Memory{
		ID:         "cache-1",
		Content:    "cached",
		Type:       memory.TypeFact,
		Importance: 0.5,
		Confidence: memory.NewConfidence(memory.SourceToolOutput),
	}
	require.NoError(t, s.Save(ctx, m))

	// Warm the cache, then mutate and verify the read reflects it.
	_, err := s.Load(ctx, "cache-1")
	require.NoError(t, err)

	changed := m.Clone()
	changed.Content = "updated"
	require.NoError(t, s.Update(ctx, changed))

	loaded, err := s.Load(ctx, "cache-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", loaded.Content)

	require.NoError(t, s.Forget(ctx, "cache-1"))
	loaded, err = s.Load(ctx, "cache-1")
	require.NoError(t, err)
	assert.True(t, loaded.Forgotten)
}

func TestBadgerStore_HealthCheck(t *testing.T) {
	s := newTestBadger(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
	assert.Equal(t, "badger", s.Name())
}
