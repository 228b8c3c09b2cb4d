package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLogger captures warn calls for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *recordingLogger) Info(msg string, args ...any) {}
func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}

func (l *recordingLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.warns
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	w, err := NewWatcher(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	changed := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx) //nolint:errcheck

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: error\n"), 0o644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "error", cfg.Log.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	log := &recordingLogger{}
	w, err := NewWatcher(path, WithDebounce(10*time.Millisecond), WithWatchLogger(log))
	require.NoError(t, err)
	defer w.Stop()

	var delivered sync.Map
	w.OnChange(func(cfg *Config) { delivered.Store("cfg", cfg) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx) //nolint:errcheck

	time.Sleep(50 * time.Millisecond)
	// Fails validation: level must be one of debug/info/warn/error.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loudest\n"), 0o644))

	require.Eventually(t, func() bool {
		return log.warnCount() > 0
	}, 3*time.Second, 10*time.Millisecond, "invalid reload should be logged")

	_, ok := delivered.Load("cfg")
	assert.False(t, ok, "invalid config must not reach callbacks")
}

func TestWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher("")
	assert.Error(t, err)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	w.Stop() //nolint:errcheck
}

func TestHotReloadable_Changed(t *testing.T) {
	a := ExtractHotReloadable(DefaultConfig())
	b := a
	assert.False(t, a.Changed(b))

	b.HybridWeights.Vector = 0.5
	assert.True(t, a.Changed(b))

	c := a
	c.PruneThreshold = 0.2
	assert.True(t, a.Changed(c))
}
