package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchLogger is the minimal logging surface the watcher needs.
type watchLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopWatchLogger struct{}

func (nopWatchLogger) Info(msg string, args ...any) {}
func (nopWatchLogger) Warn(msg string, args ...any) {}

// Watcher reloads the configuration file on change and notifies callbacks
// with the freshly validated Config. A reload that fails to load or
// validate is logged and dropped; the previous configuration stays active.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	debounce   time.Duration
	logger     watchLogger

	mu        sync.Mutex
	callbacks []func(*Config)
	running   bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// WatcherOption is a functional option for Watcher configuration.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration for file change events.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatchLogger sets the logger used for reload outcomes.
func WithWatchLogger(l watchLogger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher creates a configuration file watcher.
func NewWatcher(configPath string, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required for watching")
	}

	fswatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher:    fswatcher,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		logger:     nopWatchLogger{},
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// OnChange registers a callback invoked with each successfully reloaded
// Config. Register callbacks before calling Watch.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Watch blocks, reloading on write and create events, until the context
// ends or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.watcher.Add(w.configPath); err != nil {
		return fmt.Errorf("failed to watch config file %s: %w", w.configPath, err)
	}

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			// Collapse event bursts into one reload per debounce window.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "path", w.configPath, "error", err)
		}
	}
}

// reload parses and validates the file, then fans the result out. A fresh
// loader per reload keeps layered state from one pass out of the next.
func (w *Watcher) reload() {
	cfg, err := NewLoader().Load(w.configPath, nil)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.configPath, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.configPath)

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Warn("config callback panic", "panic", r)
				}
			}()
			cb(cfg)
		}()
	}
}

// Stop stops the watcher and releases resources. Idempotent.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.watcher.Close()
}

// HotReloadableConfig contains configuration values that can be hot-reloaded
// without reopening the store or indices.
type HotReloadableConfig struct {
	LogLevel               string
	LogFormat              string
	HybridWeights          WeightsConfig
	AutoAssociateThreshold float64
	PruneThreshold         float64
	DecayRate              float64
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:               cfg.Log.Level,
		LogFormat:              cfg.Log.Format,
		HybridWeights:          cfg.Retrieval.Weights,
		AutoAssociateThreshold: cfg.Graph.AutoAssociateThreshold,
		PruneThreshold:         cfg.Maintenance.PruneThreshold,
		DecayRate:              cfg.Maintenance.DecayRate,
	}
}

// Changed checks if hot-reloadable configuration has changed.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h != other
}
