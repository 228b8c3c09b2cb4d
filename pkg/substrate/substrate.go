// Package substrate wires the Mnemon core together: store, indices,
// embedder, graph, retrieval, cortex, maintenance, and the pulse bus, all
// constructed from configuration. It is the single entry point agents embed.
package substrate

import (
	"context"
	"fmt"
	"sync"

	"github.com/mnemon/mnemon/config"
	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/cortex"
	"github.com/mnemon/mnemon/pkg/embedder"
	"github.com/mnemon/mnemon/pkg/graph"
	"github.com/mnemon/mnemon/pkg/index"
	"github.com/mnemon/mnemon/pkg/logger"
	"github.com/mnemon/mnemon/pkg/maintenance"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/metrics"
	"github.com/mnemon/mnemon/pkg/pulse"
	"github.com/mnemon/mnemon/pkg/retrieval"
	"github.com/mnemon/mnemon/pkg/store"
	"github.com/mnemon/mnemon/pkg/version"
)

// Substrate is the assembled memory system.
type Substrate struct {
	mu      sync.Mutex
	started bool

	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Manager

	store  backend.MetadataStore
	ft     *index.BM25Index
	vecIdx *index.VecIndex // non-nil only for the local vector backend
	vecs   backend.VectorStore
	embed  embedder.Embedder
	graph  *graph.Graph
	touch  *retrieval.TouchWriter
	engine *retrieval.Engine
	cortex  *cortex.Cortex
	maint   *maintenance.Runner
	bus     *pulse.Bus
	watcher *config.Watcher

	// hotMu guards the hot-reloadable state applied by the config watcher.
	hotMu     sync.Mutex
	hot       config.HotReloadableConfig
	maintOpts maintenance.Options
}

// Option customizes construction.
type Option func(*options)

type options struct {
	log        logger.Logger
	metrics    *metrics.Manager
	store      backend.MetadataStore
	vecs       backend.VectorStore
	embed      embedder.Embedder
	embSet     bool
	configFile string
}

// WithLogger injects a logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics injects a metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore injects a metadata backend, overriding the configured one.
func WithStore(s backend.MetadataStore) Option {
	return func(o *options) { o.store = s }
}

// WithVectorStore injects a vector backend, overriding the configured one.
func WithVectorStore(v backend.VectorStore) Option {
	return func(o *options) { o.vecs = v }
}

// WithEmbedder injects an embedder. Passing nil disables vector operations;
// the substrate runs in text-only degraded mode.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) { o.embed = e; o.embSet = true }
}

// WithConfigFile watches the given config file and hot-applies the
// reloadable options (log level, fusion weights, auto-association
// threshold, maintenance decay/prune rates) to the running substrate.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

// New assembles a substrate from configuration.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Substrate, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := o.log
	if log == nil {
		log = logger.New(&logger.Config{
			Level:  logger.ParseLevel(cfg.Log.Level),
			Format: cfg.Log.Format,
			Output: cfg.Log.Output,
		})
	}

	s := &Substrate{
		cfg:     cfg,
		log:     log,
		metrics: o.metrics,
		ft:      index.NewBM25Index(cfg.Index.BM25.K1, cfg.Index.BM25.B),
		bus:     pulse.NewBus(),
	}

	// Metadata backend.
	if o.store != nil {
		s.store = o.store
	} else {
		var err error
		switch cfg.Store.Type {
		case "memory":
			s.store = store.NewMemoryStore()
		case "badger":
			s.store, err = store.NewBadgerStore(&store.BadgerConfig{
				Path:              cfg.Data.BadgerPath(),
				SyncWrites:        cfg.Store.Badger.SyncWrites,
				ValueLogFileSize:  cfg.Store.Badger.ValueLogFileSize,
				NumVersionsToKeep: cfg.Store.Badger.NumVersionsToKeep,
				CacheSize:         cfg.Store.Badger.CacheSize,
			})
		case "redis":
			s.store, err = store.NewRedisStore(ctx, &store.RedisConfig{
				Address:   cfg.Store.Redis.Address,
				Password:  cfg.Store.Redis.Password,
				DB:        cfg.Store.Redis.DB,
				KeyPrefix: cfg.Store.Redis.KeyPrefix,
			})
		default:
			err = fmt.Errorf("%w: unknown store type %q", memory.ErrValidation, cfg.Store.Type)
		}
		if err != nil {
			return nil, err
		}
	}

	// Vector backend.
	if o.vecs != nil {
		s.vecs = o.vecs
	} else {
		switch cfg.Index.VectorBackend {
		case "chromem":
			vs, err := store.NewChromemStore(cfg.Data.ChromemPath(), cfg.Index.VectorDimension)
			if err != nil {
				return nil, err
			}
			s.vecs = vs
		default:
			s.vecIdx = index.NewVecIndex(cfg.Index.VectorDimension)
			s.vecs = store.NewLocalVectorStore(s.vecIdx, cfg.Data.VectorIndexPath())
		}
	}

	// Embedder. The default is the deterministic hash embedder; an explicit
	// nil runs the substrate text-only.
	if o.embSet {
		s.embed = o.embed
	} else {
		s.embed = embedder.NewHashEmbedder(cfg.Index.VectorDimension)
	}

	s.graph = graph.New(graph.Config{
		Threshold:    cfg.Graph.AutoAssociateThreshold,
		TopNeighbors: cfg.Graph.TopNeighbors,
		Depth:        cfg.Graph.Depth,
	}, s.store, s.vecs, s.bus, log)

	s.touch = retrieval.NewTouchWriter(s.store, cfg.Retrieval.TouchBatchInterval, log)
	s.engine = retrieval.New(retrieval.Config{
		Weights: retrieval.Weights{
			BM25:       cfg.Retrieval.Weights.BM25,
			Vector:     cfg.Retrieval.Weights.Vector,
			Recency:    cfg.Retrieval.Weights.Recency,
			Importance: cfg.Retrieval.Weights.Importance,
			Graph:      cfg.Retrieval.Weights.Graph,
		},
		RecencyTauDays: cfg.Retrieval.RecencyTauDays,
	}, s.store, s.ft, s.vecs, s.embed, s.graph, s.touch, log)

	s.cortex = cortex.New(cortex.Config{
		WorkingMemoryCapacity: cfg.Cortex.WorkingMemoryCapacity,
		AttentionDecay:        cfg.Cortex.AttentionDecay,
	}, s.store, s, s.engine)

	s.maint = maintenance.NewRunner(s.store, s.ft, s.vecs, s.bus, log)

	s.hot = config.ExtractHotReloadable(cfg)
	s.maintOpts = maintenance.Options{
		DecayRate:         cfg.Maintenance.DecayRate,
		PruneThreshold:    cfg.Maintenance.PruneThreshold,
		MinAgeDays:        cfg.Maintenance.MinAgeDays,
		HardRetentionDays: cfg.Maintenance.HardRetentionDays,
		HalfLifeDays:      cfg.Confidence.HalfLifeDays,
	}

	if o.configFile != "" {
		w, err := config.NewWatcher(o.configFile, config.WithWatchLogger(log))
		if err != nil {
			return nil, err
		}
		w.OnChange(s.applyReload)
		s.watcher = w
	}

	return s, nil
}

// applyReload pushes the hot-reloadable subset of a freshly loaded Config
// into the running components. Non-reloadable options are ignored.
func (s *Substrate) applyReload(cfg *config.Config) {
	next := config.ExtractHotReloadable(cfg)

	s.hotMu.Lock()
	if !s.hot.Changed(next) {
		s.hotMu.Unlock()
		return
	}
	s.hot = next
	s.maintOpts.DecayRate = next.DecayRate
	s.maintOpts.PruneThreshold = next.PruneThreshold
	s.hotMu.Unlock()

	s.graph.SetThreshold(next.AutoAssociateThreshold)
	s.log.SetLevel(logger.ParseLevel(next.LogLevel))
	s.engine.SetWeights(retrieval.Weights{
		BM25:       next.HybridWeights.BM25,
		Vector:     next.HybridWeights.Vector,
		Recency:    next.HybridWeights.Recency,
		Importance: next.HybridWeights.Importance,
		Graph:      next.HybridWeights.Graph,
	})

	s.log.Info("applied hot-reloaded configuration",
		"log_level", next.LogLevel,
		"auto_associate_threshold", next.AutoAssociateThreshold,
		"prune_threshold", next.PruneThreshold,
	)
}

// Start validates the indices against the store, rebuilding missing entries,
// and launches the background tasks.
func (s *Substrate) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("substrate already started")
	}

	s.log.Info("starting substrate",
		"version", version.Version,
		"store", s.store.Name(),
		"vector_backend", s.vecs.Name(),
		"vector_dimension", s.cfg.Index.VectorDimension,
	)

	if err := s.rebuildIndices(ctx); err != nil {
		return fmt.Errorf("substrate: index rebuild: %w", err)
	}

	s.touch.Start(ctx)
	if s.cfg.Maintenance.Enabled {
		s.maint.Start(ctx, s.cfg.Maintenance.Interval, s.maintenanceOptions)
	}
	if s.watcher != nil {
		go func() {
			if err := s.watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("config watcher exited", "error", err)
			}
		}()
	}
	s.started = true
	s.log.Info("substrate started")
	return nil
}

// Stop flushes and releases everything. Safe to call once after Start.
func (s *Substrate) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}

	s.log.Info("stopping substrate")
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.log.Warn("config watcher stop failed", "error", err)
		}
	}
	if s.cfg.Maintenance.Enabled {
		s.maint.Stop()
	}
	s.touch.Stop()
	s.bus.Close()

	var firstErr error
	if err := s.vecs.Close(); err != nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.started = false
	s.log.Info("substrate stopped")
	return firstErr
}

// maintenanceOptions returns the current cycle parameters, reflecting any
// hot-reloaded decay/prune values.
func (s *Substrate) maintenanceOptions() maintenance.Options {
	s.hotMu.Lock()
	defer s.hotMu.Unlock()
	return s.maintOpts
}

// rebuildIndices brings both indices in line with the store: non-forgotten
// rows must be present in each, forgotten rows absent.
func (s *Substrate) rebuildIndices(ctx context.Context) error {
	live, err := s.store.ListIDs(ctx, false)
	if err != nil {
		return err
	}
	liveSet := make(map[string]struct{}, len(live))

	for _, id := range live {
		liveSet[id] = struct{}{}
		m, err := s.store.Load(ctx, id)
		if err != nil || m == nil {
			continue
		}
		if !s.ft.Contains(id) {
			s.ft.Upsert(id, m.Content, m.Metadata)
		}
		exists, err := s.vecs.Exists(ctx, id)
		if err == nil && !exists && s.embed != nil {
			vec, err := s.embed.Embed(ctx, m.Content)
			if err != nil {
				s.log.Warn("rebuild: embed failed", "memory_id", id, "error", err)
				continue
			}
			if err := s.vecs.Upsert(ctx, id, vec, nil); err != nil {
				s.log.Warn("rebuild: vector upsert failed", "memory_id", id, "error", err)
			}
		}
	}

	// Evict forgotten or deleted rows that linger in the indices.
	for _, id := range s.ft.IDs() {
		if _, ok := liveSet[id]; !ok {
			s.ft.Remove(id)
		}
	}
	if s.vecIdx != nil {
		for _, id := range s.vecIdx.IDs() {
			if _, ok := liveSet[id]; !ok {
				s.vecIdx.Remove(id)
			}
		}
	}

	s.publishIndexSizes()
	return nil
}

func (s *Substrate) publishIndexSizes() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetIndexSize("bm25", s.ft.Len())
	if s.vecIdx != nil {
		s.metrics.SetIndexSize("vector", s.vecIdx.Len())
	}
}
