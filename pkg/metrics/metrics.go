// Package metrics provides Prometheus metrics instrumentation for Mnemon.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager manages all Prometheus metrics for the substrate.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Write path
	saves      *prometheus.CounterVec
	saveErrors *prometheus.CounterVec

	// Retrieval
	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	degraded       *prometheus.CounterVec

	// Indices
	indexSize *prometheus.GaugeVec

	// Touch batching
	touchFlushes  prometheus.Counter
	touchBatchLen prometheus.Histogram

	// Maintenance
	maintenanceRuns    prometheus.Counter
	maintenanceResults *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	SearchDurationBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:               true,
		Port:                  9091,
		Path:                  "/metrics",
		SearchDurationBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}
}

// NewManager creates a metrics manager with all collectors registered.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		registry: prometheus.NewRegistry(),
		enabled:  cfg.Enabled,
	}
	if len(cfg.SearchDurationBuckets) == 0 {
		cfg.SearchDurationBuckets = DefaultConfig().SearchDurationBuckets
	}

	m.saves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemon_saves_total",
			Help: "Total number of memories saved, by type",
		},
		[]string{"memory_type"},
	)
	m.saveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemon_save_errors_total",
			Help: "Total number of failed saves, by error kind",
		},
		[]string{"kind"},
	)
	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemon_searches_total",
			Help: "Total number of retrieval queries, by mode",
		},
		[]string{"mode"},
	)
	m.searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mnemon_search_duration_seconds",
			Help:    "Retrieval latency in seconds, by mode",
			Buckets: cfg.SearchDurationBuckets,
		},
		[]string{"mode"},
	)
	m.degraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemon_degraded_sources_total",
			Help: "Retrieval runs that lost a source, by source",
		},
		[]string{"source"},
	)
	m.indexSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mnemon_index_entries",
			Help: "Entries currently held per index",
		},
		[]string{"index"},
	)
	m.touchFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemon_touch_flushes_total",
			Help: "Touch-batch flushes executed",
		},
	)
	m.touchBatchLen = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mnemon_touch_batch_size",
			Help:    "Ids per flushed touch batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		},
	)
	m.maintenanceRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mnemon_maintenance_runs_total",
			Help: "Maintenance cycles completed",
		},
	)
	m.maintenanceResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mnemon_maintenance_memories_total",
			Help: "Memories affected by maintenance, by phase",
		},
		[]string{"phase"},
	)

	m.registry.MustRegister(
		m.saves, m.saveErrors,
		m.searches, m.searchDuration, m.degraded,
		m.indexSize,
		m.touchFlushes, m.touchBatchLen,
		m.maintenanceRuns, m.maintenanceResults,
	)
	return m
}

// RecordSave records a successful save.
func (m *Manager) RecordSave(memoryType string) {
	if !m.enabled {
		return
	}
	m.saves.WithLabelValues(memoryType).Inc()
}

// RecordSaveError records a failed save.
func (m *Manager) RecordSaveError(kind string) {
	if !m.enabled {
		return
	}
	m.saveErrors.WithLabelValues(kind).Inc()
}

// RecordSearch records one retrieval query.
func (m *Manager) RecordSearch(mode string, duration time.Duration, degradedSources []string) {
	if !m.enabled {
		return
	}
	m.searches.WithLabelValues(mode).Inc()
	m.searchDuration.WithLabelValues(mode).Observe(duration.Seconds())
	for _, s := range degradedSources {
		m.degraded.WithLabelValues(s).Inc()
	}
}

// SetIndexSize publishes the current entry count of an index.
func (m *Manager) SetIndexSize(index string, n int) {
	if !m.enabled {
		return
	}
	m.indexSize.WithLabelValues(index).Set(float64(n))
}

// RecordTouchFlush records one flushed touch batch.
func (m *Manager) RecordTouchFlush(batchSize int) {
	if !m.enabled {
		return
	}
	m.touchFlushes.Inc()
	m.touchBatchLen.Observe(float64(batchSize))
}

// RecordMaintenance records the outcome of one cycle.
func (m *Manager) RecordMaintenance(decayed, pruned, hardDeleted int) {
	if !m.enabled {
		return
	}
	m.maintenanceRuns.Inc()
	m.maintenanceResults.WithLabelValues("decayed").Add(float64(decayed))
	m.maintenanceResults.WithLabelValues("pruned").Add(float64(pruned))
	m.maintenanceResults.WithLabelValues("hard_deleted").Add(float64(hardDeleted))
}

// Registry exposes the underlying registry for testing and custom handlers.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the promhttp handler for the manager's registry.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a standalone metrics listener. It blocks until the context
// ends, then shuts the server down.
func (m *Manager) Serve(ctx context.Context, cfg Config) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, m.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
