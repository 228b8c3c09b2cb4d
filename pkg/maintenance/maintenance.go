// Package maintenance runs the periodic hygiene job over the substrate:
// importance and confidence decay, pruning of cold memories, and hard
// deletion of long-forgotten rows.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mnemon/mnemon/pkg/backend"
	"github.com/mnemon/mnemon/pkg/index"
	"github.com/mnemon/mnemon/pkg/memory"
	"github.com/mnemon/mnemon/pkg/pulse"
)

// ErrAlreadyRunning is returned when a cycle is requested while another one
// holds the advisory lock.
var ErrAlreadyRunning = errors.New("maintenance: cycle already running")

// Defaults.
const (
	DefaultDecayRate         = 0.05
	DefaultPruneThreshold    = 0.1
	DefaultMinAgeDays        = 7
	DefaultHardRetentionDays = 90
)

// Options parameterizes one maintenance cycle.
type Options struct {
	DecayRate         float64
	PruneThreshold    float64
	MinAgeDays        float64
	HardRetentionDays float64
	HalfLifeDays      float64
	DryRun            bool
}

// DefaultOptions returns the default cycle parameters.
func DefaultOptions() Options {
	return Options{
		DecayRate:         DefaultDecayRate,
		PruneThreshold:    DefaultPruneThreshold,
		MinAgeDays:        DefaultMinAgeDays,
		HardRetentionDays: DefaultHardRetentionDays,
		HalfLifeDays:      memory.DefaultHalfLifeDays,
	}
}

// Report summarizes one cycle. Failures on individual rows are collected,
// never aborting the cycle.
type Report struct {
	Decayed     int      `json:"decayed"`
	Pruned      int      `json:"pruned"`
	HardDeleted int      `json:"hard_deleted"`
	Errors      []string `json:"errors,omitempty"`
}

type logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...any) {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Warn(msg string, args ...any)  {}

// Runner executes maintenance cycles and optionally drives them on a timer.
type Runner struct {
	store  backend.MetadataStore
	ft     *index.BM25Index
	vecs   backend.VectorStore
	bus    *pulse.Bus
	logger logger

	running sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a maintenance runner. ft, vecs, bus, and log may be nil.
func NewRunner(store backend.MetadataStore, ft *index.BM25Index, vecs backend.VectorStore, bus *pulse.Bus, log logger) *Runner {
	if log == nil {
		log = nopLogger{}
	}
	return &Runner{store: store, ft: ft, vecs: vecs, bus: bus, logger: log}
}

// Run executes one cycle: decay, prune, hard delete, report. Retrieval may
// run concurrently; each memory is read and written atomically, so readers
// see either the pre- or post-decay row, never a partial one.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if !r.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer r.running.Unlock()

	report := &Report{}
	now := time.Now()

	rows, err := r.store.Query(ctx, &memory.Filter{IncludeForgotten: true})
	if err != nil {
		return nil, fmt.Errorf("maintenance: list memories: %w", err)
	}

	for _, m := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ageDays := now.Sub(m.CreatedAt).Hours() / 24

		switch {
		case m.Forgotten:
			// Phase 3: hard delete after the retention floor.
			forgottenDays := now.Sub(m.UpdatedAt).Hours() / 24
			if forgottenDays >= opts.HardRetentionDays {
				if !opts.DryRun {
					if err := r.store.Delete(ctx, m.ID); err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("hard delete %s: %v", m.ID, err))
						continue
					}
					r.deindex(ctx, m.ID)
				}
				report.HardDeleted++
			}

		case ageDays > opts.MinAgeDays:
			// Phase 1: decay.
			sinceAccess := now.Sub(m.LastAccessedAt).Hours() / 24
			decayed := m.Importance - opts.DecayRate*sinceAccess/30
			if decayed < 0 {
				decayed = 0
			}
			m.Importance = decayed
			m.Confidence.Decay(sinceAccess, opts.HalfLifeDays, now)

			// Phase 2: prune cold rows below the threshold.
			if m.Importance < opts.PruneThreshold && m.AccessCount == 0 {
				if !opts.DryRun {
					if err := r.store.Forget(ctx, m.ID); err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("prune %s: %v", m.ID, err))
						continue
					}
					r.deindex(ctx, m.ID)
					if r.bus != nil {
						r.bus.Publish(pulse.New(pulse.KindForgotten, m.ID))
					}
				}
				report.Pruned++
				continue
			}

			if !opts.DryRun {
				if err := r.store.Update(ctx, m); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("decay %s: %v", m.ID, err))
					continue
				}
			}
			report.Decayed++
		}
	}

	if r.bus != nil && !opts.DryRun {
		r.bus.Publish(pulse.New(pulse.KindMaintenanceRan, ""))
	}
	r.logger.Info("maintenance cycle complete",
		"decayed", report.Decayed,
		"pruned", report.Pruned,
		"hard_deleted", report.HardDeleted,
		"errors", len(report.Errors),
	)
	return report, nil
}

// deindex removes a memory from both indices.
func (r *Runner) deindex(ctx context.Context, id string) {
	if r.ft != nil {
		r.ft.Remove(id)
	}
	if r.vecs != nil {
		if err := r.vecs.Remove(ctx, id); err != nil {
			r.logger.Warn("vector deindex failed", "memory_id", id, "error", err)
		}
	}
}

// Start drives Run on the given interval until Stop or context end. Options
// are fetched per cycle, so hot-reloaded thresholds apply to the next run.
// A failed cycle is logged and never aborts the next one.
func (r *Runner) Start(parent context.Context, interval time.Duration, optsFn func() Options) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := r.Run(ctx, optsFn()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
					r.logger.Warn("maintenance cycle failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the periodic loop.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
