package retrieval

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mnemon/mnemon/pkg/backend"
)

// DefaultTouchInterval is the default flush cadence for access updates.
const DefaultTouchInterval = 250 * time.Millisecond

// TouchWriter coalesces access updates from retrieval results and flushes
// them to the store from a background task. Batches queued while the writer
// is saturated merge into the pending set; they are never lost. Losing a
// flush to shutdown affects only recency counters, never invariants.
type TouchWriter struct {
	store   backend.MetadataStore
	limiter *rate.Limiter
	logger  logger

	mu      sync.Mutex
	pending map[string]struct{}
	notify  chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTouchWriter creates a touch writer flushing at most once per interval.
func NewTouchWriter(store backend.MetadataStore, interval time.Duration, log logger) *TouchWriter {
	if interval <= 0 {
		interval = DefaultTouchInterval
	}
	if log == nil {
		log = nopLogger{}
	}
	return &TouchWriter{
		store:   store,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  log,
		pending: make(map[string]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Start launches the background flusher.
func (w *TouchWriter) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				// Final flush so in-flight touches survive orderly shutdown.
				w.flush(context.Background())
				return
			case <-w.notify:
			}
			if err := w.limiter.Wait(ctx); err != nil {
				w.flush(context.Background())
				return
			}
			w.flush(ctx)
		}
	}()
}

// Enqueue merges a batch of ids into the pending set. Never blocks.
func (w *TouchWriter) Enqueue(ids []string) {
	if len(ids) == 0 {
		return
	}
	w.mu.Lock()
	for _, id := range ids {
		w.pending[id] = struct{}{}
	}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Flush writes the pending set synchronously. Used by tests and shutdown.
func (w *TouchWriter) Flush(ctx context.Context) {
	w.flush(ctx)
}

func (w *TouchWriter) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]string, 0, len(w.pending))
	for id := range w.pending {
		batch = append(batch, id)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	if err := w.store.Touch(ctx, batch); err != nil {
		w.logger.Warn("touch batch flush failed", "count", len(batch), "error", err)
	}
}

// Stop shuts the flusher down after a final flush.
func (w *TouchWriter) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}
