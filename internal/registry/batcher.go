package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/observability"
	"github.com/example/ride-pairing/internal/storage"
)

type BatcherConfig struct {
	// Limit is the most ops a single commit carries. Reaching half of it
	// triggers a flush ahead of the timer.
	Limit         int
	FlushInterval time.Duration
}

func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{Limit: 500, FlushInterval: 5 * time.Second}
}

// Batcher defers tolerant writes and commits them in groups. Delivery is
// at least once: a failed commit puts its ops back at the head of the queue,
// so every op must be safe to apply twice.
type Batcher struct {
	store  storage.Store
	cfg    BatcherConfig
	clock  clock.WithTicker
	logger *slog.Logger

	mu    sync.Mutex
	queue []storage.Op

	flushMu  sync.Mutex
	kick     chan struct{}
	onCommit func(ctx context.Context, ops []storage.Op)
}

func NewBatcher(store storage.Store, cfg BatcherConfig, clk clock.WithTicker, logger *slog.Logger) *Batcher {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultBatcherConfig().Limit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultBatcherConfig().FlushInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Batcher{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "batcher"),
		kick:   make(chan struct{}, 1),
	}
}

// Enqueue adds an op without blocking. An update on a key whose latest
// queued op is a set or update is merged into it; a set or delete replaces it.
func (b *Batcher) Enqueue(op storage.Op) {
	b.mu.Lock()
	b.queue = coalesce(b.queue, op)
	depth := len(b.queue)
	b.mu.Unlock()

	observability.BatcherQueueDepth.Set(float64(depth))
	if depth >= b.threshold() {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher) threshold() int {
	t := b.cfg.Limit / 2
	if t < 1 {
		t = 1
	}
	return t
}

// Forget drops queued ops for one document. Used after an immediate write
// of the full document; a commit already in flight is not affected.
func (b *Batcher) Forget(collection, id string) {
	key := storage.Op{Collection: collection, ID: id}.Key()
	b.mu.Lock()
	kept := b.queue[:0]
	for _, op := range b.queue {
		if op.Key() != key {
			kept = append(kept, op)
		}
	}
	b.queue = kept
	b.mu.Unlock()
}

// OnCommit registers fn to run after every successful commit with the ops
// it carried. fn runs before the next commit starts. Set it before Run.
func (b *Batcher) OnCommit(fn func(ctx context.Context, ops []storage.Op)) {
	b.flushMu.Lock()
	b.onCommit = fn
	b.flushMu.Unlock()
}

// Queued reports whether an op for the document is still waiting.
func (b *Batcher) Queued(collection, id string) bool {
	key := storage.Op{Collection: collection, ID: id}.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, op := range b.queue {
		if op.Key() == key {
			return true
		}
	}
	return false
}

// Len reports the number of queued ops.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush commits up to Limit queued ops. On failure the ops go back to the
// head of the queue and the error is returned for logging only.
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	n := len(b.queue)
	if n > b.cfg.Limit {
		n = b.cfg.Limit
	}
	batch := append([]storage.Op(nil), b.queue[:n]...)
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := b.store.BatchCommit(ctx, batch); err != nil {
		b.mu.Lock()
		b.queue = append(batch, b.queue...)
		depth := len(b.queue)
		b.mu.Unlock()
		observability.BatcherFlushes.WithLabelValues("error").Inc()
		observability.BatcherQueueDepth.Set(float64(depth))
		return err
	}
	observability.BatcherFlushes.WithLabelValues("ok").Inc()
	observability.BatcherQueueDepth.Set(float64(b.Len()))
	if b.onCommit != nil {
		b.onCommit(ctx, batch)
	}
	return nil
}

// Run flushes on every tick and whenever the queue crosses the threshold,
// until ctx is done. A last flush is attempted on the way out.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return
		case <-ticker.C():
			b.flushLogged(ctx)
		case <-b.kick:
			b.flushLogged(ctx)
		}
	}
}

func (b *Batcher) flushLogged(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.logger.Warn("batch commit failed, requeued", "queued", b.Len(), "error", err)
	}
}

func (b *Batcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for b.Len() > 0 {
		if err := b.Flush(ctx); err != nil {
			b.logger.Error("final flush failed, dropping queued writes", "queued", b.Len(), "error", err)
			return
		}
	}
}

func coalesce(queue []storage.Op, op storage.Op) []storage.Op {
	key := op.Key()
	for i := len(queue) - 1; i >= 0; i-- {
		prev := queue[i]
		if prev.Key() != key {
			continue
		}
		switch {
		case op.Kind == storage.OpSet || op.Kind == storage.OpDelete:
			queue[i] = op
			return queue
		case op.Kind == storage.OpUpdate && prev.Kind == storage.OpUpdate:
			merged := make(map[string]any, len(prev.Patch)+len(op.Patch))
			for k, v := range prev.Patch {
				merged[k] = v
			}
			for k, v := range op.Patch {
				merged[k] = v
			}
			prev.Patch = merged
			queue[i] = prev
			return queue
		case op.Kind == storage.OpUpdate && prev.Kind == storage.OpSet:
			doc, err := storage.MergePatch(prev.Doc, op.Patch)
			if err != nil {
				return append(queue, op)
			}
			prev.Doc = json.RawMessage(doc)
			queue[i] = prev
			return queue
		}
		// update after delete stays a separate op
		return append(queue, op)
	}
	return append(queue, op)
}
