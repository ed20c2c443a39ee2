package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/ride-pairing/internal/storage"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// flakyStore fails BatchCommit / Set while failures > 0.
type flakyStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	failBatch int
	failSet   int
	commits   [][]storage.Op
	setCalls  int
}

func newFlakyStore() *flakyStore { return &flakyStore{MemoryStore: storage.NewMemoryStore()} }

func (f *flakyStore) BatchCommit(ctx context.Context, ops []storage.Op) error {
	f.mu.Lock()
	f.commits = append(f.commits, ops)
	fail := f.failBatch > 0
	if fail {
		f.failBatch--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("batch unavailable")
	}
	return f.MemoryStore.BatchCommit(ctx, ops)
}

func (f *flakyStore) Set(ctx context.Context, collection, id string, doc json.RawMessage) error {
	f.mu.Lock()
	f.setCalls++
	fail := f.failSet > 0
	if fail {
		f.failSet--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("set unavailable")
	}
	return f.MemoryStore.Set(ctx, collection, id, doc)
}

func (f *flakyStore) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.commits)
}

func update(id string, patch map[string]any) storage.Op {
	return storage.Op{Kind: storage.OpUpdate, Collection: storage.CollectionSearches, ID: id, Patch: patch}
}

func TestBatcherFlushCommitsUpToLimit(t *testing.T) {
	store := newFlakyStore()
	b := NewBatcher(store, BatcherConfig{Limit: 2, FlushInterval: time.Second}, testclock.NewFakeClock(time.Now()), discardLogger())
	b.Enqueue(update("a", map[string]any{"x": 1}))
	b.Enqueue(update("b", map[string]any{"x": 1}))
	b.Enqueue(update("c", map[string]any{"x": 1}))

	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, store.commits, 1)
	assert.Len(t, store.commits[0], 2)
	assert.Equal(t, 1, b.Len())
}

func TestBatcherRequeuesAtHeadOnFailure(t *testing.T) {
	store := newFlakyStore()
	store.failBatch = 1
	b := NewBatcher(store, BatcherConfig{Limit: 10, FlushInterval: time.Second}, testclock.NewFakeClock(time.Now()), discardLogger())
	b.Enqueue(update("a", map[string]any{"x": 1}))
	b.Enqueue(update("b", map[string]any{"x": 1}))

	require.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 2, b.Len())

	b.Enqueue(update("c", map[string]any{"x": 1}))
	require.NoError(t, b.Flush(context.Background()))
	require.Len(t, store.commits, 2)
	second := store.commits[1]
	require.Len(t, second, 3)
	assert.Equal(t, "a", second[0].ID)
	assert.Equal(t, "b", second[1].ID)
	assert.Equal(t, "c", second[2].ID)
	assert.Zero(t, b.Len())
}

func TestBatcherCoalescesPerDocument(t *testing.T) {
	store := newFlakyStore()
	b := NewBatcher(store, BatcherConfig{Limit: 100, FlushInterval: time.Second}, testclock.NewFakeClock(time.Now()), discardLogger())

	b.Enqueue(update("a", map[string]any{"x": 1, "y": 1}))
	b.Enqueue(update("b", map[string]any{"x": 1}))
	b.Enqueue(update("a", map[string]any{"x": 2}))
	require.Equal(t, 2, b.Len())

	b.Enqueue(storage.Op{Kind: storage.OpSet, Collection: storage.CollectionSearches, ID: "c", Doc: []byte(`{"n":1}`)})
	b.Enqueue(update("c", map[string]any{"m": 2}))
	require.Equal(t, 3, b.Len())

	b.Enqueue(storage.Op{Kind: storage.OpDelete, Collection: storage.CollectionSearches, ID: "b"})
	b.Enqueue(update("b", map[string]any{"x": 3}))
	require.Equal(t, 4, b.Len())

	require.NoError(t, b.Flush(context.Background()))
	ops := store.commits[0]
	assert.Equal(t, map[string]any{"x": 2, "y": 1}, ops[0].Patch)
	assert.Equal(t, storage.OpDelete, ops[1].Kind)
	assert.JSONEq(t, `{"n":1,"m":2}`, string(ops[2].Doc))
	assert.Equal(t, storage.OpUpdate, ops[3].Kind)
}

func TestBatcherForget(t *testing.T) {
	b := NewBatcher(newFlakyStore(), BatcherConfig{Limit: 100}, testclock.NewFakeClock(time.Now()), discardLogger())
	b.Enqueue(update("a", map[string]any{"x": 1}))
	b.Enqueue(update("b", map[string]any{"x": 1}))
	b.Forget(storage.CollectionSearches, "a")
	assert.Equal(t, 1, b.Len())
}

func TestBatcherRunFlushesAtHalfLimit(t *testing.T) {
	store := newFlakyStore()
	clk := testclock.NewFakeClock(time.Now())
	b := NewBatcher(store, BatcherConfig{Limit: 4, FlushInterval: time.Hour}, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	b.Enqueue(update("a", map[string]any{"x": 1}))
	b.Enqueue(update("b", map[string]any{"x": 1}))

	require.Eventually(t, func() bool { return store.commitCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestBatcherRunFlushesOnTimer(t *testing.T) {
	store := newFlakyStore()
	clk := testclock.NewFakeClock(time.Now())
	b := NewBatcher(store, BatcherConfig{Limit: 100, FlushInterval: time.Second}, clk, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { b.Run(ctx); close(done) }()

	b.Enqueue(update("a", map[string]any{"x": 1}))
	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(time.Second)

	require.Eventually(t, func() bool { return store.commitCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestBatcherRunDrainsOnShutdown(t *testing.T) {
	store := newFlakyStore()
	b := NewBatcher(store, BatcherConfig{Limit: 100, FlushInterval: time.Hour}, testclock.NewFakeClock(time.Now()), discardLogger())
	b.Enqueue(update("a", map[string]any{"x": 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)
	assert.Zero(t, b.Len())
	assert.Equal(t, 1, store.commitCount())
}
