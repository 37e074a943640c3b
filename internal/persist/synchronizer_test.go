package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/internal/scheduler"
	"codepair/internal/storage"
)

type fakeSource struct {
	mu   sync.Mutex
	docs map[string]string
}

func newFakeSource() *fakeSource { return &fakeSource{docs: make(map[string]string)} }

func (f *fakeSource) set(id, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = code
}

func (f *fakeSource) Document(id string) (string, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.docs[id]
	return code, "python", ok
}

type countingStore struct {
	*storage.MemoryStore
	writes   atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	fail     atomic.Bool
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: storage.NewMemoryStore()}
}

func (c *countingStore) Upsert(ctx context.Context, id string, w storage.DocumentWrite) error {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.fail.Load() {
		return errors.New("store unavailable")
	}
	c.writes.Add(1)
	return c.MemoryStore.Upsert(ctx, id, w)
}

func newTestSync(t *testing.T, src Source, store storage.DocumentStore, debounce time.Duration) *Synchronizer {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	return New(src, store, sched, debounce, time.Second, nil)
}

func TestTouch_BurstCoalescesIntoOneWrite(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	s := newTestSync(t, src, store, 100*time.Millisecond)

	// 10 edits well inside one debounce window.
	for i := 0; i < 10; i++ {
		src.set("room-1", string(rune('a'+i)))
		s.Touch("room-1")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Zero(t, store.writes.Load())

	assert.Eventually(t, func() bool { return store.writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), store.writes.Load())

	doc, err := store.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "j", doc.Code)
	assert.False(t, s.Dirty("room-1"))
}

func TestTouch_SpacedEditsWriteSeparately(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	s := newTestSync(t, src, store, 30*time.Millisecond)

	for i := 0; i < 3; i++ {
		src.set("room-1", "v")
		s.Touch("room-1")
		time.Sleep(80 * time.Millisecond)
	}
	assert.Eventually(t, func() bool { return store.writes.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestFlush_BypassesDebounce(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	s := newTestSync(t, src, store, time.Hour)

	src.set("room-1", "final")
	s.Touch("room-1")
	require.NoError(t, s.Flush(context.Background(), "room-1"))

	assert.Equal(t, int32(1), store.writes.Load())
	assert.False(t, s.sched.Pending(key("room-1")))
	doc, err := store.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "final", doc.Code)
}

func TestWriteFailure_LeftDirtyAndRetried(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	store.fail.Store(true)
	s := newTestSync(t, src, store, 20*time.Millisecond)

	src.set("room-1", "x")
	s.Touch("room-1")

	assert.Eventually(t, func() bool {
		return s.Dirty("room-1") && s.sched.Pending(key("room-1"))
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, store.writes.Load())

	store.fail.Store(false)
	assert.Eventually(t, func() bool { return store.writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Dirty("room-1") }, time.Second, 5*time.Millisecond)
}

func TestFlush_ReturnsError(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	store.fail.Store(true)
	s := newTestSync(t, src, store, time.Hour)

	src.set("room-1", "x")
	err := s.Flush(context.Background(), "room-1")
	assert.ErrorContains(t, err, "store unavailable")
	assert.True(t, s.Dirty("room-1"))
}

func TestSlowStore_OneWriteInFlight(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	store.delay = 60 * time.Millisecond
	s := newTestSync(t, src, store, 10*time.Millisecond)

	// Deadlines keep firing while a slow write is in flight.
	for i := 0; i < 12; i++ {
		src.set("room-1", string(rune('a'+i)))
		s.Touch("room-1")
		time.Sleep(15 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		return !s.Dirty("room-1") && store.inFlight.Load() == 0 && !s.sched.Pending(key("room-1"))
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), store.maxSeen.Load())
	assert.Less(t, store.writes.Load(), int32(12))
	doc, err := store.Get(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "l", doc.Code)
}

func TestFlushAll(t *testing.T) {
	src := newFakeSource()
	store := newCountingStore()
	s := newTestSync(t, src, store, time.Hour)

	for _, id := range []string{"a", "b", "c"} {
		src.set(id, id)
		s.Touch(id)
	}
	require.NoError(t, s.FlushAll(context.Background()))
	assert.Equal(t, int32(3), store.writes.Load())
	assert.Equal(t, 3, store.Len())
}

func TestFlush_SessionGoneIsNoop(t *testing.T) {
	store := newCountingStore()
	s := newTestSync(t, newFakeSource(), store, time.Hour)
	require.NoError(t, s.Flush(context.Background(), "missing"))
	assert.Zero(t, store.writes.Load())
}
