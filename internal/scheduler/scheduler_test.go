package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_Fires(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := make(chan struct{})
	require.True(t, s.Schedule("a", 20*time.Millisecond, func() { close(fired) }))
	assert.True(t, s.Pending("a"))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	assert.Eventually(t, func() bool { return !s.Pending("a") }, time.Second, 5*time.Millisecond)
}

func TestSchedule_ReplacesDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var calls atomic.Int32
	var last atomic.Value
	for i := 0; i < 10; i++ {
		v := i
		s.Schedule("k", 30*time.Millisecond, func() {
			calls.Add(1)
			last.Store(v)
		})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 9, last.Load())
}

func TestCancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	s.Schedule("k", 20*time.Millisecond, func() { fired.Store(true) })
	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Zero(t, s.Len())
}

func TestSchedule_OrdersByDeadline(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wg.Add(3)
	record := func(k string) func() {
		return func() {
			mu.Lock()
			order = append(order, k)
			mu.Unlock()
			wg.Done()
		}
	}

	s.Schedule("late", 90*time.Millisecond, record("late"))
	s.Schedule("early", 10*time.Millisecond, record("early"))
	s.Schedule("mid", 50*time.Millisecond, record("mid"))

	wg.Wait()
	assert.Equal(t, []string{"early", "mid", "late"}, order)
}

func TestSchedule_EarlierDeadlineWakesLoop(t *testing.T) {
	s := New()
	defer s.Stop()

	s.Schedule("slow", time.Hour, func() {})
	fired := make(chan struct{})
	start := time.Now()
	s.Schedule("fast", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("short deadline blocked behind long one")
	}
	assert.True(t, s.Pending("slow"))
}

func TestStop(t *testing.T) {
	s := New()

	var fired atomic.Bool
	s.Schedule("k", 20*time.Millisecond, func() { fired.Store(true) })
	s.Stop()
	s.Stop()

	assert.False(t, s.Schedule("k2", time.Millisecond, func() {}))
	time.Sleep(40 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStop_WaitsForRunningCallback(t *testing.T) {
	s := New()

	started := make(chan struct{})
	var finished atomic.Bool
	s.Schedule("k", time.Millisecond, func() {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}
