// Package scheduler runs keyed one-shot tasks at a deadline. Scheduling a key
// that is already pending replaces its deadline and callback, so at most one
// timer exists per key.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

type task struct {
	key   string
	at    time.Time
	fn    func()
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a deadline queue driven by a single timer goroutine.
// Callbacks run on their own goroutines and must not assume ordering
// between different keys that share a deadline.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	queue   taskHeap
	stopped bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a scheduler. Call Stop to release its goroutine.
func New() *Scheduler {
	s := &Scheduler{
		tasks: make(map[string]*task),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arms key to run fn after delay, replacing any pending deadline for
// the same key. It returns false once the scheduler is stopped.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	at := time.Now().Add(delay)
	if t, ok := s.tasks[key]; ok {
		t.at = at
		t.fn = fn
		heap.Fix(&s.queue, t.index)
	} else {
		t := &task{key: key, at: at, fn: fn}
		heap.Push(&s.queue, t)
		s.tasks[key] = t
	}
	s.mu.Unlock()
	s.signal()
	return true
}

// Cancel drops the pending deadline for key. It reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		heap.Remove(&s.queue, t.index)
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		s.signal()
	}
	return ok
}

// Pending reports whether key has an armed deadline.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of armed deadlines.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop discards pending deadlines and waits for running callbacks to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.tasks = make(map[string]*task)
	s.queue = nil
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.wg.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		due, wait := s.popDue(time.Now())
		for _, fn := range due {
			s.wg.Add(1)
			go func(fn func()) {
				defer s.wg.Done()
				fn()
			}(fn)
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-timerC:
		case <-s.wake:
			if !timer.Stop() && timerC != nil {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-s.stop:
			timer.Stop()
			return
		}
	}
}

// popDue removes every task due at now and returns their callbacks plus the
// wait until the next deadline (-1 when the queue is empty).
func (s *Scheduler) popDue(now time.Time) ([]func(), time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []func()
	for len(s.queue) > 0 && !s.queue[0].at.After(now) {
		t := heap.Pop(&s.queue).(*task)
		delete(s.tasks, t.key)
		due = append(due, t.fn)
	}
	if len(s.queue) == 0 {
		return due, -1
	}
	return due, s.queue[0].at.Sub(now)
}
