// Package persist writes session documents back to the durable store on a
// per-session debounce.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/monitor"
	"codepair/internal/scheduler"
	"codepair/internal/storage"
)

// Source exposes the current in-memory document of a session.
type Source interface {
	Document(id string) (code, language string, ok bool)
}

// state tracks one session. write is held for the duration of a store write so
// at most one write per session is in flight; a deadline that fires meanwhile
// sets followUp and is folded into one more write.
type state struct {
	write    sync.Mutex
	followUp bool
	refs     int
}

// Synchronizer coalesces bursts of edits into single whole-document upserts.
type Synchronizer struct {
	src          Source
	store        storage.DocumentStore
	sched        *scheduler.Scheduler
	debounce     time.Duration
	writeTimeout time.Duration
	metrics      *monitor.Metrics
	tracer       *monitor.Tracer

	mu     sync.Mutex
	states map[string]*state
	dirty  map[string]struct{}
}

// New creates a Synchronizer. metrics may be nil.
func New(src Source, store storage.DocumentStore, sched *scheduler.Scheduler, debounce, writeTimeout time.Duration, metrics *monitor.Metrics) *Synchronizer {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Synchronizer{
		src:          src,
		store:        store,
		sched:        sched,
		debounce:     debounce,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		tracer:       monitor.NewTracer(),
		states:       make(map[string]*state),
		dirty:        make(map[string]struct{}),
	}
}

func key(id string) string { return "persist:" + id }

// Touch (re)arms the debounce deadline for a session. It never blocks on I/O.
func (s *Synchronizer) Touch(id string) {
	s.mu.Lock()
	s.dirty[id] = struct{}{}
	s.mu.Unlock()
	s.sched.Schedule(key(id), s.debounce, func() { s.fire(id) })
}

// fire runs when a debounce deadline elapses.
func (s *Synchronizer) fire(id string) {
	s.mu.Lock()
	st := s.acquire(id)
	if !st.write.TryLock() {
		st.followUp = true
		s.release(id, st)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordPersist("coalesced", 0)
		}
		return
	}
	s.mu.Unlock()

	if err := s.writeLoop(context.Background(), id, st); err != nil {
		s.Touch(id)
	}
}

// Flush cancels the pending deadline and writes the session synchronously.
// A write already in flight is waited for first.
func (s *Synchronizer) Flush(ctx context.Context, id string) error {
	s.sched.Cancel(key(id))

	s.mu.Lock()
	st := s.acquire(id)
	s.mu.Unlock()

	st.write.Lock()
	err := s.writeLoop(ctx, id, st)
	if err != nil {
		s.Touch(id)
	}
	return err
}

// FlushAll writes every session with unwritten edits or an in-flight write.
func (s *Synchronizer) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.dirty)+len(s.states))
	for id := range s.dirty {
		seen[id] = struct{}{}
	}
	for id := range s.states {
		seen[id] = struct{}{}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := s.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Error().Int("failed", len(errs)).Int("total", len(ids)).Msg("flush on shutdown incomplete")
	}
	return errors.Join(errs...)
}

// writeLoop writes while holding st.write, repeating once per coalesced
// deadline, then releases st.write. It returns the last write error.
func (s *Synchronizer) writeLoop(ctx context.Context, id string, st *state) error {
	for {
		err := s.writeOnce(ctx, id)

		s.mu.Lock()
		if err == nil && st.followUp {
			st.followUp = false
			s.mu.Unlock()
			continue
		}
		st.followUp = false
		st.write.Unlock()
		s.release(id, st)
		s.mu.Unlock()
		return err
	}
}

func (s *Synchronizer) writeOnce(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.dirty, id)
	s.mu.Unlock()

	code, language, ok := s.src.Document(id)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	ctx, span := s.tracer.StartPersist(ctx, id)
	defer span.End()

	start := time.Now()
	err := s.store.Upsert(ctx, id, storage.DocumentWrite{Code: code, Language: language})
	elapsed := time.Since(start)

	if err != nil {
		monitor.RecordOutcome(span, "error", err)
		s.mu.Lock()
		s.dirty[id] = struct{}{}
		s.mu.Unlock()
		log.Warn().Err(err).Str("session_id", id).Dur("duration", elapsed).Msg("document write failed, will retry next cycle")
		if s.metrics != nil {
			s.metrics.RecordPersist("error", elapsed.Seconds())
		}
		return fmt.Errorf("persisting session %s: %w", id, err)
	}

	monitor.RecordOutcome(span, "ok", nil)
	log.Debug().Str("session_id", id).Int("bytes", len(code)).Dur("duration", elapsed).Msg("document persisted")
	if s.metrics != nil {
		s.metrics.RecordPersist("ok", elapsed.Seconds())
	}
	return nil
}

// acquire returns the state for id, creating it if needed. Caller holds s.mu.
func (s *Synchronizer) acquire(id string) *state {
	st, ok := s.states[id]
	if !ok {
		st = &state{}
		s.states[id] = st
	}
	st.refs++
	return st
}

// release drops a reference and forgets idle state. Caller holds s.mu.
func (s *Synchronizer) release(id string, st *state) {
	st.refs--
	if st.refs == 0 && !st.followUp {
		delete(s.states, id)
	}
}

// Dirty reports whether a session has edits not yet written.
func (s *Synchronizer) Dirty(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[id]
	return ok
}
