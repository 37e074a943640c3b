// Package session owns the authoritative in-memory state of collaborative rooms.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"codepair/internal/monitor"
	"codepair/internal/runtime"
	"codepair/internal/scheduler"
	"codepair/internal/storage"
)

var (
	ErrCapacityExceeded     = errors.New("session is at capacity")
	ErrDuplicateParticipant = errors.New("participant already joined")
	ErrSessionNotFound      = errors.New("session not found")

	errEvicted = errors.New("session evicted")
)

// DuplicatePolicy decides what a second join with the same user id does.
type DuplicatePolicy int

const (
	// ReplaceConnection drops the older connection and admits the new one.
	ReplaceConnection DuplicatePolicy = iota
	// RejectDuplicate refuses the new connection with ErrDuplicateParticipant.
	RejectDuplicate
)

// Loader reads stored documents.
type Loader interface {
	Get(ctx context.Context, id string) (*storage.Document, error)
}

// Persister receives durability hooks for edited sessions.
type Persister interface {
	Touch(sessionID string)
	Flush(ctx context.Context, sessionID string) error
}

type Config struct {
	Capacity        int
	EvictionGrace   time.Duration
	RecordingLimit  int
	RecordThrottle  time.Duration
	DefaultLanguage string
	Duplicates      DuplicatePolicy
	FlushTimeout    time.Duration
}

// Registry maps session ids to their single in-memory instance.
type Registry struct {
	cfg       Config
	loader    Loader
	runtimes  *runtime.Registry
	scheduler *scheduler.Scheduler
	metrics   *monitor.Metrics
	persister Persister

	mu       sync.RWMutex
	sessions map[string]*Session
	group    singleflight.Group
	now      func() time.Time
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(cfg Config, loader Loader, runtimes *runtime.Registry, sched *scheduler.Scheduler, metrics *monitor.Metrics) *Registry {
	if cfg.Capacity < 1 {
		cfg.Capacity = 10
	}
	if cfg.RecordingLimit < 1 {
		cfg.RecordingLimit = 1000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "javascript"
	}
	return &Registry{
		cfg:       cfg,
		loader:    loader,
		runtimes:  runtimes,
		scheduler: sched,
		metrics:   metrics,
		sessions:  make(map[string]*Session),
		now:       time.Now,
	}
}

// SetPersister wires the durability hooks. It must be called before serving.
func (r *Registry) SetPersister(p Persister) {
	r.persister = p
}

// Lookup returns the in-memory session without loading.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the in-memory session, loading it from the store or
// initializing a starter document. Concurrent first access yields one instance.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	if s, ok := r.Lookup(id); ok {
		return s, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		if s, ok := r.Lookup(id); ok {
			return s, nil
		}
		s, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.sessions[id]; ok {
			return existing, nil
		}
		r.sessions[id] = s
		if r.metrics != nil {
			r.metrics.ActiveSessions.Inc()
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) load(ctx context.Context, id string) (*Session, error) {
	if r.loader != nil {
		doc, err := r.loader.Get(ctx, id)
		switch {
		case err == nil:
			log.Debug().Str("session_id", id).Msg("session hydrated from store")
			return newSession(id, doc.Code, doc.Language, true, r.cfg.RecordingLimit, r.now()), nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("loading session %s: %w", id, err)
		}
	}

	lang := r.cfg.DefaultLanguage
	code := ""
	if r.runtimes != nil {
		code = r.runtimes.Starter(lang)
	}
	log.Debug().Str("session_id", id).Str("language", lang).Msg("session created with starter document")
	return newSession(id, code, lang, false, r.cfg.RecordingLimit, r.now()), nil
}

// AddParticipant admits p to the session and cancels any pending eviction.
// Under ReplaceConnection a participant with the same user id is removed and
// returned so the caller can close its connection.
func (r *Registry) AddParticipant(id string, p Participant) (*Participant, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	replaced, err := r.admit(s, p)
	if errors.Is(err, errEvicted) {
		return nil, ErrSessionNotFound
	}
	return replaced, err
}

// Join loads the session if needed and admits p. A session evicted between
// the lookup and the admission is loaded again, so a join racing the grace
// deadline lands in the session that stays registered.
func (r *Registry) Join(ctx context.Context, id string, p Participant) (*Session, *Participant, error) {
	for {
		s, err := r.GetOrCreate(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		replaced, err := r.admit(s, p)
		if errors.Is(err, errEvicted) {
			log.Debug().Str("session_id", id).Msg("session evicted during join, reloading")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, replaced, nil
	}
}

func (r *Registry) admit(s *Session, p Participant) (*Participant, error) {
	id := s.id
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return nil, errEvicted
	}
	if _, exists := s.participants[p.ConnectionID]; exists {
		s.mu.Unlock()
		return nil, nil
	}

	var replaced *Participant
	for connID, existing := range s.participants {
		if existing.UserID != p.UserID {
			continue
		}
		if r.cfg.Duplicates == RejectDuplicate {
			s.mu.Unlock()
			return nil, ErrDuplicateParticipant
		}
		replaced = existing
		delete(s.participants, connID)
		break
	}

	if len(s.participants) >= r.cfg.Capacity {
		if replaced != nil {
			s.participants[replaced.ConnectionID] = replaced
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d participants", ErrCapacityExceeded, r.cfg.Capacity)
	}

	if p.JoinedAt.IsZero() {
		p.JoinedAt = r.now()
	}
	s.participants[p.ConnectionID] = &p
	s.lastActivity = r.now()
	s.mu.Unlock()

	if r.scheduler != nil {
		r.scheduler.Cancel(evictKey(id))
	}
	if r.metrics != nil && replaced == nil {
		r.metrics.Participants.Inc()
	}
	return replaced, nil
}

// UpdateDocument replaces the document wholesale and schedules persistence.
// An empty language keeps the current one.
func (r *Registry) UpdateDocument(id, code, language string) error {
	if err := r.setDocument(id, code, language); err != nil {
		return err
	}
	if r.persister != nil {
		r.persister.Touch(id)
	}
	return nil
}

// ApplyRemote applies an edit relayed from another instance. The originating
// instance owns its durability, so nothing is scheduled here. Sessions not
// held locally are ignored.
func (r *Registry) ApplyRemote(id, code, language string) bool {
	return r.setDocument(id, code, language) == nil
}

func (r *Registry) setDocument(id, code, language string) error {
	s, ok := r.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	s.code = code
	if language != "" {
		s.language = language
	}
	s.lastActivity = r.now()
	s.mu.Unlock()
	return nil
}

// UpdateCursor sets a participant's cursor. Cursors are never persisted.
func (r *Registry) UpdateCursor(id, connID string, c Cursor) error {
	s, ok := r.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[connID]
	if !ok {
		return fmt.Errorf("connection %s not in session %s", connID, id)
	}
	p.Cursor = c
	return nil
}

// RemoveParticipant drops a connection and returns the remaining count. When
// the room empties an eviction is scheduled after the grace period.
func (r *Registry) RemoveParticipant(id, connID string) (int, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return 0, ErrSessionNotFound
	}

	s.mu.Lock()
	_, present := s.participants[connID]
	delete(s.participants, connID)
	remaining := len(s.participants)
	s.lastActivity = r.now()
	s.mu.Unlock()

	if present && r.metrics != nil {
		r.metrics.Participants.Dec()
	}
	if remaining == 0 {
		r.scheduleEviction(id)
	}
	return remaining, nil
}

func (r *Registry) scheduleEviction(id string) {
	if r.scheduler == nil {
		return
	}
	r.scheduler.Schedule(evictKey(id), r.cfg.EvictionGrace, func() { r.evict(id) })
}

// evict removes an empty session from memory. The stored document is untouched.
func (r *Registry) evict(id string) {
	s, ok := r.Lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	occupied := len(s.participants) > 0
	s.mu.Unlock()
	if occupied {
		return
	}

	if r.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
		if err := r.persister.Flush(ctx, id); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("flush before eviction failed")
		}
		cancel()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[id]
	if !ok || current != s {
		return
	}
	s.mu.Lock()
	occupied = len(s.participants) > 0
	if !occupied {
		s.evicted = true
	}
	s.mu.Unlock()
	if occupied {
		return
	}
	delete(r.sessions, id)
	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.Evictions.Inc()
	}
	log.Info().Str("session_id", id).Msg("session evicted from memory")
}

// Record appends a throttled recording event: at most one per category per
// throttle interval. It reports whether the event was kept.
func (r *Registry) Record(id, category string, payload any) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	now := r.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRecorded[category]; ok && now.Sub(last) < r.cfg.RecordThrottle {
		return false
	}
	s.lastRecorded[category] = now
	s.recording.push(RecordingEvent{Type: category, Payload: payload, Timestamp: now})
	return true
}

// Roster returns the participants ordered by join time.
func (r *Registry) Roster(id string) ([]Participant, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked(), nil
}

// Snapshot returns a read-only copy including the recording trail.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	s, ok := r.Lookup(id)
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}
	return s.snapshot(true), nil
}

// Document returns the current text and language of an in-memory session.
func (r *Registry) Document(id string) (code, language string, ok bool) {
	s, found := r.Lookup(id)
	if !found {
		return "", "", false
	}
	code, language = s.Document()
	return code, language, true
}

// Sessions returns the ids held in memory.
func (r *Registry) Sessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func evictKey(id string) string { return "evict:" + id }
