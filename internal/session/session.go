package session

import (
	"sort"
	"sync"
	"time"
)

// Cursor is a caret position in the shared document.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Participant is a connected user. Participants are never persisted.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role,omitempty"`
	Cursor       Cursor    `json:"cursor"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Session is the authoritative in-memory state of one room.
type Session struct {
	id string

	mu           sync.Mutex
	code         string
	language     string
	participants map[string]*Participant // by connection id
	recording    *ring[RecordingEvent]
	lastRecorded map[string]time.Time
	createdAt    time.Time
	lastActivity time.Time
	loaded       bool
	evicted      bool // no longer registered; admits nobody

	// dispatch serializes outbound delivery so peers observe events in receipt order.
	dispatch sync.Mutex
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"`
	Language     string           `json:"language"`
	Participants []Participant    `json:"participants"`
	Recording    []RecordingEvent `json:"recording,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastActivity time.Time        `json:"last_activity"`
	Loaded       bool             `json:"loaded"`
}

func newSession(id, code, language string, loaded bool, recordingLimit int, now time.Time) *Session {
	return &Session{
		id:           id,
		code:         code,
		language:     language,
		participants: make(map[string]*Participant),
		recording:    newRing[RecordingEvent](recordingLimit),
		lastRecorded: make(map[string]time.Time),
		createdAt:    now,
		lastActivity: now,
		loaded:       loaded,
	}
}

func (s *Session) ID() string { return s.id }

// Serialize runs fn while holding the session's dispatch lock.
func (s *Session) Serialize(fn func()) {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()
	fn()
}

// Document returns the current text and language.
func (s *Session) Document() (code, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.language
}

// HasConnection reports whether connID is a joined participant.
func (s *Session) HasConnection(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[connID]
	return ok
}

func (s *Session) snapshot(withRecording bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.id,
		Code:         s.code,
		Language:     s.language,
		Participants: s.rosterLocked(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Loaded:       s.loaded,
	}
	if withRecording {
		snap.Recording = s.recording.all()
	}
	return snap
}

// rosterLocked returns participants ordered by join time. Caller holds mu.
func (s *Session) rosterLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
