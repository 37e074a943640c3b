package presence

import (
	"sort"
	"sync"

	"codepair/internal/session"
)

// rosterRelay is a roster as published to other instances: only the
// publisher's own participants, stamped so stale copies can be discarded.
type rosterRelay struct {
	SessionID    string                `json:"session_id"`
	Seq          uint64                `json:"seq"`
	Participants []session.Participant `json:"participants"`
}

type remoteRoster struct {
	seq          uint64
	participants []session.Participant
}

// rosterBook holds each other instance's share of every room's roster.
type rosterBook struct {
	mu    sync.Mutex
	rooms map[string]map[string]remoteRoster // session id -> origin
}

func newRosterBook() *rosterBook {
	return &rosterBook{rooms: make(map[string]map[string]remoteRoster)}
}

// update records origin's participants for a session. fresh is false when the
// copy is older than one already held; first is true when origin had no
// participants in the room before.
func (b *rosterBook) update(sessionID, origin string, seq uint64, participants []session.Participant) (first, fresh bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[sessionID]
	prev, known := room[origin]
	if known && seq <= prev.seq {
		return false, false
	}
	if len(participants) == 0 {
		if known {
			delete(room, origin)
			if len(room) == 0 {
				delete(b.rooms, sessionID)
			}
		}
		return false, true
	}
	if room == nil {
		room = make(map[string]remoteRoster)
		b.rooms[sessionID] = room
	}
	room[origin] = remoteRoster{seq: seq, participants: participants}
	return !known, true
}

// merge returns local plus every remote share, ordered by join time.
func (b *rosterBook) merge(sessionID string, local []session.Participant) []session.Participant {
	b.mu.Lock()
	out := append([]session.Participant(nil), local...)
	for _, r := range b.rooms[sessionID] {
		out = append(out, r.participants...)
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}
