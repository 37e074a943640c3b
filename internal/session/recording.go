package session

import "time"

// RecordingEvent is one entry of a session's bounded diagnostic trail.
type RecordingEvent struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ring is a fixed-capacity FIFO buffer. Callers provide locking.
type ring[T any] struct {
	entries  []T
	capacity int
	head     int
	total    int64
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{entries: make([]T, 0, capacity), capacity: capacity}
}

func (r *ring[T]) push(entry T) {
	if len(r.entries) < r.capacity {
		r.entries = append(r.entries, entry)
	} else {
		r.entries[r.head] = entry
	}
	r.head = (r.head + 1) % r.capacity
	r.total++
}

// all returns the entries oldest first.
func (r *ring[T]) all() []T {
	if len(r.entries) == 0 {
		return nil
	}
	out := make([]T, len(r.entries))
	if len(r.entries) < r.capacity {
		copy(out, r.entries)
		return out
	}
	n := copy(out, r.entries[r.head:])
	copy(out[n:], r.entries[:r.head])
	return out
}

func (r *ring[T]) len() int { return len(r.entries) }
