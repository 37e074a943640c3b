// Package jobs queues code executions and runs them on a bounded worker pool
// against the sandbox service.
package jobs

import (
	"time"

	"codepair/internal/sandbox"
)

type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Job is one execution request and its lifecycle. Only the worker pool moves a
// job out of Pending; Cancel is the one exception and only while Pending.
type Job struct {
	ID          string                   `json:"id"`
	SessionID   string                   `json:"session_id,omitempty"`
	SubmitterID string                   `json:"submitter_id"`
	Owner       string                   `json:"owner"`
	Language    string                   `json:"language"`
	Code        string                   `json:"code"`
	Stdin       string                   `json:"stdin,omitempty"`
	Timeout     time.Duration            `json:"timeout"`
	Priority    int                      `json:"priority"`
	Attempts    int                      `json:"attempts"`
	MaxAttempts int                      `json:"max_attempts"`
	State       State                    `json:"state"`
	Result      *sandbox.ExecutionResult `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
	NotBefore   time.Time                `json:"not_before,omitempty"`

	index int // position in the ready heap, -1 when not queued
}

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	Code        string
	Language    string
	Stdin       string
	SessionID   string
	SubmitterID string
	Timeout     time.Duration
	Priority    int
}

func (j *Job) clone() *Job {
	c := *j
	c.index = -1
	return &c
}

// readyHeap orders jobs by priority (higher first), then by submission time.
type readyHeap []*Job

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
