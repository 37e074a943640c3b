package storage

import "time"

// Document is the durable form of a session's shared code.
type Document struct {
	ID        string    `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Language  string    `json:"language" db:"language"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DocumentWrite is the whole-document payload of an upsert.
type DocumentWrite struct {
	Code     string
	Language string
}

// Execution is the audit record of a job that reached a terminal state.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	SessionID   string     `json:"session_id" db:"session_id"`
	SubmitterID string     `json:"submitter_id" db:"submitter_id"`
	Language    string     `json:"language" db:"language"`
	CodeHash    string     `json:"code_hash" db:"code_hash"`
	State       string     `json:"state" db:"state"`   // completed, failed, timed_out, cancelled
	Status      string     `json:"status" db:"status"` // ok, compile_error, runtime_error, timeout
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	Stdout      string     `json:"stdout" db:"stdout"`
	Stderr      string     `json:"stderr" db:"stderr"`
	Error       string     `json:"error,omitempty" db:"error"`
	Attempts    int        `json:"attempts" db:"attempts"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	SessionID string
	State     string
	Limit     int
	Offset    int
}
