package api

import (
	"time"

	"codepair/internal/jobs"
	"codepair/internal/sandbox"
)

// ExecuteRequest runs code synchronously.
type ExecuteRequest struct {
	Code     string   `json:"code"`
	Language string   `json:"language"`
	Stdin    string   `json:"stdin,omitempty"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// SubmitRequest enqueues an execution job. A session id routes the result to
// that room.
type SubmitRequest struct {
	Code      string   `json:"code"`
	Language  string   `json:"language"`
	Stdin     string   `json:"stdin,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Priority  int      `json:"priority,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is a classified sandbox outcome.
type ExecutionResponse struct {
	ID        string               `json:"id"`
	Status    string               `json:"status"`
	Stdout    string               `json:"stdout"`
	Stderr    string               `json:"stderr"`
	ExitCode  int                  `json:"exit_code"`
	Duration  string               `json:"duration"`
	Truncated bool                 `json:"truncated,omitempty"`
	Compile   *sandbox.StageResult `json:"compile,omitempty"`
}

func newExecutionResponse(r *sandbox.ExecutionResult) *ExecutionResponse {
	if r == nil {
		return nil
	}
	return &ExecutionResponse{
		ID:        r.ID,
		Status:    string(r.Status),
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		ExitCode:  r.ExitCode,
		Duration:  r.Duration.String(),
		Truncated: r.Truncated,
		Compile:   r.Compile,
	}
}

// JobResponse reports a job's lifecycle state.
type JobResponse struct {
	ID          string             `json:"id"`
	State       string             `json:"state"`
	SessionID   string             `json:"session_id,omitempty"`
	Language    string             `json:"language"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Result      *ExecutionResponse `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

func newJobResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		State:       string(j.State),
		SessionID:   j.SessionID,
		Language:    j.Language,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      newExecutionResponse(j.Result),
		Error:       j.Error,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// JobAccepted is returned by POST /jobs.
type JobAccepted struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string          `json:"status"`
	Checks   map[string]bool `json:"checks"`
	Sessions int             `json:"sessions"`
	Jobs     int             `json:"jobs"`
	Uptime   string          `json:"uptime"`
}
