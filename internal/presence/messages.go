package presence

import (
	"encoding/json"
	"errors"
	"time"

	"codepair/internal/jobs"
	"codepair/internal/ratelimit"
	"codepair/internal/sandbox"
	"codepair/internal/session"
)

// Client to server message types.
const (
	TypeJoin      = "join"
	TypeEdit      = "edit"
	TypeCursor    = "cursor"
	TypeTyping    = "typing"
	TypeLeave     = "leave"
	TypeExecute   = "execute"
	TypeSubmit    = "submit"
	TypeJobStatus = "job_status"
)

// Server to client message types. edit, cursor, typing and job_status are
// shared with the inbound set.
const (
	TypeRoster          = "roster"
	TypeDocument        = "document"
	TypeExecutionResult = "execution_result"
	TypeJobAccepted     = "job_accepted"
	TypeError           = "error"
)

// Error codes sent in error frames.
const (
	CodeBadRequest       = "bad_request"
	CodeInvalidState     = "invalid_state"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeDuplicate        = "duplicate_participant"
	CodeValidation       = "validation"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
	CodeNotFound         = "not_found"
	CodeNotCancellable   = "not_cancellable"
	CodeReplaced         = "replaced"
	CodeInternal         = "internal"
)

// Inbound is any client message. Fields not used by a type are ignored.
type Inbound struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Code      *string         `json:"code,omitempty"`
	Language  string          `json:"language,omitempty"`
	Cursor    *session.Cursor `json:"cursor,omitempty"`
	Typing    bool            `json:"typing,omitempty"`
	Stdin     string          `json:"stdin,omitempty"`
	Priority  int             `json:"priority,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
}

// Frame is the envelope of every server message.
type Frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type RosterPayload struct {
	SessionID    string                `json:"session_id"`
	Participants []session.Participant `json:"participants"`
}

type DocumentPayload struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Language  string `json:"language"`
}

type EditPayload struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Code         string `json:"code"`
	Language     string `json:"language,omitempty"`
}

type CursorPayload struct {
	SessionID    string         `json:"session_id"`
	ConnectionID string         `json:"connection_id"`
	UserID       string         `json:"user_id"`
	Cursor       session.Cursor `json:"cursor"`
}

type TypingPayload struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Typing       bool   `json:"typing"`
}

type ExecutionResultPayload struct {
	SessionID   string                   `json:"session_id,omitempty"`
	JobID       string                   `json:"job_id,omitempty"`
	SubmitterID string                   `json:"submitter_id,omitempty"`
	State       string                   `json:"state"`
	Result      *sandbox.ExecutionResult `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

type JobAcceptedPayload struct {
	JobID string `json:"job_id"`
}

type JobStatusPayload struct {
	JobID       string                   `json:"job_id"`
	State       string                   `json:"state"`
	Attempts    int                      `json:"attempts"`
	Result      *sandbox.ExecutionResult `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// errorPayload maps an operation error to the frame sent to the requester.
func errorPayload(err error) ErrorPayload {
	p := ErrorPayload{Code: CodeInternal, Message: err.Error()}
	var limited *ratelimit.LimitError
	switch {
	case errors.As(err, &limited):
		p.Code = CodeRateLimited
		p.RetryAfterMS = limited.RetryAfter.Milliseconds()
	case errors.Is(err, ErrInvalidState):
		p.Code = CodeInvalidState
	case errors.Is(err, session.ErrCapacityExceeded):
		p.Code = CodeCapacityExceeded
	case errors.Is(err, session.ErrDuplicateParticipant):
		p.Code = CodeDuplicate
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, jobs.ErrJobNotFound):
		p.Code = CodeNotFound
	case errors.Is(err, jobs.ErrValidation):
		p.Code = CodeValidation
	case errors.Is(err, jobs.ErrNotCancellable):
		p.Code = CodeNotCancellable
	case errors.Is(err, jobs.ErrInfrastructure), errors.Is(err, sandbox.ErrUnavailable):
		p.Code = CodeUnavailable
	case errors.Is(err, errBadRequest):
		p.Code = CodeBadRequest
	}
	return p
}

var errBadRequest = errors.New("bad request")

func encodeFrame(typ string, payload any) ([]byte, error) {
	return json.Marshal(Frame{Type: typ, Payload: payload})
}
