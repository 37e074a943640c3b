package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/auth"
	"codepair/internal/jobs"
	"codepair/internal/monitor"
	"codepair/internal/ratelimit"
	"codepair/internal/sandbox"
	"codepair/internal/session"
	"codepair/internal/storage"
)

// ExecutionLog reads the executions audit table. *storage.DB implements it.
type ExecutionLog interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

type Handlers struct {
	registry     *session.Registry
	queue        *jobs.Queue
	executor     *jobs.Executor
	limiter      ratelimit.Limiter
	executions   ExecutionLog
	results      *storage.ResultWriter
	metrics      *monitor.Metrics
	pollInterval time.Duration
}

func (h *Handlers) identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// limit applies a per-identity class; a nil limiter allows everything.
func (h *Handlers) limit(w http.ResponseWriter, r *http.Request, class string) bool {
	if h.limiter == nil {
		return true
	}
	if err := ratelimit.Check(r.Context(), h.limiter, limitKey(r), class); err != nil {
		writeDomainError(w, r, err)
		return false
	}
	return true
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.executor == nil {
		writeError(w, "sandbox backend unavailable", "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if !h.limit(w, r, "execute") {
		return
	}

	submit := jobs.SubmitRequest{
		Code:        req.Code,
		Language:    req.Language,
		Stdin:       req.Stdin,
		SubmitterID: h.identity(r).SubjectID,
		Timeout:     req.Timeout.Duration,
	}
	if h.metrics != nil {
		h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
		h.metrics.ActiveExecutions.Inc()
		defer h.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, err := h.executor.ExecuteSync(r.Context(), submit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.OutputSizeBytes.Observe(float64(len(result.Stdout) + len(result.Stderr)))
	}
	if h.results != nil && result.ID != "" {
		h.results.Log(jobs.SyncAuditRecord(submit, result, start))
	}

	writeJSON(w, http.StatusOK, newExecutionResponse(result))
}

func (h *Handlers) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.queue == nil {
		writeError(w, "job queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	if !h.limit(w, r, "submit") {
		return
	}

	id, err := h.queue.Submit(r.Context(), jobs.SubmitRequest{
		Code:        req.Code,
		Language:    req.Language,
		Stdin:       req.Stdin,
		SessionID:   req.SessionID,
		SubmitterID: h.identity(r).SubjectID,
		Timeout:     req.Timeout.Duration,
		Priority:    req.Priority,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: id, State: string(jobs.StatePending)})
}

func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "job ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.queue == nil {
		writeError(w, "job queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "job ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.queue == nil {
		writeError(w, "job queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	job, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	log.Info().Str("job_id", id).Str("request_id", RequestIDFromContext(r.Context())).Msg("job cancelled")
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// HandleJobEvents streams state changes of one job as Server-Sent Events and
// ends with a done event at the terminal state.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.queue == nil {
		writeError(w, "job queue unavailable", "QUEUE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	stream, err := newEventStream(w)
	if err != nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	interval := h.pollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := jobs.State("")
	for {
		if job.State != last {
			last = job.State
			if err := stream.send("state", string(job.State)); err != nil {
				return
			}
		}
		if job.State.Terminal() {
			data, _ := json.Marshal(newJobResponse(job))
			_ = stream.send("done", string(data))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		next, err := h.queue.Get(r.Context(), id)
		if err != nil {
			_ = stream.send("error", "job no longer available")
			return
		}
		job = next
	}
}

func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "session ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	snap, err := h.registry.Snapshot(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.executions == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		SessionID: q.Get("session_id"),
		State:     q.Get("state"),
		Limit:     100,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v >= 0 {
		filter.Offset = v
	}

	execs, err := h.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.executions == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.executions.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("loading execution failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *ratelimit.LimitError
	switch {
	case errors.As(err, &limited):
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, err.Error(), "RATE_LIMITED", http.StatusTooManyRequests, r)
	case errors.Is(err, auth.ErrAuthentication):
		writeError(w, "invalid or expired token", "AUTH_REQUIRED", http.StatusUnauthorized, r)
	case errors.Is(err, jobs.ErrValidation):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, "job not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, "session not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, jobs.ErrNotCancellable):
		writeError(w, err.Error(), "NOT_CANCELLABLE", http.StatusConflict, r)
	case errors.Is(err, session.ErrCapacityExceeded), errors.Is(err, session.ErrDuplicateParticipant):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, jobs.ErrInfrastructure), errors.Is(err, sandbox.ErrUnavailable):
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("infrastructure failure")
		writeError(w, "service temporarily unavailable", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}
