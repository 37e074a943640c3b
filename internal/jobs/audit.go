package jobs

import (
	"crypto/sha256"
	"fmt"
	"time"

	"codepair/internal/sandbox"
	"codepair/internal/storage"
)

// AuditRecord converts a terminal job into an executions audit row.
func AuditRecord(job Job) *storage.Execution {
	rec := &storage.Execution{
		ID:          job.ID,
		SessionID:   job.SessionID,
		SubmitterID: job.SubmitterID,
		Language:    job.Language,
		CodeHash:    fmt.Sprintf("%x", sha256.Sum256([]byte(job.Code))),
		State:       string(job.State),
		Error:       job.Error,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	applyResult(rec, job.Result)
	return rec
}

// SyncAuditRecord records an inline execution, which has no job id of its own.
func SyncAuditRecord(req SubmitRequest, result *sandbox.ExecutionResult, started time.Time) *storage.Execution {
	completed := started.Add(result.Duration)
	rec := &storage.Execution{
		ID:          result.ID,
		SessionID:   req.SessionID,
		SubmitterID: req.SubmitterID,
		Language:    req.Language,
		CodeHash:    result.CodeHash,
		State:       string(StateCompleted),
		Attempts:    1,
		CreatedAt:   started,
		CompletedAt: &completed,
	}
	if result.Status == sandbox.StatusTimeout {
		rec.State = string(StateTimedOut)
	}
	if rec.CodeHash == "" {
		rec.CodeHash = fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	}
	applyResult(rec, result)
	return rec
}

func applyResult(rec *storage.Execution, r *sandbox.ExecutionResult) {
	if r == nil {
		return
	}
	rec.Status = string(r.Status)
	rec.ExitCode = r.ExitCode
	rec.Stdout = r.Stdout
	rec.Stderr = r.Stderr
	rec.DurationMS = r.Duration.Milliseconds()
}
