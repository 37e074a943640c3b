package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every submission rejected for its content.
	ErrValidation = errors.New("invalid job")

	ErrEmptyCode           = &validationError{"code is empty"}
	ErrCodeTooLarge        = &validationError{"code exceeds size limit"}
	ErrUnsupportedLanguage = &validationError{"unsupported language"}

	ErrInfrastructure = errors.New("execution infrastructure unavailable")
	ErrNotCancellable = errors.New("job is no longer queued")
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueClosed    = errors.New("queue closed")
)

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }

// JobError wraps errors with job context.
type JobError struct {
	JobID string
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
