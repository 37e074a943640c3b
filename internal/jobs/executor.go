package jobs

import (
	"context"
	"fmt"

	"codepair/internal/runtime"
	"codepair/internal/sandbox"
)

// Executor runs code inline for interactive requests. It shares validation,
// timeouts and truncation with queued jobs but has no retry or durability.
type Executor struct {
	backend      sandbox.Backend
	runtimes     *runtime.Registry
	maxCodeBytes int
}

func NewExecutor(backend sandbox.Backend, runtimes *runtime.Registry, maxCodeBytes int) *Executor {
	if maxCodeBytes <= 0 {
		maxCodeBytes = 64 * 1024
	}
	return &Executor{backend: backend, runtimes: runtimes, maxCodeBytes: maxCodeBytes}
}

// ExecuteSync returns the classified result. Compile errors, runtime errors
// and timeouts are results, not errors; only validation and infrastructure
// faults return an error.
func (e *Executor) ExecuteSync(ctx context.Context, req SubmitRequest) (*sandbox.ExecutionResult, error) {
	if err := Validate(e.runtimes, e.maxCodeBytes, req.Code, req.Language); err != nil {
		return nil, err
	}
	result, err := e.backend.Execute(ctx, sandbox.ExecutionRequest{
		Code:       req.Code,
		Language:   req.Language,
		Stdin:      req.Stdin,
		RunTimeout: req.Timeout,
	})
	if err == nil {
		return result, nil
	}
	if sandbox.IsTimeout(err) {
		if result == nil {
			result = &sandbox.ExecutionResult{Status: sandbox.StatusTimeout, ExitCode: -1, Stderr: err.Error()}
		}
		return result, nil
	}
	if !sandbox.IsRetryable(err) {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil, &JobError{Op: "execute", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
}
