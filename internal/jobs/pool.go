package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"codepair/internal/monitor"
	"codepair/internal/sandbox"
)

// Pool is a fixed set of workers, each running one job at a time.
type Pool struct {
	queue   *Queue
	backend sandbox.Backend
	workers int
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
}

// NewPool creates a pool. metrics may be nil.
func NewPool(queue *Queue, backend sandbox.Backend, workers int, metrics *monitor.Metrics) *Pool {
	if workers < 1 {
		workers = 5
	}
	return &Pool{
		queue:   queue,
		backend: backend,
		workers: workers,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
	}
}

// Run blocks until ctx is cancelled or the queue is closed. A job already
// claimed when ctx is cancelled still runs to its own deadline.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			return p.work(gctx, worker)
		})
	}
	log.Info().Int("workers", p.workers).Msg("worker pool started")
	err := g.Wait()
	log.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	for {
		job, err := p.queue.claim(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		p.process(ctx, worker, job)
	}
}

func (p *Pool) process(ctx context.Context, worker int, job *Job) {
	// Claimed jobs are not abandoned on shutdown; the sandbox call carries its
	// own wall-clock deadline.
	execCtx := context.WithoutCancel(ctx)
	execCtx, span := p.tracer.StartJob(execCtx, job.ID, job.SessionID, job.Language, job.Attempts)
	defer span.End()

	logger := log.With().
		Str("job_id", job.ID).
		Int("worker", worker).
		Int("attempt", job.Attempts).
		Logger()

	if p.metrics != nil {
		p.metrics.ActiveExecutions.Inc()
		defer p.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	result, err := p.backend.Execute(execCtx, sandbox.ExecutionRequest{
		Code:       job.Code,
		Language:   job.Language,
		Stdin:      job.Stdin,
		RunTimeout: job.Timeout,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.observe(string(result.Status), elapsed)
		monitor.RecordOutcome(span, string(result.Status), nil)
		logger.Debug().Str("status", string(result.Status)).Dur("duration", elapsed).Msg("job executed")
		p.queue.complete(execCtx, job.ID, result)

	case sandbox.IsTimeout(err):
		p.observe(string(sandbox.StatusTimeout), elapsed)
		monitor.RecordOutcome(span, string(sandbox.StatusTimeout), err)
		logger.Warn().Dur("duration", elapsed).Msg("job timed out")
		if result == nil {
			result = &sandbox.ExecutionResult{Status: sandbox.StatusTimeout, ExitCode: -1, Duration: elapsed}
		}
		p.queue.complete(execCtx, job.ID, result)

	case !sandbox.IsRetryable(err):
		p.observe("rejected", elapsed)
		monitor.RecordOutcome(span, "rejected", err)
		logger.Warn().Err(err).Msg("job rejected by sandbox")
		p.queue.fail(execCtx, job.ID, err)

	default:
		p.observe("error", elapsed)
		monitor.RecordOutcome(span, "retry", err)
		p.queue.retry(execCtx, job.ID, err)
	}
}

func (p *Pool) observe(status string, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.SandboxLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	}
}
