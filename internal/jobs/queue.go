package jobs

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codepair/internal/monitor"
	"codepair/internal/runtime"
	"codepair/internal/sandbox"
	"codepair/internal/scheduler"
)

// QueueConfig holds submission limits and the retry policy.
type QueueConfig struct {
	InstanceID     string
	MaxCodeBytes   int
	MaxAttempts    int
	BackoffBase    time.Duration
	Retention      time.Duration
	Capacity       int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	StoreTimeout   time.Duration
}

// TerminalFunc observes a job that reached a terminal state.
type TerminalFunc func(job Job)

// Queue holds jobs in priority order until a worker claims them. Jobs waiting
// out a retry backoff are parked in the scheduler and re-enter the ready heap
// when it fires.
type Queue struct {
	cfg      QueueConfig
	runtimes *runtime.Registry
	store    Store
	sched    *scheduler.Scheduler
	metrics  *monitor.Metrics

	mu         sync.Mutex
	jobs       map[string]*Job
	ready      readyHeap
	waiting    int // pending jobs, queued or in backoff
	closed     bool
	onTerminal []TerminalFunc

	avail     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewQueue creates a queue. store and metrics may be nil.
func NewQueue(cfg QueueConfig, runtimes *runtime.Registry, store Store, sched *scheduler.Scheduler, metrics *monitor.Metrics) *Queue {
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = 64 * 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Queue{
		cfg:      cfg,
		runtimes: runtimes,
		store:    store,
		sched:    sched,
		metrics:  metrics,
		jobs:     make(map[string]*Job),
		avail:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// OnTerminal registers fn to run after every terminal transition.
// Register hooks before workers start.
func (q *Queue) OnTerminal(fn TerminalFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTerminal = append(q.onTerminal, fn)
}

// Validate checks code size and language without enqueuing.
func Validate(runtimes *runtime.Registry, maxCodeBytes int, code, language string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	if len(code) > maxCodeBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrCodeTooLarge, len(code), maxCodeBytes)
	}
	if !runtimes.Supports(language) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return nil
}

// Submit validates and enqueues a job, returning its id. A failure to record
// the job is surfaced as ErrInfrastructure and nothing is enqueued.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := Validate(q.runtimes, q.cfg.MaxCodeBytes, req.Code, req.Language); err != nil {
		return "", err
	}
	rt, _ := q.runtimes.Get(req.Language)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	if timeout > q.cfg.MaxTimeout {
		timeout = q.cfg.MaxTimeout
	}

	job := &Job{
		ID:          uuid.New().String(),
		SessionID:   req.SessionID,
		SubmitterID: req.SubmitterID,
		Owner:       q.cfg.InstanceID,
		Language:    rt.Name(),
		Code:        req.Code,
		Stdin:       req.Stdin,
		Timeout:     timeout,
		Priority:    req.Priority,
		MaxAttempts: q.cfg.MaxAttempts,
		State:       StatePending,
		CreatedAt:   q.now(),
		index:       -1,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", &JobError{JobID: job.ID, Op: "submit", Err: fmt.Errorf("%w: %w", ErrInfrastructure, ErrQueueClosed)}
	}
	if q.waiting >= q.cfg.Capacity {
		q.mu.Unlock()
		return "", &JobError{JobID: job.ID, Op: "submit", Err: fmt.Errorf("%w: queue full (%d jobs)", ErrInfrastructure, q.cfg.Capacity)}
	}
	q.mu.Unlock()

	if q.store != nil {
		sctx, cancel := context.WithTimeout(ctx, q.cfg.StoreTimeout)
		err := q.store.Save(sctx, job)
		cancel()
		if err != nil {
			return "", &JobError{JobID: job.ID, Op: "submit", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
		}
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.waiting++
	q.pushLocked(job)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	}
	log.Info().
		Str("job_id", job.ID).
		Str("session_id", job.SessionID).
		Str("language", job.Language).
		Int("priority", job.Priority).
		Msg("job submitted")
	return job.ID, nil
}

// Get returns a copy of the job, consulting the shared store for jobs this
// instance does not hold.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if ok {
		c := job.clone()
		q.mu.Unlock()
		return c, nil
	}
	q.mu.Unlock()

	if q.store == nil {
		return nil, ErrJobNotFound
	}
	sctx, cancel := context.WithTimeout(ctx, q.cfg.StoreTimeout)
	defer cancel()
	remote, err := q.store.Get(sctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, &JobError{JobID: id, Op: "get", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	return remote, nil
}

// Cancel stops a job that no worker has claimed yet.
func (q *Queue) Cancel(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		if q.store != nil {
			if remote, err := q.store.Get(ctx, id); err == nil && remote.Owner != q.cfg.InstanceID {
				return nil, &JobError{JobID: id, Op: "cancel", Err: fmt.Errorf("%w: owned by instance %s", ErrNotCancellable, remote.Owner)}
			}
		}
		return nil, ErrJobNotFound
	}
	if job.State != StatePending {
		state := job.State
		q.mu.Unlock()
		return nil, &JobError{JobID: id, Op: "cancel", Err: fmt.Errorf("%w: state %s", ErrNotCancellable, state)}
	}
	if job.index >= 0 {
		heap.Remove(&q.ready, job.index)
	} else {
		q.sched.Cancel(retryKey(id))
	}
	q.waiting--
	q.depthLocked()
	q.finishLocked(job, StateCancelled, "cancelled by request")
	snapshot := job.clone()
	hooks := q.onTerminal
	q.mu.Unlock()

	q.afterTerminal(ctx, snapshot, hooks)
	return snapshot, nil
}

// claim blocks until a job is ready, then moves it Pending -> Active.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.ready.Len() > 0 {
			job := heap.Pop(&q.ready).(*Job)
			q.waiting--
			now := q.now()
			job.State = StateActive
			job.Attempts++
			job.StartedAt = &now
			q.depthLocked()
			more := q.ready.Len() > 0
			snapshot := job.clone()
			q.mu.Unlock()

			if more {
				q.signal()
			}
			q.mirror(ctx, snapshot)
			log.Debug().Str("job_id", job.ID).Int("attempt", job.Attempts).Msg("job claimed")
			return snapshot, nil
		}
		q.mu.Unlock()

		select {
		case <-q.avail:
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// complete records a sandbox outcome. A timeout outcome ends in TimedOut;
// compile and runtime failures still complete the job.
func (q *Queue) complete(ctx context.Context, id string, result *sandbox.ExecutionResult) {
	state := StateCompleted
	msg := ""
	if result != nil && result.Status == sandbox.StatusTimeout {
		state = StateTimedOut
		msg = sandbox.ErrTimeout.Error()
	}
	q.terminate(ctx, id, state, result, msg)
}

// fail ends the job without retry.
func (q *Queue) fail(ctx context.Context, id string, err error) {
	q.terminate(ctx, id, StateFailed, nil, err.Error())
}

// retry parks the job for a backoff before it becomes claimable again, or
// fails it when attempts are exhausted.
func (q *Queue) retry(ctx context.Context, id string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive {
		q.mu.Unlock()
		return
	}
	if job.Attempts >= job.MaxAttempts {
		q.mu.Unlock()
		q.terminate(ctx, id, StateFailed, nil, fmt.Sprintf("%s after %d attempts: %v", ErrInfrastructure, job.Attempts, err))
		return
	}

	delay := q.backoff(job.Attempts)
	job.State = StatePending
	job.Error = err.Error()
	job.NotBefore = q.now().Add(delay)
	q.waiting++
	snapshot := job.clone()
	q.mu.Unlock()

	log.Warn().Err(err).Str("job_id", id).Int("attempt", snapshot.Attempts).Dur("backoff", delay).Msg("job attempt failed, retrying")
	q.mirror(ctx, snapshot)
	q.sched.Schedule(retryKey(id), delay, func() { q.requeue(id) })
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || job.State != StatePending || job.index >= 0 || q.closed {
		return
	}
	q.pushLocked(job)
}

func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
}

func (q *Queue) terminate(ctx context.Context, id string, state State, result *sandbox.ExecutionResult, msg string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateActive {
		q.mu.Unlock()
		return
	}
	job.Result = result
	q.finishLocked(job, state, msg)
	snapshot := job.clone()
	hooks := q.onTerminal
	q.mu.Unlock()

	q.afterTerminal(ctx, snapshot, hooks)
}

// finishLocked applies a terminal state. Caller holds q.mu.
func (q *Queue) finishLocked(job *Job, state State, msg string) {
	now := q.now()
	job.State = state
	job.CompletedAt = &now
	if msg != "" {
		job.Error = msg
	} else if state == StateCompleted {
		job.Error = ""
	}
}

func (q *Queue) afterTerminal(ctx context.Context, job *Job, hooks []TerminalFunc) {
	q.mirror(ctx, job)

	if q.metrics != nil {
		q.metrics.RecordJob(job.Language, string(job.State), job.CompletedAt.Sub(job.CreatedAt).Seconds())
		if job.Result != nil {
			q.metrics.OutputSizeBytes.Observe(float64(len(job.Result.Stdout) + len(job.Result.Stderr)))
		}
	}
	log.Info().
		Str("job_id", job.ID).
		Str("state", string(job.State)).
		Int("attempts", job.Attempts).
		Msg("job finished")

	for _, fn := range hooks {
		fn(*job)
	}
}

// mirror writes job state to the shared store. Failures are logged: the
// in-memory job stays authoritative on this instance.
func (q *Queue) mirror(ctx context.Context, job *Job) {
	if q.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.StoreTimeout)
	defer cancel()
	if err := q.store.Save(sctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Str("state", string(job.State)).Msg("job state mirror failed")
	}
}

// pushLocked makes job claimable. Caller holds q.mu.
func (q *Queue) pushLocked(job *Job) {
	heap.Push(&q.ready, job)
	q.depthLocked()
	q.signal()
}

func (q *Queue) depthLocked() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.ready.Len()))
	}
}

func (q *Queue) signal() {
	select {
	case q.avail <- struct{}{}:
	default:
	}
}

// Recover re-enqueues this instance's unfinished jobs from the shared store.
// Jobs that were Active when the process died restart as Pending and keep
// their attempt count.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	unfinished, err := q.store.Unfinished(ctx, q.cfg.InstanceID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}

	recovered := 0
	for _, job := range unfinished {
		q.mu.Lock()
		if _, exists := q.jobs[job.ID]; exists {
			q.mu.Unlock()
			continue
		}
		job.State = StatePending
		job.StartedAt = nil
		job.NotBefore = time.Time{}
		job.index = -1
		if job.Attempts >= job.MaxAttempts {
			job.MaxAttempts = job.Attempts + 1
		}
		q.jobs[job.ID] = job
		q.waiting++
		q.pushLocked(job)
		snapshot := job.clone()
		q.mu.Unlock()

		q.mirror(ctx, snapshot)
		recovered++
	}
	if recovered > 0 {
		log.Info().Int("jobs", recovered).Msg("recovered unfinished jobs")
	}
	return recovered, nil
}

// Reap drops terminal jobs older than the retention window and returns how
// many were removed.
func (q *Queue) Reap() int {
	cutoff := q.now().Add(-q.cfg.Retention)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		if job.State.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// RunJanitor reaps on an interval until ctx is done.
func (q *Queue) RunJanitor(ctx context.Context) {
	interval := q.cfg.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Reap(); n > 0 {
				log.Debug().Int("jobs", n).Msg("reclaimed finished jobs")
			}
		}
	}
}

// Close stops claims. Jobs still pending, queued or parked for a retry, fail
// with ErrQueueClosed so submitters hear about them. Active jobs finish on
// their workers.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		var dropped []*Job
		for id, job := range q.jobs {
			if job.State != StatePending {
				continue
			}
			if job.index >= 0 {
				heap.Remove(&q.ready, job.index)
			} else {
				q.sched.Cancel(retryKey(id))
			}
			q.waiting--
			q.finishLocked(job, StateFailed, fmt.Sprintf("%s: %s", ErrInfrastructure, ErrQueueClosed))
			dropped = append(dropped, job.clone())
		}
		q.depthLocked()
		hooks := q.onTerminal
		q.mu.Unlock()
		close(q.done)

		for _, job := range dropped {
			q.afterTerminal(context.Background(), job, hooks)
		}
		if len(dropped) > 0 {
			log.Warn().Int("jobs", len(dropped)).Msg("failed pending jobs at shutdown")
		}
	})
}

// Len returns the number of jobs held, including retained terminal jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func retryKey(id string) string { return "retry:" + id }
