package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/internal/runtime"
	"codepair/internal/sandbox"
	"codepair/internal/scheduler"
)

type fakeBackend struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req sandbox.ExecutionRequest, call int) (*sandbox.ExecutionResult, error)
}

func (f *fakeBackend) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	n := int(f.calls.Add(1))
	return f.fn(ctx, req, n)
}

func (f *fakeBackend) Close() error { return nil }

func ok(stdout string) func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
	return func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{Status: sandbox.StatusOK, Stdout: stdout}, nil
	}
}

// recordingStore captures every mirrored state per job.
type recordingStore struct {
	mu      sync.Mutex
	states  map[string][]State
	jobs    map[string]*Job
	saveErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{states: make(map[string][]State), jobs: make(map[string]*Job)}
}

func (s *recordingStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.states[job.ID] = append(s.states[job.ID], job.State)
	s.jobs[job.ID] = job.clone()
	return nil
}

func (s *recordingStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

func (s *recordingStore) Unfinished(_ context.Context, owner string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Owner == owner && !job.State.Terminal() {
			out = append(out, job.clone())
		}
	}
	return out, nil
}

func (s *recordingStore) history(id string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.states[id]...)
}

func newQueue(t *testing.T, cfg QueueConfig, store Store) (*Queue, chan Job) {
	t.Helper()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)
	if cfg.InstanceID == "" {
		cfg.InstanceID = "inst-1"
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 10 * time.Millisecond
	}
	q := NewQueue(cfg, runtime.NewRegistry(), store, sched, nil)
	terminal := make(chan Job, 16)
	q.OnTerminal(func(j Job) { terminal <- j })
	return q, terminal
}

func startPool(t *testing.T, q *Queue, backend sandbox.Backend, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewPool(q, backend, workers, nil).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, ch chan Job) Job {
	t.Helper()
	select {
	case j := <-ch:
		return j
	case <-time.After(3 * time.Second):
		t.Fatal("job did not reach a terminal state")
		return Job{}
	}
}

func TestSubmit_Validation(t *testing.T) {
	q, _ := newQueue(t, QueueConfig{MaxCodeBytes: 64 * 1024}, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"empty code", SubmitRequest{Code: "  ", Language: "python"}, ErrEmptyCode},
		{"too large", SubmitRequest{Code: strings.Repeat("x", 64*1024+1), Language: "python"}, ErrCodeTooLarge},
		{"unsupported language", SubmitRequest{Code: "x", Language: "cobol"}, ErrUnsupportedLanguage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	id, err := q.Submit(ctx, SubmitRequest{Code: strings.Repeat("x", 64*1024), Language: "py"})
	require.NoError(t, err)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "python", job.Language)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 3, job.MaxAttempts)
}

func TestScenarioA_PrintHi(t *testing.T) {
	store := newRecordingStore()
	q, terminal := newQueue(t, QueueConfig{}, store)
	backend := &fakeBackend{fn: func(_ context.Context, req sandbox.ExecutionRequest, _ int) (*sandbox.ExecutionResult, error) {
		if req.Language != "python" || req.Code != "print('hi')" {
			return nil, fmt.Errorf("%w: unexpected request", sandbox.ErrInvalidRequest)
		}
		return &sandbox.ExecutionResult{Status: sandbox.StatusOK, Stdout: "hi\n", ExitCode: 0}, nil
	}}
	startPool(t, q, backend, 2)

	id, err := q.Submit(context.Background(), SubmitRequest{Code: "print('hi')", Language: "python", SessionID: "room-1"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, StateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, 0, job.Result.ExitCode)
	assert.Equal(t, "hi\n", job.Result.Stdout)
	assert.Empty(t, job.Result.Stderr)
	assert.Equal(t, "room-1", job.SessionID)

	assert.Equal(t, []State{StatePending, StateActive, StateCompleted}, store.history(id))
}

func TestRuntimeErrorStillCompletes(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{}, nil)
	backend := &fakeBackend{fn: func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
		return &sandbox.ExecutionResult{Status: sandbox.StatusRuntimeError, Stderr: "Traceback", ExitCode: 1}, nil
	}}
	startPool(t, q, backend, 1)

	_, err := q.Submit(context.Background(), SubmitRequest{Code: "raise", Language: "python"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, sandbox.StatusRuntimeError, job.Result.Status)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestScenarioB_TimeoutWithinDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := sandbox.NewClient(sandbox.ClientConfig{
		BaseURL:        srv.URL,
		RunTimeout:     200 * time.Millisecond,
		CompileTimeout: 50 * time.Millisecond,
	}, runtime.NewRegistry(), srv.Client())

	store := newRecordingStore()
	q, terminal := newQueue(t, QueueConfig{DefaultTimeout: 200 * time.Millisecond}, store)
	startPool(t, q, client, 1)

	start := time.Now()
	id, err := q.Submit(context.Background(), SubmitRequest{Code: "while True: pass", Language: "python"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	elapsed := time.Since(start)
	assert.Equal(t, StateTimedOut, job.State)
	assert.Less(t, elapsed, 250*time.Millisecond+500*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.NotNil(t, job.Result)
	assert.Contains(t, job.Result.Stderr, "timed out")
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []State{StatePending, StateActive, StateTimedOut}, store.history(id))
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	store := newRecordingStore()
	q, terminal := newQueue(t, QueueConfig{}, store)
	backend := &fakeBackend{fn: func(_ context.Context, _ sandbox.ExecutionRequest, call int) (*sandbox.ExecutionResult, error) {
		if call < 3 {
			return nil, fmt.Errorf("%w: 502 Bad Gateway", sandbox.ErrUnavailable)
		}
		return &sandbox.ExecutionResult{Status: sandbox.StatusOK, Stdout: "ok"}, nil
	}}
	startPool(t, q, backend, 1)

	id, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Empty(t, job.Error)
	assert.Equal(t, []State{
		StatePending, StateActive, StatePending, StateActive, StatePending, StateActive, StateCompleted,
	}, store.history(id))
}

func TestRetry_ExhaustedFails(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{MaxAttempts: 3}, nil)
	backend := &fakeBackend{fn: func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
		return nil, fmt.Errorf("%w: connection refused", sandbox.ErrUnavailable)
	}}
	startPool(t, q, backend, 1)

	_, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 3, job.Attempts)
	assert.Contains(t, job.Error, "after 3 attempts")
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{}, nil)
	backend := &fakeBackend{fn: func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
		return nil, fmt.Errorf("%w: 400 Bad Request", sandbox.ErrInvalidRequest)
	}}
	startPool(t, q, backend, 1)

	_, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	job := waitTerminal(t, terminal)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestCancel(t *testing.T) {
	store := newRecordingStore()
	q, terminal := newQueue(t, QueueConfig{}, store)
	ctx := context.Background()

	id, err := q.Submit(ctx, SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)

	job, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, job.State)
	assert.Equal(t, StateCancelled, waitTerminal(t, terminal).State)

	_, err = q.Cancel(ctx, id)
	assert.ErrorIs(t, err, ErrNotCancellable)

	_, err = q.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	// A cancelled job is never claimed.
	backend := &fakeBackend{fn: ok("")}
	startPool(t, q, backend, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, backend.calls.Load())
	assert.Equal(t, []State{StatePending, StateCancelled}, store.history(id))
}

func TestCancel_ActiveJobNotCancellable(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{fn: func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
		close(started)
		<-release
		return &sandbox.ExecutionResult{Status: sandbox.StatusOK}, nil
	}}
	startPool(t, q, backend, 1)

	id, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)
	<-started

	_, err = q.Cancel(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotCancellable)
	close(release)
	assert.Equal(t, StateCompleted, waitTerminal(t, terminal).State)
}

func TestPriorityOrder(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{}, nil)
	ctx := context.Background()

	low, err := q.Submit(ctx, SubmitRequest{Code: "low", Language: "python", Priority: 0})
	require.NoError(t, err)
	high, err := q.Submit(ctx, SubmitRequest{Code: "high", Language: "python", Priority: 10})
	require.NoError(t, err)

	startPool(t, q, &fakeBackend{fn: ok("")}, 1)

	assert.Equal(t, high, waitTerminal(t, terminal).ID)
	assert.Equal(t, low, waitTerminal(t, terminal).ID)
}

func TestSubmit_StoreFailureSurfaced(t *testing.T) {
	store := newRecordingStore()
	store.saveErr = errors.New("redis down")
	q, _ := newQueue(t, QueueConfig{}, store)

	_, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	assert.ErrorIs(t, err, ErrInfrastructure)
	var je *JobError
	assert.ErrorAs(t, err, &je)
	assert.Zero(t, q.Len())
}

func TestSubmit_QueueFull(t *testing.T) {
	q, _ := newQueue(t, QueueConfig{Capacity: 2}, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := q.Submit(ctx, SubmitRequest{Code: "x", Language: "python"})
		require.NoError(t, err)
	}
	_, err := q.Submit(ctx, SubmitRequest{Code: "x", Language: "python"})
	assert.ErrorIs(t, err, ErrInfrastructure)
}

func TestGet_FallsBackToStore(t *testing.T) {
	store := newRecordingStore()
	require.NoError(t, store.Save(context.Background(), &Job{ID: "remote-1", Owner: "inst-2", State: StateCompleted}))
	q, _ := newQueue(t, QueueConfig{}, store)

	job, err := q.Get(context.Background(), "remote-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)

	_, err = q.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestRecover(t *testing.T) {
	store := newRecordingStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.Save(ctx, &Job{ID: "j-pending", Owner: "inst-1", Language: "python", Code: "a", State: StatePending, MaxAttempts: 3, CreatedAt: now}))
	require.NoError(t, store.Save(ctx, &Job{ID: "j-active", Owner: "inst-1", Language: "python", Code: "b", State: StateActive, Attempts: 1, MaxAttempts: 3, CreatedAt: now}))
	require.NoError(t, store.Save(ctx, &Job{ID: "j-other", Owner: "inst-2", Language: "python", Code: "c", State: StatePending, MaxAttempts: 3, CreatedAt: now}))

	q, terminal := newQueue(t, QueueConfig{InstanceID: "inst-1"}, store)
	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	startPool(t, q, &fakeBackend{fn: ok("done")}, 2)
	got := map[string]Job{}
	for i := 0; i < 2; i++ {
		j := waitTerminal(t, terminal)
		got[j.ID] = j
	}
	assert.Equal(t, StateCompleted, got["j-pending"].State)
	assert.Equal(t, StateCompleted, got["j-active"].State)
	assert.Equal(t, 2, got["j-active"].Attempts)
}

func TestReap(t *testing.T) {
	q, terminal := newQueue(t, QueueConfig{Retention: time.Minute}, nil)
	ctx := context.Background()
	id, err := q.Submit(ctx, SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)
	_, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	waitTerminal(t, terminal)

	assert.Zero(t, q.Reap())
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, q.Reap())
	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCloseStopsPool(t *testing.T) {
	q, _ := newQueue(t, QueueConfig{}, nil)
	done := make(chan error, 1)
	go func() { done <- NewPool(q, &fakeBackend{fn: ok("")}, 3, nil).Run(context.Background()) }()

	q.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after Close")
	}
	_, err := q.Submit(context.Background(), SubmitRequest{Code: "x", Language: "python"})
	assert.ErrorIs(t, err, ErrInfrastructure)
}

func TestCloseFailsPendingAndParkedJobs(t *testing.T) {
	store := newRecordingStore()
	q, terminal := newQueue(t, QueueConfig{BackoffBase: time.Hour}, store)
	ctx := context.Background()

	parkedID, err := q.Submit(ctx, SubmitRequest{Code: "x", Language: "python"})
	require.NoError(t, err)
	claimed, err := q.claim(ctx)
	require.NoError(t, err)
	require.Equal(t, parkedID, claimed.ID)
	q.retry(ctx, parkedID, sandbox.ErrUnavailable)

	queuedID, err := q.Submit(ctx, SubmitRequest{Code: "y", Language: "python"})
	require.NoError(t, err)

	q.Close()

	got := map[string]Job{}
	for range 2 {
		job := waitTerminal(t, terminal)
		got[job.ID] = job
	}
	for _, id := range []string{parkedID, queuedID} {
		job, ok := got[id]
		require.True(t, ok, "no terminal event for %s", id)
		assert.Equal(t, StateFailed, job.State)
		assert.Contains(t, job.Error, ErrQueueClosed.Error())
		assert.NotNil(t, job.CompletedAt)

		history := store.history(id)
		assert.Equal(t, StateFailed, history[len(history)-1])

		stored, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.State.Terminal())
	}
	assert.Equal(t, 0, q.waiting)
}

func TestExecuteSync(t *testing.T) {
	registry := runtime.NewRegistry()

	tests := []struct {
		name       string
		fn         func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error)
		wantStatus sandbox.Status
		wantErr    error
	}{
		{"ok", ok("hi\n"), sandbox.StatusOK, nil},
		{"compile error is a result", func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
			return &sandbox.ExecutionResult{Status: sandbox.StatusCompileError, ExitCode: 1}, nil
		}, sandbox.StatusCompileError, nil},
		{"timeout is a result", func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
			return &sandbox.ExecutionResult{Status: sandbox.StatusTimeout, ExitCode: -1}, sandbox.ErrTimeout
		}, sandbox.StatusTimeout, nil},
		{"unavailable", func(context.Context, sandbox.ExecutionRequest, int) (*sandbox.ExecutionResult, error) {
			return nil, fmt.Errorf("%w: 503", sandbox.ErrUnavailable)
		}, "", ErrInfrastructure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(&fakeBackend{fn: tt.fn}, registry, 0)
			res, err := e.ExecuteSync(context.Background(), SubmitRequest{Code: "x", Language: "go"})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
		})
	}

	_, err := NewExecutor(&fakeBackend{fn: ok("")}, registry, 4).ExecuteSync(context.Background(), SubmitRequest{Code: "12345", Language: "go"})
	assert.ErrorIs(t, err, ErrCodeTooLarge)
}
