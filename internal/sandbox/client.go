package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"codepair/internal/monitor"
	"codepair/internal/runtime"
)

const executePath = "/api/v2/execute"

// ClientConfig holds limits applied to every call.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	RunTimeout     time.Duration
	CompileTimeout time.Duration
	MaxOutputBytes int
	MaxCodeBytes   int
}

// Client talks to a Piston-compatible sandbox execution service.
type Client struct {
	cfg      ClientConfig
	runtimes *runtime.Registry
	http     *http.Client
	tracer   *monitor.Tracer

	mu     sync.Mutex
	closed bool
}

// NewClient creates a sandbox client. A nil httpClient uses http.DefaultClient.
func NewClient(cfg ClientConfig, runtimes *runtime.Registry, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 10 * time.Second
	}
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	if cfg.MaxCodeBytes == 0 {
		cfg.MaxCodeBytes = 64 * 1024
	}
	return &Client{
		cfg:      cfg,
		runtimes: runtimes,
		http:     httpClient,
		tracer:   monitor.NewTracer(),
	}
}

type pistonFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type pistonRequest struct {
	Language       string       `json:"language"`
	Version        string       `json:"version"`
	Files          []pistonFile `json:"files"`
	Stdin          string       `json:"stdin"`
	CompileTimeout int64        `json:"compile_timeout,omitempty"`
	RunTimeout     int64        `json:"run_timeout"`
}

type pistonStage struct {
	Stdout string  `json:"stdout"`
	Stderr string  `json:"stderr"`
	Code   *int    `json:"code"`
	Signal *string `json:"signal"`
}

type pistonResponse struct {
	Language string       `json:"language"`
	Version  string       `json:"version"`
	Run      pistonStage  `json:"run"`
	Compile  *pistonStage `json:"compile,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// Execute sends the code to the sandbox under a hard wall-clock deadline of
// run timeout plus compile buffer. On timeout the in-flight call is cancelled
// and a timeout result is returned together with ErrTimeout.
func (c *Client) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("language", req.Language).
		Str("code_hash", codeHash[:16]).
		Logger()

	if err := c.validateRequest(req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}
	rt, err := c.runtimes.Get(req.Language)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)}
	}

	runTimeout := req.RunTimeout
	if runTimeout <= 0 {
		runTimeout = c.cfg.RunTimeout
	}
	compileTimeout := req.CompileTimeout
	if compileTimeout <= 0 {
		compileTimeout = c.cfg.CompileTimeout
	}
	deadline := runTimeout + compileTimeout

	ctx, span := c.tracer.StartExecution(ctx, execID, rt.Name(), codeHash)
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(pistonRequest{
		Language:       rt.Name(),
		Version:        rt.Version(),
		Files:          []pistonFile{{Name: rt.FileName(), Content: req.Code}},
		Stdin:          req.Stdin,
		CompileTimeout: compileTimeout.Milliseconds(),
		RunTimeout:     runTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "encode", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(execCtx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", c.cfg.APIKey)
	}

	logger.Debug().Dur("deadline", deadline).Msg("sandbox execution requested")
	start := time.Now()

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn().Dur("deadline", deadline).Msg("sandbox call timed out")
			span.SetStatus(codes.Error, "timeout")
			return c.timeoutResult(execID, codeHash, runTimeout, time.Since(start)), ErrTimeout
		}
		span.RecordError(err)
		return nil, &ExecutionError{ExecID: execID, Op: "sandbox_call", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		span.SetStatus(codes.Error, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, &ExecutionError{ExecID: execID, Op: "sandbox_call", Err: fmt.Errorf("%w: %s: %s", ErrInvalidRequest, resp.Status, strings.TrimSpace(string(msg)))}
		}
		return nil, &ExecutionError{ExecID: execID, Op: "sandbox_call", Err: fmt.Errorf("%w: %s", ErrUnavailable, resp.Status)}
	}

	var pr pistonResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return c.timeoutResult(execID, codeHash, runTimeout, time.Since(start)), ErrTimeout
		}
		return nil, &ExecutionError{ExecID: execID, Op: "decode", Err: fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}

	result := c.classify(execID, codeHash, pr, runTimeout)
	result.Duration = time.Since(start)

	span.SetAttributes(monitor.AttrExitCode.Int(result.ExitCode), monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()))
	logger.Info().
		Str("status", string(result.Status)).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("sandbox execution completed")

	if result.Status == StatusTimeout {
		return result, ErrTimeout
	}
	return result, nil
}

// classify turns the raw sandbox stages into a result. A failed compile stage
// short-circuits: the run stage is ignored.
func (c *Client) classify(execID, codeHash string, pr pistonResponse, runTimeout time.Duration) *ExecutionResult {
	result := &ExecutionResult{ID: execID, CodeHash: codeHash}

	if pr.Compile != nil {
		compile := toStage(*pr.Compile)
		result.Compile = &compile
		if compile.ExitCode != 0 {
			result.Status = StatusCompileError
			c.fill(result, compile.Stdout, compile.Stderr)
			result.ExitCode = compile.ExitCode
			return result
		}
	}

	run := toStage(pr.Run)
	result.ExitCode = run.ExitCode
	stderr := run.Stderr

	switch {
	case run.Signal == "SIGKILL" && pr.Run.Code == nil:
		// The sandbox kills the process when run_timeout elapses. The notice
		// goes in before truncation so the cap still holds.
		result.Status = StatusTimeout
		result.ExitCode = -1
		stderr = appendLine(stderr, timeoutMessage(runTimeout))
	case run.ExitCode != 0 || run.Stderr != "":
		result.Status = StatusRuntimeError
	default:
		result.Status = StatusOK
	}
	c.fill(result, run.Stdout, stderr)
	return result
}

func (c *Client) fill(result *ExecutionResult, stdout, stderr string) {
	var outCut, errCut bool
	result.Stdout, outCut = Truncate(stdout, c.cfg.MaxOutputBytes)
	result.Stderr, errCut = Truncate(stderr, c.cfg.MaxOutputBytes)
	result.Truncated = outCut || errCut
}

func (c *Client) timeoutResult(execID, codeHash string, runTimeout, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		ID:       execID,
		Status:   StatusTimeout,
		Stderr:   timeoutMessage(runTimeout),
		ExitCode: -1,
		Duration: elapsed,
		CodeHash: codeHash,
	}
}

func (c *Client) validateRequest(req ExecutionRequest) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: client closed", ErrUnavailable)
	}
	if strings.TrimSpace(req.Code) == "" {
		return fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(req.Code) > c.cfg.MaxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, c.cfg.MaxCodeBytes)
	}
	if !c.runtimes.Supports(req.Language) {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)
	}
	return nil
}

// Close marks the client closed; later calls fail as unavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.http.CloseIdleConnections()
	return nil
}

func toStage(s pistonStage) StageResult {
	st := StageResult{Stdout: s.Stdout, Stderr: s.Stderr}
	if s.Code != nil {
		st.ExitCode = *s.Code
	}
	if s.Signal != nil {
		st.Signal = *s.Signal
		if s.Code == nil {
			st.ExitCode = -1
		}
	}
	return st
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Execution timed out after %s", d)
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
