package sandbox

import "time"

// Status classifies a finished execution. A failing program is still a
// successful pipeline run; only the status says how the program behaved.
type Status string

const (
	StatusOK           Status = "ok"
	StatusCompileError Status = "compile_error"
	StatusRuntimeError Status = "runtime_error"
	StatusTimeout      Status = "timeout"
)

type ExecutionRequest struct {
	Code           string        `json:"code"`
	Language       string        `json:"language"`
	Stdin          string        `json:"stdin,omitempty"`
	RunTimeout     time.Duration `json:"run_timeout"`
	CompileTimeout time.Duration `json:"compile_timeout"`
}

// StageResult is the raw outcome of one sandbox stage (compile or run).
type StageResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}

type ExecutionResult struct {
	ID        string        `json:"id"`
	Status    Status        `json:"status"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
	CodeHash  string        `json:"code_hash"`
	Compile   *StageResult  `json:"compile,omitempty"`
}

// Failed reports whether the program itself failed (compile or runtime error,
// or timeout).
func (r *ExecutionResult) Failed() bool {
	return r.Status != StatusOK
}
