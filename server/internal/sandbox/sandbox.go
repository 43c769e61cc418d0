package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LanguagePython is the only supported language.
const LanguagePython = "python"

// UncaughtMarker is written to stderr by the launcher right before the
// traceback of an exception raised by caller code.
const UncaughtMarker = "[sandbox] uncaught exception"

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// ExecutionRequest is a snippet to run.
type ExecutionRequest struct {
	Code           string `json:"code"`
	Language       string `json:"language"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryLimitMB  int    `json:"memory_limit_mb"`
}

// ExecutionResult is the outcome of one request. Every request yields exactly
// one result.
type ExecutionResult struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TimedOut        bool   `json:"timed_out"`
	Error           string `json:"error,omitempty"`
	Truncated       bool   `json:"truncated,omitempty"`
}

// Sandbox executes requests on a Runner under the current Policy.
type Sandbox struct {
	runner Runner
	policy atomic.Pointer[Policy]
	log    *zap.Logger
}

func New(runner Runner, policy *Policy, log *zap.Logger) *Sandbox {
	if policy == nil {
		policy = Default()
	}
	s := &Sandbox{runner: runner, log: log}
	s.policy.Store(policy)
	return s
}

// Policy returns the policy in effect.
func (s *Sandbox) Policy() *Policy { return s.policy.Load() }

// RunnerName identifies where code runs ("process", "docker").
func (s *Sandbox) RunnerName() string { return s.runner.Name() }

// SetPolicy replaces the policy for subsequent runs.
func (s *Sandbox) SetPolicy(p *Policy) { s.policy.Store(p) }

// Run executes req and returns its result. It never fails: orchestration
// problems are reported as a result with ExitCode -1 and Error set.
func (s *Sandbox) Run(ctx context.Context, req ExecutionRequest, obs Observer) (result ExecutionResult) {
	start := time.Now()
	policy := s.Policy()
	req = policy.Normalize(req)

	log := s.log.With(
		zap.String("runner", s.runner.Name()),
		zap.Int("timeout_seconds", req.TimeoutSeconds),
		zap.Int("memory_limit_mb", req.MemoryLimitMB),
	)

	defer func() {
		if p := recover(); p != nil {
			log.Error("sandbox panic", zap.Any("panic", p), zap.Stack("stack"))
			result = failed(fmt.Errorf("internal error: %v", p))
		}
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
		log.Info("execution finished",
			zap.Int("exit_code", result.ExitCode),
			zap.Bool("timed_out", result.TimedOut),
			zap.Int64("elapsed_ms", result.ExecutionTimeMS),
			zap.String("error", result.Error),
		)
	}()

	if req.Language != LanguagePython {
		return failed(fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language))
	}

	program, err := renderLauncher(req, policy)
	if err != nil {
		return failed(fmt.Errorf("build launcher: %w", err))
	}

	stdout := newCappedWriter(StreamStdout, policy.MaxStdoutBytes, obs)
	stderr := newCappedWriter(StreamStderr, policy.MaxStderrBytes, obs)

	outcome, err := s.runner.Exec(ctx, Job{
		Program:   program,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		MemoryMB:  req.MemoryLimitMB,
		CPUSecs:   req.TimeoutSeconds + 1,
		OpenFiles: policy.OpenFiles,
		Stdout:    stdout,
		Stderr:    stderr,
	})
	if err != nil {
		log.Warn("sandbox run failed", zap.Error(err))
		return failed(err)
	}

	result = ExecutionResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  outcome.ExitCode,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	switch {
	case outcome.TimedOut:
		result.TimedOut = true
		result.ExitCode = -1
		result.Error = "timeout"
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("Execution timed out after %d seconds", req.TimeoutSeconds))
	case outcome.Cancelled:
		result.ExitCode = -1
		result.Error = "cancelled"
	default:
		result.Error = classify(result.Stderr, outcome)
	}
	return result
}

// classify explains a non-zero exit. With the marker present the caller's
// code raised, and the final traceback line names the exception.
func classify(stderr string, outcome Outcome) string {
	if _, tail, ok := strings.Cut(stderr, UncaughtMarker); ok {
		if line := lastLine(tail); line != "" {
			return line
		}
		return "uncaught exception"
	}
	switch {
	case outcome.Signal != "":
		return fmt.Sprintf("sandbox process killed by signal %s", outcome.Signal)
	case outcome.ExitCode != 0:
		return fmt.Sprintf("sandbox exited with status %d", outcome.ExitCode)
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func appendLine(s, line string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + line
}

func failed(err error) ExecutionResult {
	return ExecutionResult{
		Stderr:   err.Error(),
		ExitCode: -1,
		Error:    err.Error(),
	}
}
