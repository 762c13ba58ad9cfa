// Package sandbox runs submitted code against test cases in a disposable,
// timeout-bounded execution context.
//
// Every invocation gets a fresh interpreter and its own console log; nothing
// survives between calls. Failures are always reported inside Result, never
// as a Go error, so a hostile submission cannot take the caller down with it.
//
// With IsolationProcess each invocation runs in a child process under an
// address-space limit. Exhausting it kills the child, not the server.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Error classifications reported in Result.ErrorType.
const (
	ErrorTypeCompilation = "compilation"
	ErrorTypeExecution   = "execution"
	ErrorTypeTimeout     = "timeout"
	ErrorTypeSecurity    = "security"
)

// Messages surfaced to callers. SecurityMessage is deliberately fixed so the
// blocklist cannot be mapped out through it.
const (
	TimeoutMessage     = "timeout"
	SecurityMessage    = "Code contains restricted operations and cannot be executed."
	CancelledMessage   = "execution cancelled"
	MemoryLimitMessage = "memory limit exceeded"
	InternalMessage    = "internal sandbox error"
)

// Isolation modes.
const (
	// IsolationInProcess runs the interpreter inside the calling process.
	// Memory is unbounded, so it is only fit for tests and trusted code.
	IsolationInProcess = "inprocess"
	// IsolationProcess runs every invocation in a child process.
	IsolationProcess = "process"
)

// RuntimeJavaScript is the canonical name of the embedded JavaScript runtime.
const RuntimeJavaScript = "javascript"

var entryFunctionPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// TestCase is one call of the entry function. Args must be a JSON array.
type TestCase struct {
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Expected json.RawMessage `json:"expected"`
	Hidden   bool            `json:"hidden"`
}

// Request is a single sandbox invocation.
type Request struct {
	Code          string     `json:"code"`
	EntryFunction string     `json:"entry_function"`
	TestCases     []TestCase `json:"test_cases"`
	TimeoutMs     int        `json:"timeout_ms"`
	Runtime       string     `json:"runtime"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Name            string          `json:"name"`
	Passed          bool            `json:"passed"`
	Hidden          bool            `json:"hidden"`
	Input           json.RawMessage `json:"input,omitempty"`
	Expected        json.RawMessage `json:"expected,omitempty"`
	Actual          json.RawMessage `json:"actual,omitempty"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
	ConsoleLogs     []string        `json:"console_logs"`

	// LogOffset is the index of ConsoleLogs[0] in Result.ConsoleLogs.
	LogOffset int `json:"-"`
}

// Result is the structured outcome of an invocation.
type Result struct {
	TestResults      []TestResult `json:"test_results"`
	OverallPassed    bool         `json:"overall_passed"`
	TotalTestsPassed int          `json:"total_tests_passed"`
	TotalTests       int          `json:"total_tests"`
	ConsoleLogs      []string     `json:"console_logs"`
	ExecutionError   string       `json:"execution_error,omitempty"`
	CompilationError string       `json:"compilation_error,omitempty"`
	ErrorType        string       `json:"error_type,omitempty"`
}

// RunResult is the run-tier view: visible cases only.
// TotalTests still counts every case of the suite, hidden ones included.
type RunResult struct {
	Result
	VisiblePassed  int  `json:"visible_passed"`
	VisibleTotal   int  `json:"visible_total"`
	HasHiddenTests bool `json:"has_hidden_tests"`
}

// Options tunes resource bounds.
type Options struct {
	DefaultTimeout   time.Duration
	MaxTimeout       time.Duration
	MaxConcurrency   int64
	MaxLogLines      int
	MaxLogLineBytes  int
	MaxCallStackSize int

	// Isolation is IsolationInProcess (the zero value) or IsolationProcess.
	Isolation string
	// MemoryLimitMB bounds the heap a child process may add on top of
	// what it uses at startup.
	MemoryLimitMB int
	// RunnerPath is the binary started for IsolationProcess. Empty means
	// the current executable, which must call ServeIfChild first thing.
	RunnerPath string
}

// DefaultOptions returns conservative limits.
func DefaultOptions() Options {
	return Options{
		DefaultTimeout:   3 * time.Second,
		MaxTimeout:       10 * time.Second,
		MaxConcurrency:   8,
		MaxLogLines:      500,
		MaxLogLineBytes:  2048,
		MaxCallStackSize: 2048,
		Isolation:        IsolationInProcess,
		MemoryLimitMB:    256,
	}
}

// Sandbox executes code submissions. It is safe for concurrent use.
type Sandbox struct {
	opts     Options
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	log      zerolog.Logger
}

// New creates a Sandbox. Zero-valued options fall back to DefaultOptions.
func New(opts Options, log zerolog.Logger) *Sandbox {
	def := DefaultOptions()
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = def.MaxTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = def.MaxConcurrency
	}
	if opts.MaxLogLines <= 0 {
		opts.MaxLogLines = def.MaxLogLines
	}
	if opts.MaxLogLineBytes <= 0 {
		opts.MaxLogLineBytes = def.MaxLogLineBytes
	}
	if opts.MaxCallStackSize <= 0 {
		opts.MaxCallStackSize = def.MaxCallStackSize
	}
	switch opts.Isolation {
	case "":
		opts.Isolation = def.Isolation
	case IsolationInProcess, IsolationProcess:
	default:
		// Unknown modes fail closed.
		opts.Isolation = IsolationProcess
	}
	if opts.MemoryLimitMB <= 0 {
		opts.MemoryLimitMB = def.MemoryLimitMB
	}
	return &Sandbox{
		opts: opts,
		sem:  semaphore.NewWeighted(opts.MaxConcurrency),
		log:  log.With().Str("component", "sandbox").Logger(),
	}
}

// Submit executes every test case, hidden ones included.
func (s *Sandbox) Submit(ctx context.Context, req Request) Result {
	return s.Execute(ctx, req)
}

// Run executes only the visible test cases.
func (s *Sandbox) Run(ctx context.Context, req Request) RunResult {
	visible := make([]TestCase, 0, len(req.TestCases))
	for _, tc := range req.TestCases {
		if !tc.Hidden {
			visible = append(visible, tc)
		}
	}
	total := len(req.TestCases)
	req.TestCases = visible

	res := s.Execute(ctx, req)
	res.TotalTests = total

	return RunResult{
		Result:         res,
		VisiblePassed:  res.TotalTestsPassed,
		VisibleTotal:   len(visible),
		HasHiddenTests: len(visible) < total,
	}
}

// InFlight returns the number of executions holding a slot. A timed-out
// execution keeps its slot until the interrupted VM returns.
func (s *Sandbox) InFlight() int64 {
	return s.inFlight.Load()
}

// Execute runs req in a fresh execution context and always returns a Result.
func (s *Sandbox) Execute(ctx context.Context, req Request) Result {
	total := len(req.TestCases)

	if _, ok := normalizeRuntime(req.Runtime); !ok {
		return failed(total, ErrorTypeExecution, fmt.Sprintf("unsupported runtime %q", req.Runtime))
	}
	if !entryFunctionPattern.MatchString(req.EntryFunction) {
		return failed(total, ErrorTypeExecution, "invalid entry function name")
	}
	if strings.TrimSpace(req.Code) == "" {
		return Result{
			TestResults:      []TestResult{},
			TotalTests:       total,
			ConsoleLogs:      []string{},
			CompilationError: "no code submitted",
			ErrorType:        ErrorTypeCompilation,
		}
	}
	if rule, blocked := Screen(req.Code); blocked {
		s.log.Warn().Str("rule", rule).Msg("Submission rejected by static screening")
		return failed(total, ErrorTypeSecurity, SecurityMessage)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return failed(total, ErrorTypeExecution, CancelledMessage)
	}
	s.inFlight.Add(1)

	timeout := s.timeoutFor(req.TimeoutMs)
	if s.opts.Isolation == IsolationProcess {
		defer func() {
			s.inFlight.Add(-1)
			s.sem.Release(1)
		}()
		return s.executeInChild(ctx, req, timeout)
	}
	return s.executeInProcess(ctx, req, timeout, func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	})
}

// executeInProcess runs req on a goja VM in this process. release is called
// once the VM has returned, which for an interrupted VM may be after the
// result has been handed back.
func (s *Sandbox) executeInProcess(ctx context.Context, req Request, timeout time.Duration, release func()) Result {
	total := len(req.TestCases)
	ex := newExecution(NewLog(s.opts.MaxLogLines, s.opts.MaxLogLineBytes))
	vm := newJSContext(s.opts.MaxCallStackSize)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Interface("panic", r).Msg("Sandbox harness panicked")
				ex.setExecutionError(InternalMessage)
			}
		}()
		vm.run(req, ex)
	}()
	if release != nil {
		go func() {
			<-done
			release()
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		vm.interrupt(errTimedOut)
		ex.terminate(ErrorTypeTimeout, TimeoutMessage)
		s.log.Debug().Dur("timeout", timeout).Msg("Execution timed out")
	case <-ctx.Done():
		vm.interrupt(ctx.Err())
		ex.terminate(ErrorTypeExecution, CancelledMessage)
	}

	return ex.result(total)
}

func (s *Sandbox) timeoutFor(ms int) time.Duration {
	if ms <= 0 {
		return s.opts.DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	if d > s.opts.MaxTimeout {
		return s.opts.MaxTimeout
	}
	return d
}

func normalizeRuntime(name string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "javascript", "js", "node", "nodejs":
		return RuntimeJavaScript, true
	}
	return "", false
}

func failed(total int, errorType, msg string) Result {
	return Result{
		TestResults:    []TestResult{},
		TotalTests:     total,
		ConsoleLogs:    []string{},
		ExecutionError: msg,
		ErrorType:      errorType,
	}
}

var errTimedOut = errors.New(TimeoutMessage)
