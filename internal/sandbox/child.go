package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// childEnv marks a process started as a sandbox runner.
const childEnv = "EXSTEM_SANDBOX_CHILD"

const (
	// childGrace covers process start-up on top of the execution timeout.
	// The child enforces the timeout itself; the parent only kills a child
	// that stopped answering.
	childGrace           = time.Second
	childStdoutMaxBytes  = 8 << 20
	childStderrMaxBytes  = 64 << 10
	childGCLimitFraction = 0.8
)

// childRequest is written to the runner's stdin.
type childRequest struct {
	Request          Request `json:"request"`
	TimeoutMs        int64   `json:"timeout_ms"`
	MemoryLimitMB    int     `json:"memory_limit_mb"`
	MaxLogLines      int     `json:"max_log_lines"`
	MaxLogLineBytes  int     `json:"max_log_line_bytes"`
	MaxCallStackSize int     `json:"max_call_stack_size"`
}

// childResponse is read from the runner's stdout. LogOffsets carries the
// per-test offsets that Result does not serialise.
type childResponse struct {
	Result     Result `json:"result"`
	LogOffsets []int  `json:"log_offsets"`
}

// ServeIfChild turns the process into a sandbox runner when it was started
// as one, and exits. Otherwise it returns immediately. Binaries that run with
// IsolationProcess and an empty RunnerPath must call it before anything else.
func ServeIfChild() {
	if os.Getenv(childEnv) != "1" {
		return
	}
	os.Exit(serveChild(os.Stdin, os.Stdout, os.Stderr))
}

func serveChild(in io.Reader, out, errOut io.Writer) int {
	var req childRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		fmt.Fprintf(errOut, "decode request: %v\n", err)
		return 1
	}
	if req.MemoryLimitMB > 0 {
		limit := int64(req.MemoryLimitMB) << 20
		debug.SetMemoryLimit(int64(float64(limit) * childGCLimitFraction))
		if err := limitAddressSpace(uint64(limit)); err != nil {
			fmt.Fprintf(errOut, "limit address space: %v\n", err)
			return 1
		}
	}

	sb := New(Options{
		MaxLogLines:      req.MaxLogLines,
		MaxLogLineBytes:  req.MaxLogLineBytes,
		MaxCallStackSize: req.MaxCallStackSize,
		Isolation:        IsolationInProcess,
	}, zerolog.New(errOut))
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res := sb.executeInProcess(context.Background(), req.Request, timeout, nil)

	resp := childResponse{Result: res, LogOffsets: make([]int, len(res.TestResults))}
	for i, tr := range res.TestResults {
		resp.LogOffsets[i] = tr.LogOffset
	}
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		fmt.Fprintf(errOut, "encode result: %v\n", err)
		return 1
	}
	return 0
}

// executeInChild runs req in a fresh runner process and maps whatever
// happens to it onto a Result.
func (s *Sandbox) executeInChild(ctx context.Context, req Request, timeout time.Duration) Result {
	total := len(req.TestCases)

	path := s.opts.RunnerPath
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			s.log.Error().Err(err).Msg("Cannot locate sandbox runner")
			return failed(total, ErrorTypeExecution, InternalMessage)
		}
		path = exe
	}

	payload, err := json.Marshal(childRequest{
		Request:          req,
		TimeoutMs:        timeout.Milliseconds(),
		MemoryLimitMB:    s.opts.MemoryLimitMB,
		MaxLogLines:      s.opts.MaxLogLines,
		MaxLogLineBytes:  s.opts.MaxLogLineBytes,
		MaxCallStackSize: s.opts.MaxCallStackSize,
	})
	if err != nil {
		return failed(total, ErrorTypeExecution, InternalMessage)
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), childEnv+"=1", "GOMAXPROCS=2")
	cmd.SysProcAttr = childProcAttr()
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &cappedBuffer{max: childStdoutMaxBytes}
	stderr := &cappedBuffer{max: childStderrMaxBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Str("runner", path).Msg("Failed to start sandbox runner")
		return failed(total, ErrorTypeExecution, InternalMessage)
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	timer := time.NewTimer(timeout + childGrace)
	defer timer.Stop()

	select {
	case err := <-waited:
		return s.childResult(total, stdout, stderr, err)
	case <-timer.C:
		killChild(cmd)
		<-waited
		s.log.Warn().Dur("timeout", timeout).Msg("Sandbox runner unresponsive, killed")
		return failed(total, ErrorTypeTimeout, TimeoutMessage)
	case <-ctx.Done():
		killChild(cmd)
		<-waited
		return failed(total, ErrorTypeExecution, CancelledMessage)
	}
}

func (s *Sandbox) childResult(total int, stdout, stderr *cappedBuffer, waitErr error) Result {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && outOfMemory(exitErr.ProcessState, stderr.String()) {
			s.log.Warn().Msg("Sandbox runner exceeded its memory limit")
			return failed(total, ErrorTypeExecution, MemoryLimitMessage)
		}
		s.log.Error().Err(waitErr).Str("stderr", stderr.String()).Msg("Sandbox runner failed")
		return failed(total, ErrorTypeExecution, InternalMessage)
	}
	if stdout.overflow {
		s.log.Error().Msg("Sandbox runner output exceeded its cap")
		return failed(total, ErrorTypeExecution, InternalMessage)
	}

	var resp childResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		s.log.Error().Err(err).Msg("Malformed sandbox runner output")
		return failed(total, ErrorTypeExecution, InternalMessage)
	}
	res := resp.Result
	for i := range res.TestResults {
		if i < len(resp.LogOffsets) {
			res.TestResults[i].LogOffset = resp.LogOffsets[i]
		}
	}
	if res.TestResults == nil {
		res.TestResults = []TestResult{}
	}
	if res.ConsoleLogs == nil {
		res.ConsoleLogs = []string{}
	}
	return res
}

// outOfMemory reports whether the runner died from allocation failure: the
// Go runtime aborts with an out of memory fatal error once the address-space
// limit is hit, and the kernel OOM killer sends SIGKILL.
func outOfMemory(state *os.ProcessState, stderr string) bool {
	if strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory") {
		return true
	}
	return killedByKernel(state)
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	max      int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room < len(p) {
		b.overflow = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
