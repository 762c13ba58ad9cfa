package sandbox

import (
	"sync"
	"unicode/utf8"
)

// Log is the append-only console buffer of one execution context.
// Test cases slice it by index range. Once sealed, appends are dropped:
// output produced after a timeout never reaches the caller.
type Log struct {
	mu        sync.Mutex
	lines     []string
	sealed    bool
	maxLines  int
	maxBytes  int
	truncated bool
}

// NewLog creates a Log holding at most maxLines lines of at most maxBytes each.
func NewLog(maxLines, maxBytes int) *Log {
	return &Log{maxLines: maxLines, maxBytes: maxBytes}
}

// Append adds a line unless the log is sealed or full.
func (l *Log) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return
	}
	if l.maxLines > 0 && len(l.lines) >= l.maxLines {
		if !l.truncated {
			l.truncated = true
			l.lines = append(l.lines, "[console output truncated]")
		}
		return
	}
	if l.maxBytes > 0 && len(line) > l.maxBytes {
		cut := l.maxBytes
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "…"
	}
	l.lines = append(l.lines, line)
}

// Len returns the number of lines appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

// Slice copies lines [from, to).
func (l *Log) Slice(from, to int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if to > len(l.lines) {
		to = len(l.lines)
	}
	if from < 0 {
		from = 0
	}
	if from >= to {
		return []string{}
	}
	out := make([]string, to-from)
	copy(out, l.lines[from:to])
	return out
}

// Lines copies the whole log.
func (l *Log) Lines() []string {
	return l.Slice(0, l.Len())
}

// Seal stops accepting lines.
func (l *Log) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// execution collects what the harness produces. It is written by the harness
// goroutine and read by the caller, possibly after termination.
type execution struct {
	mu               sync.Mutex
	log              *Log
	results          []TestResult
	terminated       bool
	compilationError string
	executionError   string
	errorType        string
}

func newExecution(log *Log) *execution {
	return &execution{log: log}
}

func (e *execution) addResult(r TestResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.results = append(e.results, r)
}

func (e *execution) setCompilationError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.compilationError = msg
	e.errorType = ErrorTypeCompilation
}

func (e *execution) setExecutionError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.executionError = msg
	e.errorType = ErrorTypeExecution
}

// terminate freezes the execution; whatever the harness does afterwards is discarded.
func (e *execution) terminate(errorType, msg string) {
	e.log.Seal()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminated {
		return
	}
	e.terminated = true
	e.executionError = msg
	e.errorType = errorType
}

func (e *execution) result(total int) Result {
	logs := e.log.Lines()

	e.mu.Lock()
	defer e.mu.Unlock()

	res := Result{
		TestResults:      []TestResult{},
		TotalTests:       total,
		ConsoleLogs:      logs,
		CompilationError: e.compilationError,
		ExecutionError:   e.executionError,
		ErrorType:        e.errorType,
	}

	// A failure to load the code, or an error thrown outside any test call,
	// means no test ran.
	if e.compilationError != "" || (e.executionError != "" && !e.terminated) {
		return res
	}

	res.TestResults = append(res.TestResults, e.results...)
	for _, r := range e.results {
		if r.Passed {
			res.TotalTestsPassed++
		}
	}
	res.OverallPassed = !e.terminated && total > 0 && res.TotalTestsPassed == total
	return res
}
