package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestSandbox() *Sandbox {
	return New(Options{DefaultTimeout: time.Second, MaxTimeout: 2 * time.Second}, zerolog.Nop())
}

func tc(name, args, expected string, hidden bool) TestCase {
	return TestCase{Name: name, Args: json.RawMessage(args), Expected: json.RawMessage(expected), Hidden: hidden}
}

func TestExecuteAddPasses(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          "function add(a, b) { return a + b }",
		EntryFunction: "add",
		TestCases:     []TestCase{tc("adds", "[1,2]", "3", false)},
		Runtime:       "javascript",
	})

	if res.ExecutionError != "" || res.CompilationError != "" {
		t.Fatalf("unexpected error: exec=%q compile=%q", res.ExecutionError, res.CompilationError)
	}
	if len(res.TestResults) != 1 || !res.TestResults[0].Passed {
		t.Fatalf("expected one passing result, got %+v", res.TestResults)
	}
	if res.TotalTestsPassed != 1 || res.TotalTests != 1 || !res.OverallPassed {
		t.Fatalf("unexpected aggregate: passed=%d total=%d overall=%v", res.TotalTestsPassed, res.TotalTests, res.OverallPassed)
	}
}

func TestExecuteDeepEquality(t *testing.T) {
	sb := newTestSandbox()
	code := `
const pair = (a, b) => ({ second: b, first: a, list: [a, b] });
`
	res := sb.Execute(context.Background(), Request{
		Code:          code,
		EntryFunction: "pair",
		TestCases: []TestCase{
			tc("key order ignored", `[1,"x"]`, `{"first":1,"list":[1,"x"],"second":"x"}`, false),
			tc("mismatch", `[2,"y"]`, `{"first":2,"list":[2],"second":"y"}`, false),
		},
	})

	if len(res.TestResults) != 2 {
		t.Fatalf("expected 2 results, got %d (%s)", len(res.TestResults), res.ExecutionError)
	}
	if !res.TestResults[0].Passed {
		t.Fatalf("expected structural match, actual=%s", res.TestResults[0].Actual)
	}
	if res.TestResults[1].Passed || res.TestResults[1].Error != "" {
		t.Fatalf("expected plain mismatch without error, got %+v", res.TestResults[1])
	}
	if res.OverallPassed {
		t.Fatal("expected overall failure")
	}
}

func TestExecuteThrownErrorDistinctFromMismatch(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          `function check(n) { if (n < 0) { throw new RangeError("negative") } return n }`,
		EntryFunction: "check",
		TestCases: []TestCase{
			tc("throws", "[-1]", "-1", false),
			tc("wrong", "[1]", "2", false),
		},
	})

	if got := res.TestResults[0].Error; !strings.Contains(got, "negative") {
		t.Fatalf("expected thrown message, got %q", got)
	}
	if res.TestResults[1].Error != "" || string(res.TestResults[1].Actual) != "1" {
		t.Fatalf("expected mismatch with actual=1, got %+v", res.TestResults[1])
	}
}

func TestExecuteSecurityRejection(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          `function run(x) { return eval(x) }`,
		EntryFunction: "run",
		TestCases:     []TestCase{tc("t", `["1+1"]`, "2", false)},
	})

	if res.ErrorType != ErrorTypeSecurity {
		t.Fatalf("expected security classification, got %q", res.ErrorType)
	}
	if res.ExecutionError != SecurityMessage {
		t.Fatalf("expected generic message, got %q", res.ExecutionError)
	}
	if strings.Contains(res.ExecutionError, "eval") {
		t.Fatal("message leaks the matched pattern")
	}
	if len(res.TestResults) != 0 {
		t.Fatalf("expected zero executed tests, got %d", len(res.TestResults))
	}
}

func TestExecuteTimeout(t *testing.T) {
	sb := newTestSandbox()
	code := `
function spin() {
  let i = 0;
  while (i >= 0) { i++ }
  return i;
}`
	started := time.Now()
	res := sb.Execute(context.Background(), Request{
		Code:          code,
		EntryFunction: "spin",
		TestCases:     []TestCase{tc("forever", "[]", "0", false)},
		TimeoutMs:     200,
	})
	elapsed := time.Since(started)

	if res.ExecutionError != TimeoutMessage || res.ErrorType != ErrorTypeTimeout {
		t.Fatalf("expected timeout, got exec=%q type=%q", res.ExecutionError, res.ErrorType)
	}
	if elapsed > 200*time.Millisecond+500*time.Millisecond {
		t.Fatalf("caller blocked for %v", elapsed)
	}
	if res.OverallPassed {
		t.Fatal("timed out execution cannot pass")
	}
}

func TestExecuteTimeoutDiscardsLateOutput(t *testing.T) {
	sb := newTestSandbox()
	code := `
function noisy() {
  let i = 0;
  while (i >= 0) { i++; if (i % 100000 === 0) console.log("tick", i) }
}`
	res := sb.Execute(context.Background(), Request{
		Code:          code,
		EntryFunction: "noisy",
		TestCases:     []TestCase{tc("t", "[]", "null", false)},
		TimeoutMs:     100,
	})
	snapshot := len(res.ConsoleLogs)
	time.Sleep(150 * time.Millisecond)
	if len(res.ConsoleLogs) != snapshot {
		t.Fatal("console logs changed after the result was returned")
	}
}

func TestExecuteCompilationError(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          "function broken( { return 1 }",
		EntryFunction: "broken",
		TestCases:     []TestCase{tc("t", "[]", "1", false)},
	})

	if res.CompilationError == "" || res.ErrorType != ErrorTypeCompilation {
		t.Fatalf("expected compilation error, got %+v", res)
	}
	if len(res.TestResults) != 0 || res.TotalTestsPassed != 0 {
		t.Fatalf("expected zero tests run, got %d", len(res.TestResults))
	}
}

func TestExecuteTopLevelErrorShortCircuits(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          "function f() { return 1 }\nthrow new Error('boom')",
		EntryFunction: "f",
		TestCases:     []TestCase{tc("t", "[]", "1", false)},
	})

	if !strings.Contains(res.ExecutionError, "boom") {
		t.Fatalf("expected top-level error, got %q", res.ExecutionError)
	}
	if len(res.TestResults) != 0 {
		t.Fatalf("expected zero tests run, got %d", len(res.TestResults))
	}
}

func TestExecuteMissingEntryFunction(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          "function other() { return 1 }",
		EntryFunction: "solve",
		TestCases:     []TestCase{tc("t", "[]", "1", false)},
	})

	if res.ExecutionError == "" || len(res.TestResults) != 0 {
		t.Fatalf("expected missing entry error, got %+v", res)
	}
}

func TestExecuteConsoleSlicesPerTest(t *testing.T) {
	sb := newTestSandbox()
	code := `
console.log("loading");
function echo(x) { console.log("got", x); return x }`
	res := sb.Execute(context.Background(), Request{
		Code:          code,
		EntryFunction: "echo",
		TestCases: []TestCase{
			tc("a", "[1]", "1", false),
			tc("b", `[{"k":2}]`, `{"k":2}`, false),
		},
	})

	if len(res.TestResults) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.TestResults))
	}
	if got := res.TestResults[0].ConsoleLogs; len(got) != 1 || got[0] != "got 1" {
		t.Fatalf("unexpected first slice: %v", got)
	}
	if got := res.TestResults[1].ConsoleLogs; len(got) != 1 || got[0] != `got {"k":2}` {
		t.Fatalf("unexpected second slice: %v", got)
	}
	if len(res.ConsoleLogs) != 3 || res.ConsoleLogs[0] != "loading" {
		t.Fatalf("unexpected aggregate log: %v", res.ConsoleLogs)
	}
}

func TestRunHidesHiddenCases(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Run(context.Background(), Request{
		Code:          "function add(a, b) { return a + b }",
		EntryFunction: "add",
		TestCases: []TestCase{
			tc("visible", "[1,2]", "3", false),
			tc("secret", "[40,2]", "42", true),
		},
	})

	if !res.HasHiddenTests || res.VisibleTotal != 1 || res.TotalTests != 2 {
		t.Fatalf("unexpected visibility counters: %+v", res)
	}
	if res.VisibleTotal >= res.TotalTests {
		t.Fatal("visible total must be below total when hidden cases exist")
	}
	for _, r := range res.TestResults {
		if r.Hidden || string(r.Expected) == "42" {
			t.Fatalf("hidden case leaked: %+v", r)
		}
	}
	if res.VisiblePassed != 1 {
		t.Fatalf("expected visible pass, got %d", res.VisiblePassed)
	}
}

func TestSubmitRunsHiddenCases(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Submit(context.Background(), Request{
		Code:          "function add(a, b) { return a + b }",
		EntryFunction: "add",
		TestCases: []TestCase{
			tc("visible", "[1,2]", "3", false),
			tc("secret", "[40,2]", "42", true),
		},
	})

	if len(res.TestResults) != 2 || res.TotalTestsPassed != 2 || !res.OverallPassed {
		t.Fatalf("expected both cases executed and passing, got %+v", res)
	}
}

func TestExecuteIsolatedAcrossInvocations(t *testing.T) {
	sb := newTestSandbox()
	code := `
var counter = (typeof counter === "undefined") ? 0 : counter;
function bump() { counter++; return counter }`

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = sb.Execute(context.Background(), Request{
				Code:          code,
				EntryFunction: "bump",
				TestCases:     []TestCase{tc("first call", "[]", "1", false)},
			})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.OverallPassed {
			t.Fatalf("invocation %d saw shared state: %+v", i, r.TestResults)
		}
	}
}

func TestExecuteRejectsUnknownRuntime(t *testing.T) {
	sb := newTestSandbox()
	res := sb.Execute(context.Background(), Request{
		Code:          "print(1)",
		EntryFunction: "main",
		Runtime:       "cobol",
	})
	if res.ErrorType != ErrorTypeExecution || !strings.Contains(res.ExecutionError, "unsupported runtime") {
		t.Fatalf("expected unsupported runtime error, got %+v", res)
	}
}

func TestExecuteBlocksCodeGenerationAtRuntime(t *testing.T) {
	sb := newTestSandbox()
	// A computed key slips past static screening.
	code := `
const key = "constr" + "uctor";
function gen() { return (function(){})[key]("return 7")() }`
	if _, blocked := Screen(code); blocked {
		t.Fatal("fixture must pass the static screen")
	}

	res := sb.Execute(context.Background(), Request{
		Code:          code,
		EntryFunction: "gen",
		TestCases:     []TestCase{tc("gen", "[]", "7", false)},
	})
	if len(res.TestResults) != 1 {
		t.Fatalf("expected one result, got %+v (%s)", res.TestResults, res.ExecutionError)
	}
	got := res.TestResults[0]
	if got.Passed || !strings.Contains(got.Error, "code generation") {
		t.Fatalf("dynamic code ran: %+v", got)
	}
}
