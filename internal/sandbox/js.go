package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// jsContext is one disposable JavaScript interpreter.
type jsContext struct {
	vm *goja.Runtime
}

func newJSContext(maxCallStack int) *jsContext {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStack)
	return &jsContext{vm: vm}
}

func (c *jsContext) interrupt(reason any) {
	c.vm.Interrupt(reason)
}

// run loads req.Code and calls the entry function once per test case.
func (c *jsContext) run(req Request, ex *execution) {
	vm := c.vm

	// Taken before user code runs so a submission cannot replace them.
	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	c.installConsole(ex.log, stringify)
	c.disableCodeGeneration()

	prog, err := goja.Compile("submission.js", req.Code, false)
	if err != nil {
		ex.setCompilationError(err.Error())
		return
	}
	if _, err := vm.RunProgram(prog); err != nil {
		if isInterrupted(err) {
			return
		}
		ex.setExecutionError(errorMessage(err))
		return
	}

	// Evaluating the bare name also finds top-level let/const bindings,
	// which are not properties of the global object.
	entry, err := vm.RunString(req.EntryFunction)
	if err != nil {
		if isInterrupted(err) {
			return
		}
		ex.setExecutionError(fmt.Sprintf("entry function %q is not defined", req.EntryFunction))
		return
	}
	fn, ok := goja.AssertFunction(entry)
	if !ok {
		ex.setExecutionError(fmt.Sprintf("%q is not a function", req.EntryFunction))
		return
	}

	for _, tc := range req.TestCases {
		res := TestResult{
			Name:     tc.Name,
			Hidden:   tc.Hidden,
			Input:    tc.Args,
			Expected: tc.Expected,
		}
		before := ex.log.Len()
		started := time.Now()

		args, err := decodeArgs(vm, parse, tc.Args)
		if err != nil {
			res.Error = "invalid test case arguments"
		} else {
			out, callErr := fn(goja.Undefined(), args...)
			if callErr != nil && isInterrupted(callErr) {
				return
			}
			if callErr != nil {
				res.Error = errorMessage(callErr)
			} else {
				actual, serr := serialize(stringify, out)
				if serr != nil {
					res.Error = "return value is not serializable"
				} else {
					res.Actual = actual
					res.Passed = Equal(actual, tc.Expected)
				}
			}
		}

		res.ExecutionTimeMs = float64(time.Since(started).Microseconds()) / 1000
		res.ConsoleLogs = ex.log.Slice(before, ex.log.Len())
		res.LogOffset = before
		ex.addResult(res)
	}
}

// disableCodeGeneration removes every route from a string to code: eval,
// the Function global and the constructor property of each function kind.
func (c *jsContext) disableCodeGeneration() {
	vm := c.vm
	blocked := vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("code generation from strings is disabled"))
	})
	for _, proto := range []string{
		"Function.prototype",
		"Object.getPrototypeOf(function*(){})",
		"Object.getPrototypeOf(async function(){})",
	} {
		v, err := vm.RunString(proto)
		if err != nil {
			continue
		}
		if obj, ok := v.(*goja.Object); ok {
			_ = obj.Set("constructor", blocked)
		}
	}
	_ = vm.Set("Function", blocked)
	_ = vm.GlobalObject().Delete("eval")
}

func (c *jsContext) installConsole(log *Log, stringify goja.Callable) {
	vm := c.vm
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = formatValue(stringify, arg)
		}
		log.Append(strings.Join(parts, " "))
		return goja.Undefined()
	}
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(name, write)
	}
	_ = vm.Set("console", console)
}

func decodeArgs(vm *goja.Runtime, parse goja.Callable, raw json.RawMessage) ([]goja.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	args := make([]goja.Value, 0, len(items))
	for _, item := range items {
		v, err := parse(goja.Undefined(), vm.ToValue(string(item)))
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

func serialize(stringify goja.Callable, v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) {
		return json.RawMessage("null"), nil
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if out == nil || goja.IsUndefined(out) {
		return json.RawMessage("null"), nil
	}
	return Canonicalize(json.RawMessage(out.String()))
}

func formatValue(stringify goja.Callable, v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if _, isFn := goja.AssertFunction(v); !isFn {
		if _, isObj := v.(*goja.Object); isObj {
			if out, err := stringify(goja.Undefined(), v); err == nil && out != nil && !goja.IsUndefined(out) {
				return out.String()
			}
		}
	}
	return v.String()
}

func isInterrupted(err error) bool {
	var ie *goja.InterruptedError
	return errors.As(err, &ie)
}

func errorMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		if val := exc.Value(); val != nil {
			if obj, ok := val.(*goja.Object); ok {
				if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
					name := obj.Get("name")
					if name != nil && !goja.IsUndefined(name) {
						return name.String() + ": " + msg.String()
					}
					return msg.String()
				}
			}
			return val.String()
		}
	}
	return err.Error()
}
