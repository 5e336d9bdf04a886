package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/vyrodovalexey/avafanout/internal/model"
	"github.com/vyrodovalexey/avafanout/internal/observability"
)

// Function names a transform function a script may export.
type Function string

const (
	FuncHeaders Function = "transformHeaders"
	FuncParams  Function = "transformParams"
	FuncBody    Function = "transformBody"
)

// Functions lists the recognized exports in pipeline order.
var Functions = []Function{FuncHeaders, FuncParams, FuncBody}

// DefaultTimeout bounds compilation and every function call.
const DefaultTimeout = time.Second

const exportsVar = "__transforms"

var exportDefault = regexp.MustCompile(`\bexport\s+default\b`)

// wrapSource rewrites a module body so it can run as a plain script: a bare
// "export default" becomes an assignment to module.exports.
func wrapSource(source string) string {
	body := exportDefault.ReplaceAllString(source, "module.exports =")
	return "var module = { exports: {} };\nvar exports = module.exports;\n" +
		body +
		"\n;var " + exportsVar + " = (module.exports && typeof module.exports.default === 'object')" +
		" ? module.exports.default : module.exports;\n"
}

// runtime is one initialized goja VM with the script's exported functions.
type runtime struct {
	vm  *goja.Runtime
	fns map[Function]goja.Callable
}

// Sandbox executes one script's transform functions in isolated goja
// runtimes. The runtimes expose ECMAScript built-ins and a console that
// writes to the debug log; nothing else from the host is reachable.
type Sandbox struct {
	name    string
	program *goja.Program
	timeout time.Duration
	logger  observability.Logger
	exports map[Function]bool
	pool    sync.Pool
}

// Compile compiles and initializes a script. Initialization runs under the
// timeout; a script that throws, loops or exports no object fails here.
func Compile(name, source string, timeout time.Duration, logger observability.Logger) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	program, err := goja.Compile(name, wrapSource(source), false)
	if err != nil {
		return nil, &Error{Script: name, Cause: fmt.Errorf("%w: %w", ErrCompile, err)}
	}

	s := &Sandbox{
		name:    name,
		program: program,
		timeout: timeout,
		logger:  logger,
	}

	first, err := s.newRuntime()
	if err != nil {
		return nil, &Error{Script: name, Cause: err}
	}

	s.exports = make(map[Function]bool, len(first.fns))
	for fn := range first.fns {
		s.exports[fn] = true
	}
	s.pool.Put(first)

	return s, nil
}

// Name returns the script name.
func (s *Sandbox) Name() string {
	return s.name
}

// Has reports whether the script exports fn.
func (s *Sandbox) Has(fn Function) bool {
	return s.exports[fn]
}

// newRuntime creates a VM, runs the program under the timeout and collects
// the exported transform functions.
func (s *Sandbox) newRuntime() (*runtime, error) {
	vm := goja.New()
	if err := vm.Set("console", s.console(vm)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	_, err := vm.RunProgram(s.program)
	if !timer.Stop() {
		return nil, fmt.Errorf("%w: %w", ErrCompile, ErrTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	exported := vm.Get(exportsVar)
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, ErrInvalidExports
	}
	obj, ok := exported.(*goja.Object)
	if !ok {
		return nil, ErrInvalidExports
	}

	rt := &runtime{vm: vm, fns: make(map[Function]goja.Callable, len(Functions))}
	for _, fn := range Functions {
		if callable, ok := goja.AssertFunction(obj.Get(string(fn))); ok {
			rt.fns[fn] = callable
		}
	}
	return rt, nil
}

// console builds the only host binding scripts can reach.
func (s *Sandbox) console(vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = obj.Set(level, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			s.logger.Debug("script console",
				observability.String("script", s.name),
				observability.String("level", level),
				observability.Any("args", args),
			)
			return goja.Undefined()
		})
	}
	return obj
}

func (s *Sandbox) acquire() (*runtime, error) {
	if rt, ok := s.pool.Get().(*runtime); ok && rt != nil {
		return rt, nil
	}
	return s.newRuntime()
}

// Call invokes fn with a deep copy of value and metadata. Errors, panics,
// timeouts and context cancellation are returned as *Error; value itself is
// never modified.
func (s *Sandbox) Call(ctx context.Context, fn Function, value any, metadata map[string]any) (any, error) {
	rt, err := s.acquire()
	if err != nil {
		return nil, &Error{Script: s.name, Function: fn, Cause: err}
	}

	callable, ok := rt.fns[fn]
	if !ok {
		s.pool.Put(rt)
		return nil, &Error{Script: s.name, Function: fn, Cause: fmt.Errorf("%s is not a function", fn)}
	}

	result, reusable, err := s.invoke(ctx, rt, callable, value, metadata)
	if reusable {
		s.pool.Put(rt)
	}
	if err != nil {
		return nil, &Error{Script: s.name, Function: fn, Cause: err}
	}
	return result, nil
}

// invoke runs one call under the deadline. reusable is false when the VM
// may carry a pending interrupt or broken state.
func (s *Sandbox) invoke(
	ctx context.Context,
	rt *runtime,
	callable goja.Callable,
	value any,
	metadata map[string]any,
) (result any, reusable bool, err error) {
	defer func() {
		if caught := recover(); caught != nil {
			result, reusable, err = nil, false, fmt.Errorf("panic: %v", caught)
		}
	}()

	arg, err := toJS(rt.vm, value)
	if err != nil {
		return nil, true, err
	}
	meta, err := toJS(rt.vm, model.CloneMap(metadata))
	if err != nil {
		return nil, true, err
	}

	timer := time.AfterFunc(s.timeout, func() {
		rt.vm.Interrupt(ErrTimeout)
	})
	stopCtx := context.AfterFunc(ctx, func() {
		rt.vm.Interrupt(ctx.Err())
	})

	res, callErr := callable(goja.Undefined(), arg, meta)

	timerPending := timer.Stop()
	ctxPending := stopCtx()
	reusable = timerPending && ctxPending
	rt.vm.ClearInterrupt()

	if callErr != nil {
		var interrupted *goja.InterruptedError
		if errors.As(callErr, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, false, cause
			}
			return nil, false, ErrTimeout
		}
		return nil, reusable, callErr
	}

	if res == nil || goja.IsUndefined(res) {
		return nil, reusable, ErrUndefinedResult
	}
	return res.Export(), reusable, nil
}

// toJS converts a Go value into native JS values through JSON so scripts
// see plain objects and arrays rather than host wrappers.
func toJS(vm *goja.Runtime, v any) (goja.Value, error) {
	if v == nil {
		return goja.Null(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return vm.ToValue(model.CloneValue(v)), nil
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), vm.ToValue(string(data)))
}
