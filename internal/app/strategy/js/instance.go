package js

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// ErrFunctionMissing is returned when a requested export or method does not exist.
var ErrFunctionMissing = errors.New("script function missing")

// ErrTimeout is returned when a script call exceeds its time budget.
var ErrTimeout = errors.New("script call timed out")

// Instance is an isolated goja VM for one module. Calls are serialised.
type Instance struct {
	module  *Module
	mu      sync.Mutex
	rt      *goja.Runtime
	exports *goja.Object
	timeout time.Duration
	closed  bool
}

// NewInstance executes module on a fresh runtime. console output goes to logger.
func NewInstance(module *Module, timeout time.Duration, logger *zap.Logger) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("script instance: module required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := goja.New()
	exports, err := runModule(rt, module.Program, loggingConsole(rt, logger.With(zap.String("script", module.Name))))
	if err != nil {
		return nil, fmt.Errorf("script instance %s: %w", module.Name, err)
	}
	return &Instance{module: module, rt: rt, exports: exports, timeout: timeout}, nil
}

// Execute runs fn with exclusive access to the runtime, interrupting it after the
// instance timeout. A JavaScript exception is returned as an error.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (value goja.Value, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, fmt.Errorf("script instance %s: closed", i.module.Name)
	}
	if i.timeout > 0 {
		timer := time.AfterFunc(i.timeout, func() { i.rt.Interrupt(ErrTimeout) })
		defer func() {
			timer.Stop()
			i.rt.ClearInterrupt()
		}()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script instance %s: panic: %v", i.module.Name, rec)
		}
	}()
	value, err = fn(i.rt, i.exports)
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return nil, fmt.Errorf("script instance %s: %w", i.module.Name, ErrTimeout)
	}
	return value, err
}

// Call invokes the named export.
func (i *Instance) Call(function string, args ...any) (goja.Value, error) {
	return i.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		return invoke(rt, exports, function, args)
	})
}

// CallMethod invokes method on target.
func (i *Instance) CallMethod(target *goja.Object, method string, args ...any) (goja.Value, error) {
	if target == nil {
		return nil, fmt.Errorf("script instance: target required")
	}
	return i.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		return invoke(rt, target, method, args)
	})
}

// Has reports whether target exposes a callable named method.
func (i *Instance) Has(target *goja.Object, method string) bool {
	if target == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := goja.AssertFunction(target.Get(method))
	return ok
}

// Export converts value to its Go representation under the instance lock.
func (i *Instance) Export(value goja.Value) any {
	if value == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return value.Export()
}

// Close marks the instance unusable.
func (i *Instance) Close() {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
}

func invoke(rt *goja.Runtime, target *goja.Object, name string, args []any) (goja.Value, error) {
	name = strings.TrimSpace(name)
	value := target.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, fmt.Errorf("%w: %s", ErrFunctionMissing, name)
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, fmt.Errorf("script: %q is not callable", name)
	}
	params := make([]goja.Value, len(args))
	for idx, arg := range args {
		params[idx] = rt.ToValue(arg)
	}
	return callable(target, params...)
}

func loggingConsole(rt *goja.Runtime, logger *zap.Logger) *goja.Object {
	console := rt.NewObject()
	bind := func(log func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			log(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", bind(logger.Info))
	_ = console.Set("info", bind(logger.Info))
	_ = console.Set("warn", bind(logger.Warn))
	_ = console.Set("error", bind(logger.Error))
	return console
}
