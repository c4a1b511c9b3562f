package engine

import (
	"fmt"
	"sync"
	"time"

	v8go "rogchap.com/v8go"

	"isobox/internal/isoerr"
)

// NewV8Isolate constructs a production Isolate backed by rogchap.com/v8go
// (cgo binding to V8). memoryLimitBytes, when non-zero, is passed through
// to v8go.NewIsolateWith as the isolate's max heap so V8 itself enforces
// the ceiling (script execution is terminated by V8 on overflow).
func NewV8Isolate(memoryLimitBytes uint64) (Isolate, error) {
	var iso *v8go.Isolate
	if memoryLimitBytes > 0 {
		iso = v8go.NewIsolateWith(0, memoryLimitBytes)
	} else {
		iso = v8go.NewIsolate()
	}
	return &v8Isolate{iso: iso, memoryLimitBytes: memoryLimitBytes}, nil
}

type v8Isolate struct {
	mu               sync.Mutex
	iso              *v8go.Isolate
	memoryLimitBytes uint64
	disposed         bool
	cpuTime          time.Duration
	contexts         []*v8go.Context
}

func (v *v8Isolate) Compile(source string, opts CompileOptions) (Script, error) {
	v.mu.Lock()
	disposed := v.disposed
	v.mu.Unlock()
	if disposed {
		return nil, errDisposed()
	}
	origin := opts.Filename
	if origin == "" {
		origin = "<sandbox>"
	}
	unbound, err := v.iso.CompileUnboundScript(source, origin, v8go.CompileOptions{})
	if err != nil {
		return nil, isoerr.Wrap(isoerr.GuestCompileError, "compile failed", err)
	}
	return &v8Script{unbound: unbound, iso: v}, nil
}

func (v *v8Isolate) CreateContext() (Context, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disposed {
		return nil, errDisposed()
	}
	ctx := v8go.NewContext(v.iso)
	v.contexts = append(v.contexts, ctx)
	return &v8Context{ctx: ctx}, nil
}

func (v *v8Isolate) Dispose() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disposed {
		return
	}
	for _, ctx := range v.contexts {
		func() {
			defer func() { recover() }()
			ctx.Close()
		}()
	}
	v.contexts = nil
	func() {
		defer func() { recover() }()
		v.iso.Dispose()
	}()
	v.disposed = true
}

func (v *v8Isolate) IsDisposed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disposed
}

// CPUTime approximates guest CPU consumption as cumulative wall-clock
// spent inside Script.Run; v8go exposes no per-isolate CPU-time counter,
// so this is the same wall-clock approximation the goja engine uses.
func (v *v8Isolate) CPUTime() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cpuTime
}

func (v *v8Isolate) HeapStatistics() HeapStatistics {
	v.mu.Lock()
	disposed := v.disposed
	v.mu.Unlock()
	if disposed {
		return HeapStatistics{}
	}
	hs := v.iso.GetHeapStatistics()
	return HeapStatistics{
		UsedHeapSize:   hs.UsedHeapSize,
		HeapSizeLimit:  hs.HeapSizeLimit,
		TotalHeapSize:  hs.TotalHeapSize,
		ExternalMemory: hs.ExternalMemory,
	}
}

func (v *v8Isolate) addCPUTime(d time.Duration) {
	v.mu.Lock()
	v.cpuTime += d
	v.mu.Unlock()
}

func (v *v8Isolate) terminateExecution() {
	v.mu.Lock()
	iso := v.iso
	disposed := v.disposed
	v.mu.Unlock()
	if !disposed {
		iso.TerminateExecution()
	}
}

type v8Script struct {
	unbound *v8go.UnboundScript
	iso     *v8Isolate
}

func (s *v8Script) Run(ctx Context, opts RunOptions) (interface{}, error) {
	vctx, ok := ctx.(*v8Context)
	if !ok {
		return nil, isoerr.New(isoerr.ContextSetupFailed, "v8 engine requires a v8 context")
	}
	if s.iso.IsDisposed() {
		return nil, errDisposed()
	}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, s.iso.terminateExecution)
		defer timer.Stop()
	}

	start := time.Now()
	val, err := s.unbound.Run(vctx.ctx)
	s.iso.addCPUTime(time.Since(start))

	if err != nil {
		if s.iso.iso.IsExecutionTerminating() {
			return nil, isoerr.New(isoerr.Timeout, "script execution terminated")
		}
		return nil, isoerr.Wrap(isoerr.GuestRuntimeError, "script execution failed", err)
	}

	if !opts.PromiseAware {
		return exportV8Value(val), nil
	}
	if val.IsPromise() {
		prom, err := val.AsPromise()
		if err != nil {
			return nil, isoerr.Wrap(isoerr.GuestRuntimeError, "promise conversion failed", err)
		}
		switch prom.State() {
		case v8go.Fulfilled:
			return exportV8Value(prom.Result()), nil
		case v8go.Rejected:
			return nil, isoerr.New(isoerr.GuestRuntimeError, prom.Result().String())
		default:
			return nil, isoerr.New(isoerr.GuestRuntimeError, "promise did not settle synchronously")
		}
	}
	return exportV8Value(val), nil
}

// exportV8Value converts a *v8go.Value into a plain Go value. v8go values
// implement no generic Copier; callers outside the isolate must treat the
// returned value as detached text/number/bool data, matching spec's "the
// caller must not mutate returned values expecting to affect the guest."
func exportV8Value(val *v8go.Value) interface{} {
	switch {
	case val == nil:
		return nil
	case val.IsUndefined() || val.IsNull():
		return nil
	case val.IsString():
		return val.String()
	case val.IsBoolean():
		return val.Boolean()
	case val.IsNumber():
		return val.Number()
	default:
		return val.String()
	}
}

type v8Context struct {
	ctx *v8go.Context
}

// SupportsCompositeValues reports false: v8go.NewValue converts only
// scalar string/bool/number values, so there is no v8go-side counterpart
// to goja's automatic Go map/slice marshalling. Representing
// map[string]interface{}/[]interface{} would require building a
// v8go.Object/array graph by hand inside the right context scope, which
// this engine does not implement; callers that bridge composite values
// (MemFS readdir/stat, module require() exports) must check this and
// skip that bridging for a V8-backed isolate rather than have it fail
// or silently substitute the wrong value.
func (v *v8Isolate) SupportsCompositeValues() bool { return false }

func (c *v8Context) Set(name string, value interface{}) error {
	if hf, ok := value.(HostFunc); ok {
		iso := c.ctx.Isolate()
		tmpl := v8go.NewFunctionTemplate(iso, func(info *v8go.FunctionCallbackInfo) *v8go.Value {
			rawArgs := info.Args()
			args := make([]interface{}, len(rawArgs))
			for i, a := range rawArgs {
				args[i] = exportV8Value(a)
			}
			result, err := hf(args)
			if err != nil {
				return throwV8Error(iso, err.Error())
			}
			v8val, convErr := toV8Value(iso, result)
			if convErr != nil {
				return throwV8Error(iso, convErr.Error())
			}
			return v8val
		})
		return c.ctx.Global().Set(name, tmpl.GetFunction(c.ctx))
	}
	if err := c.ctx.Global().Set(name, value); err != nil {
		return isoerr.Wrap(isoerr.ContextSetupFailed,
			fmt.Sprintf("v8 engine cannot set global %q: composite values are not supported by this backend", name), err)
	}
	return nil
}

// throwV8Error raises msg as a JS exception. If msg itself cannot be
// converted to a v8go.Value (it always can, being a string), the
// callback returns nil, which v8go treats as undefined.
func throwV8Error(iso *v8go.Isolate, msg string) *v8go.Value {
	val, err := v8go.NewValue(iso, msg)
	if err != nil {
		return nil
	}
	return iso.ThrowException(val)
}

// toV8Value converts a Go value returned from a HostFunc into a
// *v8go.Value. It only supports the scalar types v8go.NewValue itself
// supports (string, bool, the numeric kinds); composite values
// (map[string]interface{}, []interface{}) are rejected with an error
// instead of being silently coerced to "undefined", since that would
// hand guest code the wrong data without any indication of failure.
func toV8Value(iso *v8go.Isolate, v interface{}) (*v8go.Value, error) {
	val, err := v8go.NewValue(iso, v)
	if err != nil {
		return nil, isoerr.New(isoerr.ContextSetupFailed,
			fmt.Sprintf("v8 engine cannot represent composite value of type %T across the host/guest boundary", v))
	}
	return val, nil
}

func (c *v8Context) Global() interface{} {
	return c.ctx.Global()
}

func (c *v8Context) Dispose() {
	defer func() { recover() }()
	c.ctx.Close()
}
