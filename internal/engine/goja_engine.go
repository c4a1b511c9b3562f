package engine

import (
	"fmt"
	gostdruntime "runtime"
	"sync"
	"time"

	"github.com/dop251/goja"

	"isobox/internal/isoerr"
)

// NewGojaIsolate constructs a pure-Go Isolate backed by goja. goja has no
// per-runtime heap ceiling or native CPU counter, so cpuTime is
// approximated as cumulative wall-clock time spent inside Script.Run,
// added when each Run returns: it does not advance while a script is still
// running, so a CPU-limit or infinite-loop check made during a run sees
// only the time of earlier, completed runs. Heap figures are process-wide
// runtime.ReadMemStats values rather than a per-isolate accounting — a
// documented limitation of using a cgo-free engine for hosts that cannot
// link V8.
func NewGojaIsolate(memoryLimitBytes uint64) (Isolate, error) {
	return &gojaIsolate{memoryLimitBytes: memoryLimitBytes}, nil
}

type gojaIsolate struct {
	mu               sync.Mutex
	memoryLimitBytes uint64
	disposed         bool
	cpuTime          time.Duration
	lastHeapAlloc    uint64
	peakHeapAlloc    uint64
	activeRuntimes   []*goja.Runtime
}

func (g *gojaIsolate) Compile(source string, opts CompileOptions) (Script, error) {
	g.mu.Lock()
	disposed := g.disposed
	g.mu.Unlock()
	if disposed {
		return nil, errDisposed()
	}
	filename := opts.Filename
	if filename == "" {
		filename = "<sandbox>"
	}
	prog, err := goja.Compile(filename, source, false)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.GuestCompileError, "compile failed", err)
	}
	return &gojaScript{program: prog, iso: g}, nil
}

func (g *gojaIsolate) CreateContext() (Context, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return nil, errDisposed()
	}
	rt := goja.New()
	g.activeRuntimes = append(g.activeRuntimes, rt)
	return &gojaContext{rt: rt}, nil
}

func (g *gojaIsolate) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return
	}
	for _, rt := range g.activeRuntimes {
		rt.Interrupt(isoerr.New(isoerr.SandboxDisposed, "isolate disposed"))
	}
	g.activeRuntimes = nil
	g.disposed = true
}

func (g *gojaIsolate) IsDisposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed
}

func (g *gojaIsolate) CPUTime() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cpuTime
}

func (g *gojaIsolate) HeapStatistics() HeapStatistics {
	var ms gostdruntime.MemStats
	gostdruntime.ReadMemStats(&ms)

	g.mu.Lock()
	defer g.mu.Unlock()
	if ms.HeapAlloc > g.peakHeapAlloc {
		g.peakHeapAlloc = ms.HeapAlloc
	}
	limit := g.memoryLimitBytes
	if limit == 0 {
		limit = ms.HeapSys
	}
	return HeapStatistics{
		UsedHeapSize:   ms.HeapAlloc,
		HeapSizeLimit:  limit,
		TotalHeapSize:  ms.HeapSys,
		ExternalMemory: 0,
	}
}

func (g *gojaIsolate) addCPUTime(d time.Duration) {
	g.mu.Lock()
	g.cpuTime += d
	g.mu.Unlock()
}

type gojaScript struct {
	program *goja.Program
	iso     *gojaIsolate
}

func (s *gojaScript) Run(ctx Context, opts RunOptions) (interface{}, error) {
	gctx, ok := ctx.(*gojaContext)
	if !ok {
		return nil, isoerr.New(isoerr.ContextSetupFailed, "goja engine requires a goja context")
	}
	if s.iso.IsDisposed() {
		return nil, errDisposed()
	}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			gctx.rt.Interrupt(isoerr.New(isoerr.Timeout, "script exceeded timeout"))
		})
		defer timer.Stop()
	}

	start := time.Now()
	val, err := gctx.rt.RunProgram(s.program)
	s.iso.addCPUTime(time.Since(start))

	if err != nil {
		if ie, ok := err.(*goja.InterruptedError); ok {
			if cause, ok := ie.Value().(error); ok {
				return nil, cause
			}
		}
		return nil, isoerr.Wrap(isoerr.GuestRuntimeError, "script execution failed", err)
	}

	if !opts.PromiseAware {
		return val.Export(), nil
	}
	return resolvePromiseAware(val)
}

// resolvePromiseAware unwraps a settled *goja.Promise; goja resolves
// microtask-queued reactions synchronously within RunProgram, so by the
// time Run returns, a promise is expected to have already settled.
func resolvePromiseAware(val goja.Value) (interface{}, error) {
	exported := val.Export()
	p, ok := exported.(*goja.Promise)
	if !ok {
		return exported, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, isoerr.New(isoerr.GuestRuntimeError, fmt.Sprint(p.Result().Export()))
	default:
		return nil, isoerr.New(isoerr.GuestRuntimeError, "promise did not settle synchronously")
	}
}

type gojaContext struct {
	rt *goja.Runtime
}

func (c *gojaContext) Set(name string, value interface{}) error {
	if hf, ok := value.(HostFunc); ok {
		return c.rt.Set(name, c.wrapHostFunc(hf))
	}
	return c.rt.Set(name, value)
}

func (c *gojaContext) wrapHostFunc(hf HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		result, err := hf(args)
		if err != nil {
			panic(c.rt.NewGoError(err))
		}
		return c.rt.ToValue(result)
	}
}

func (c *gojaContext) Global() interface{} {
	return c.rt.GlobalObject()
}

func (c *gojaContext) Dispose() {
	c.rt.ClearInterrupt()
}
