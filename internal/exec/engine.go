// Package exec implements ExecutionEngine, the compile→run orchestration
// that arms the timeout watchdog and resource monitor around one guest
// invocation and always returns accounting, even on failure.
package exec

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
	"isobox/internal/metricsprom"
	"isobox/internal/monitor"
	"isobox/internal/sanitize"
	"isobox/internal/timeout"
)

// Options configures one Execute call.
type Options struct {
	Timeout     time.Duration
	CPULimit    time.Duration // defaults to Timeout when zero
	MemoryLimit uint64        // bytes; 0 disables memory warnings
	Filename    string
}

// Result is what every Execute call returns — errors are data, never a Go
// error, so the caller always gets timing and partial stats back.
type Result struct {
	ExecutionID   string
	Value         interface{}
	Error         *sanitize.SanitizedError
	Duration      time.Duration
	CPUTime       time.Duration
	ResourceStats monitor.Stats
}

// Event names mirrored on the listener surface.
const (
	EventExecutionStart    = "execution:start"
	EventExecutionComplete = "execution:complete"
	EventExecutionError    = "execution:error"
	EventTimeout           = "timeout"
	EventResourceWarning   = "resource-warning"
)

// Listener receives a named event plus its untyped payload (one of the
// *Event structs below depending on name).
type Listener func(name string, payload interface{})

// StartEvent accompanies EventExecutionStart.
type StartEvent struct {
	ID        string
	Timeout   time.Duration
	Filename  string
	Timestamp time.Time
}

// CompleteEvent accompanies EventExecutionComplete.
type CompleteEvent struct {
	ID       string
	Duration time.Duration
	CPUTime  time.Duration
}

// ErrorEvent accompanies EventExecutionError.
type ErrorEvent struct {
	ID    string
	Error sanitize.SanitizedError
}

// Engine orchestrates compile→run for one isolate+context pair at a time
// per call; it holds no isolate state itself.
type Engine struct {
	timeouts *timeout.Manager
	monitors *monitor.ResourceMonitor
	logger   *zap.Logger

	mu        sync.RWMutex
	listeners map[string][]Listener
}

// New constructs an Engine. logger defaults to logging.L().
func New(logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.L()
	}
	e := &Engine{logger: logger, listeners: make(map[string][]Listener)}

	tm, err := timeout.NewManager(timeout.DefaultConfig(), logger, e.handleTimeoutWarning, e.handleTimeoutFired)
	if err != nil {
		return nil, err
	}
	e.timeouts = tm
	e.monitors = monitor.New(logger)
	return e, nil
}

// WithRecorder forwards a Prometheus recorder to the engine's timeout
// manager and resource monitor.
func (e *Engine) WithRecorder(r metricsprom.Recorder) *Engine {
	e.timeouts.WithRecorder(r)
	e.monitors.WithRecorder(r)
	return e
}

// On registers a listener for name (one of the Event* constants).
func (e *Engine) On(name string, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], l)
}

// Off removes all listeners for name.
func (e *Engine) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, name)
}

func (e *Engine) emit(name string, payload interface{}) {
	e.mu.RLock()
	ls := append([]Listener(nil), e.listeners[name]...)
	e.mu.RUnlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("execution engine listener panicked", zap.String("event", name), zap.Any("recovered", r))
				}
			}()
			l(name, payload)
		}()
	}
}

// SetupExecutionContext synchronously creates a fresh context on iso.
func (e *Engine) SetupExecutionContext(iso engine.Isolate) (engine.Context, error) {
	ctx, err := iso.CreateContext()
	if err != nil {
		return nil, isoerr.Wrap(isoerr.ContextSetupFailed, "context setup failed", err)
	}
	return ctx, nil
}

// Execute compiles and runs code against iso/ctx under the given options,
// arming the timeout watchdog and resource monitor around the run. It
// never returns a Go error for guest-origin failures: those are reported
// in Result.Error after sanitisation.
func (e *Engine) Execute(code string, iso engine.Isolate, ctx engine.Context, opts Options) Result {
	if strings.TrimSpace(code) == "" {
		return Result{
			ExecutionID: uuid.New().String(),
			Error:       ptrSanitized(sanitize.FromError(isoerr.New(isoerr.InvalidInput, "Code cannot be empty"))),
		}
	}

	id := uuid.New().String()
	timeoutMs := opts.Timeout
	cpuLimit := opts.CPULimit
	if cpuLimit <= 0 {
		cpuLimit = timeoutMs
	}

	e.emit(EventExecutionStart, StartEvent{ID: id, Timeout: timeoutMs, Filename: opts.Filename, Timestamp: time.Now()})

	if timeoutMs > 0 {
		if _, err := e.timeouts.StartTimeout(iso, timeoutMs, id); err != nil {
			e.logger.Warn("failed to arm timeout", zap.String("id", id), zap.Error(err))
		}
	}
	if cpuLimit > 0 || opts.MemoryLimit > 0 {
		_, _ = e.monitors.StartMonitoring(iso, id, float64(cpuLimit/time.Millisecond), opts.MemoryLimit, e.warningForwarder(id))
	}

	start := time.Now()
	script, compileErr := iso.Compile(code, engine.CompileOptions{Filename: opts.Filename})

	var value interface{}
	var runErr error
	if compileErr != nil {
		runErr = compileErr
	} else {
		value, runErr = script.Run(ctx, engine.RunOptions{Timeout: timeoutMs, PromiseAware: true})
	}
	duration := time.Since(start)

	e.timeouts.Clear(id)
	stats := e.monitors.StopMonitoring(id)
	cpuTime := iso.CPUTime()

	if runErr != nil {
		sanitised := sanitize.FromError(runErr)
		e.emit(EventExecutionError, ErrorEvent{ID: id, Error: sanitised})
		return Result{
			ExecutionID:   id,
			Error:         &sanitised,
			Duration:      duration,
			CPUTime:       cpuTime,
			ResourceStats: stats,
		}
	}

	value = transferValue(value)
	e.emit(EventExecutionComplete, CompleteEvent{ID: id, Duration: duration, CPUTime: cpuTime})
	return Result{
		ExecutionID:   id,
		Value:         value,
		Duration:      duration,
		CPUTime:       cpuTime,
		ResourceStats: stats,
	}
}

// ExecuteScript is a convenience that delegates to Execute with the given
// source text. engine.Script does not expose its original source, so
// callers that already hold a compiled script should call script.Run
// directly; this wraps the common case of re-running raw source.
func (e *Engine) ExecuteScript(code string, iso engine.Isolate, ctx engine.Context, opts Options) Result {
	return e.Execute(code, iso, ctx, opts)
}

func (e *Engine) warningForwarder(id string) monitor.WarningFunc {
	return func(w monitor.Warning) {
		e.emit(EventResourceWarning, w)
	}
}

func (e *Engine) handleTimeoutWarning(w timeout.WarningEvent) {
	e.emit(EventResourceWarning, w)
}

func (e *Engine) handleTimeoutFired(f timeout.FiredEvent) {
	e.emit(EventTimeout, f)
}

// transferValue calls Copy() when the guest value exposes engine.Copier,
// producing a deep copy detached from the isolate; otherwise the value is
// returned as-is. Callers must not expect a returned value to reflect
// later guest-side mutation.
func transferValue(v interface{}) interface{} {
	if c, ok := v.(engine.Copier); ok {
		return c.Copy()
	}
	return v
}

func ptrSanitized(s sanitize.SanitizedError) *sanitize.SanitizedError {
	return &s
}
