// Package timeout implements the wall-clock and CPU watchdogs that kill a
// runaway isolate by disposing it.
package timeout

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
	"isobox/internal/metricsprom"
)

const tickInterval = 10 * time.Millisecond

// Kind distinguishes the two arming modes.
type Kind string

const (
	KindWall Kind = "wall"
	KindCPU  Kind = "cpu"
)

// Reason identifies why a handle fired.
type Reason string

const (
	ReasonTimeout      Reason = "Timeout"
	ReasonInfiniteLoop Reason = "InfiniteLoop"
	ReasonCPULimit     Reason = "CpuLimit"
)

// WarningEvent is emitted once, the first time a handle crosses 80% of its
// budget without having already fired.
type WarningEvent struct {
	ID      string
	Elapsed time.Duration
	Timeout time.Duration
	CPUTime time.Duration
}

// FiredEvent is emitted exactly once, when a handle kills its isolate.
type FiredEvent struct {
	ID        string
	Reason    Reason
	Timestamp time.Time
}

// Handle is a single armed watchdog, keyed by id in the Manager.
type Handle struct {
	id        string
	isolate   engine.Isolate
	kind      Kind
	startTime time.Time
	deadline  time.Duration // wall timeoutMs (KindWall) or cpuLimitMs (KindCPU)

	mu        sync.Mutex
	triggered bool
	warned    bool
	reason    Reason

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Triggered reports whether this handle has fired.
func (h *Handle) Triggered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.triggered
}

// Reason returns the fire reason, or "" if not yet fired.
func (h *Handle) Reason() Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Config holds the tunable heuristics behind infinite-loop detection.
type Config struct {
	InfiniteLoopThreshold float64       // in [0,1], default 0.95
	MinDetectionMs        time.Duration // >= 0, default 100ms
}

// DefaultConfig returns spec-documented defaults.
func DefaultConfig() Config {
	return Config{InfiniteLoopThreshold: 0.95, MinDetectionMs: 100 * time.Millisecond}
}

func (c Config) validate() error {
	if c.InfiniteLoopThreshold < 0 || c.InfiniteLoopThreshold > 1 {
		return isoerr.New(isoerr.InvalidConfig, "infiniteLoopThreshold must be in [0,1]")
	}
	if c.MinDetectionMs < 0 {
		return isoerr.New(isoerr.InvalidConfig, "minDetectionMs must be >= 0")
	}
	return nil
}

// OnWarning and OnFired are invoked from the watchdog goroutine; panics
// are recovered and logged, never propagated.
type OnWarning func(WarningEvent)
type OnFired func(FiredEvent)

// Manager arms and tracks Handles, one per id.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	handles map[string]*Handle

	onWarning OnWarning
	onFired   OnFired
	recorder  metricsprom.Recorder
}

// WithRecorder sets the Prometheus recorder fired timeouts are pushed
// through. Passing nil restores the no-op recorder.
func (m *Manager) WithRecorder(r metricsprom.Recorder) *Manager {
	if r == nil {
		r = metricsprom.NoopRecorder{}
	}
	m.mu.Lock()
	m.recorder = r
	m.mu.Unlock()
	return m
}

// NewManager constructs a Manager. logger defaults to logging.L(). cfg is
// used as given — pass DefaultConfig() explicitly for spec-documented
// defaults; NewManager does not substitute defaults for a zero-value cfg,
// since InfiniteLoopThreshold: 0 is itself a valid, meaningful value (every
// wall-clock handle fires with ReasonInfiniteLoop once MinDetectionMs has
// elapsed, whatever its CPU time) and can't be distinguished from "unset" by a
// whole-struct comparison. An explicitly invalid cfg fails with
// InvalidConfig.
func NewManager(cfg Config, logger *zap.Logger, onWarning OnWarning, onFired OnFired) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Manager{cfg: cfg, logger: logger, handles: make(map[string]*Handle), onWarning: onWarning, onFired: onFired, recorder: metricsprom.NoopRecorder{}}, nil
}

// StartTimeout arms a wall-clock deadline plus infinite-loop detection for
// isolate, keyed by id.
func (m *Manager) StartTimeout(iso engine.Isolate, timeout time.Duration, id string) (*Handle, error) {
	if timeout <= 0 {
		return nil, isoerr.New(isoerr.InvalidConfig, "timeout must be > 0")
	}
	return m.arm(iso, id, KindWall, timeout)
}

// StartCPUMonitoring arms a CPU-time deadline for isolate, keyed by id.
func (m *Manager) StartCPUMonitoring(iso engine.Isolate, cpuLimit time.Duration, id string) (*Handle, error) {
	if cpuLimit <= 0 {
		return nil, isoerr.New(isoerr.InvalidConfig, "cpuLimit must be > 0")
	}
	return m.arm(iso, id, KindCPU, cpuLimit)
}

func (m *Manager) arm(iso engine.Isolate, id string, kind Kind, deadline time.Duration) (*Handle, error) {
	if id == "" {
		return nil, isoerr.New(isoerr.InvalidConfig, "timeout handle id must not be empty")
	}
	h := &Handle{
		id:        id,
		isolate:   iso,
		kind:      kind,
		startTime: time.Now(),
		deadline:  deadline,
		stopCh:    make(chan struct{}),
	}

	m.mu.Lock()
	m.handles[id] = h
	m.mu.Unlock()

	h.wg.Add(1)
	go m.watch(h)
	return h, nil
}

// Clear cancels the handle for id without killing the isolate (used when
// an execution completes before the deadline). Safe to call on an unknown
// or already-fired id.
func (m *Manager) Clear(id string) {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(h.stopCh)
	h.wg.Wait()
}

func (m *Manager) watch(h *Handle) {
	defer h.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if m.tick(h) {
				return
			}
		}
	}
}

// tick returns true once the handle has fired (and should stop ticking).
func (m *Manager) tick(h *Handle) bool {
	elapsed := time.Since(h.startTime)
	cpuTime := h.isolate.CPUTime()

	switch h.kind {
	case KindWall:
		if elapsed >= h.deadline {
			m.fire(h, ReasonTimeout)
			return true
		}
		if elapsed >= m.cfg.MinDetectionMs && elapsed > 0 {
			cpuRatio := float64(cpuTime) / float64(elapsed)
			if cpuRatio >= m.cfg.InfiniteLoopThreshold {
				m.fire(h, ReasonInfiniteLoop)
				return true
			}
		}
		h.mu.Lock()
		warned := h.warned
		h.mu.Unlock()
		if !warned && float64(elapsed) >= 0.8*float64(h.deadline) {
			h.mu.Lock()
			h.warned = true
			h.mu.Unlock()
			m.warn(h, elapsed, cpuTime)
		}
	case KindCPU:
		if cpuTime >= h.deadline {
			m.fire(h, ReasonCPULimit)
			return true
		}
		h.mu.Lock()
		warned := h.warned
		h.mu.Unlock()
		if !warned && float64(cpuTime) >= 0.8*float64(h.deadline) {
			h.mu.Lock()
			h.warned = true
			h.mu.Unlock()
			m.warn(h, elapsed, cpuTime)
		}
	}
	return false
}

func (m *Manager) warn(h *Handle, elapsed, cpuTime time.Duration) {
	if m.onWarning == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("timeout warning callback panicked", zap.String("id", h.id), zap.Any("recovered", r))
		}
	}()
	m.onWarning(WarningEvent{ID: h.id, Elapsed: elapsed, Timeout: h.deadline, CPUTime: cpuTime})
}

// fire marks the handle triggered, removes it from the map, disposes the
// isolate (errors swallowed — it may already be disposed), and emits the
// fired event. Non-graceful: the in-flight guest run is expected to
// reject as a side effect of disposal.
func (m *Manager) fire(h *Handle, reason Reason) {
	h.mu.Lock()
	if h.triggered {
		h.mu.Unlock()
		return
	}
	h.triggered = true
	h.reason = reason
	h.mu.Unlock()

	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()

	func() {
		defer func() { recover() }()
		h.isolate.Dispose()
	}()

	m.mu.Lock()
	recorder := m.recorder
	m.mu.Unlock()
	if recorder != nil {
		recorder.RecordTimeout(string(reason))
	}

	if m.onFired == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("timeout fired callback panicked", zap.String("id", h.id), zap.Any("recovered", r))
		}
	}()
	m.onFired(FiredEvent{ID: h.id, Reason: reason, Timestamp: time.Now()})
}
