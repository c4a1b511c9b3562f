package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"isobox/internal/engine"
	"isobox/internal/exec"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
	"isobox/internal/metricsprom"
	"isobox/internal/queue"
)

const defaultIdleTimeout = 30 * time.Second

// Config is an IsolatePool's construction-time configuration.
type Config struct {
	Min              int
	Max              int
	IdleTimeout      time.Duration // default 30s
	WarmupCode       string
	MemoryLimitBytes uint64
	Recorder         metricsprom.Recorder // defaults to metricsprom.NoopRecorder{}

	// SetupContext, when non-nil, runs against every freshly (re)created
	// context before it is handed to a caller — the facade's hook point
	// for installing the MemFS/require bridge on each isolate.
	SetupContext func(engine.Isolate, engine.Context) error
}

func (c Config) validate() error {
	if c.Min < 1 {
		return isoerr.New(isoerr.InvalidPoolConfig, "min must be >= 1")
	}
	if c.Max < c.Min {
		return isoerr.New(isoerr.InvalidPoolConfig, "max must be >= min")
	}
	return nil
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Available int
	InUse     int
	Disposed  int64
	Created   int64
}

// IsolatePool is a bounded, reusable set of isolates with min/max
// capacity, warmup, and idle reaping.
type IsolatePool struct {
	cfg        Config
	newIsolate engine.NewIsolateFunc
	manager    *IsolateManager
	executor   *exec.Engine
	gate       *queue.AsyncQueue
	logger     *zap.Logger

	mu        sync.Mutex
	available []*PooledIsolate
	inUse     map[string]*PooledIsolate
	disposed  bool
	stats     Stats

	reaperStop chan struct{}
	reaperWg   sync.WaitGroup
}

// NewIsolatePool constructs a pool. executor defaults to a fresh
// exec.Engine if nil.
func NewIsolatePool(cfg Config, newIsolate engine.NewIsolateFunc, executor *exec.Engine, logger *zap.Logger) (*IsolatePool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Recorder == nil {
		cfg.Recorder = metricsprom.NoopRecorder{}
	}
	if logger == nil {
		logger = logging.L()
	}
	if executor == nil {
		var err error
		executor, err = exec.New(logger)
		if err != nil {
			return nil, err
		}
	}
	executor.WithRecorder(cfg.Recorder)

	gate, err := queue.New(cfg.Max)
	if err != nil {
		return nil, err
	}

	p := &IsolatePool{
		cfg:        cfg,
		newIsolate: newIsolate,
		manager:    NewIsolateManager(newIsolate, logger),
		executor:   executor,
		gate:       gate,
		logger:     logger,
		inUse:      make(map[string]*PooledIsolate),
		reaperStop: make(chan struct{}),
	}
	p.reaperWg.Add(1)
	go p.reapIdleLoop()
	return p, nil
}

func (p *IsolatePool) createIsolate() (*PooledIsolate, error) {
	id := p.manager.GenerateID()
	pi, err := NewPooledIsolate(id, p.newIsolate, p.cfg.MemoryLimitBytes, p.cfg.SetupContext)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	return pi, nil
}

// Acquire serialises through the AsyncQueue (capacity = max): reuses an
// available isolate after reset(), or creates a fresh one if under max.
// The gate covers only the acquisition step itself, so when max isolates
// are already in use Acquire waits, retrying every 10ms, until one is
// released or ctx is done; PoolExhausted is never returned to the caller.
func (p *IsolatePool) Acquire(ctx context.Context) (*PooledIsolate, error) {
	for {
		result, err := p.gate.Add(ctx, func(ctx context.Context) (interface{}, error) {
			return p.acquireLocked()
		})
		if err == nil {
			p.reportOccupancy()
			return result.(*PooledIsolate), nil
		}
		if isoerr.Is(err, isoerr.QueueCleared) {
			return nil, isoerr.New(isoerr.PoolDisposed, "pool disposed")
		}
		if !isoerr.Is(err, isoerr.PoolExhausted) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (p *IsolatePool) reportOccupancy() {
	s := p.Stats()
	p.cfg.Recorder.SetPoolAvailable(s.Available)
	p.cfg.Recorder.SetPoolInUse(s.InUse)
}

func (p *IsolatePool) acquireLocked() (*PooledIsolate, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, isoerr.New(isoerr.PoolDisposed, "pool disposed")
	}

	if n := len(p.available); n > 0 {
		pi := p.available[n-1]
		p.available = p.available[:n-1]
		p.mu.Unlock()

		if err := pi.Reset(); err != nil {
			p.disposeUnhealthy(pi)
			return nil, err
		}
		pi.MarkUsed()
		p.mu.Lock()
		p.inUse[pi.ID] = pi
		p.mu.Unlock()
		return pi, nil
	}

	if len(p.inUse) < p.cfg.Max {
		p.mu.Unlock()
		pi, err := p.createIsolate()
		if err != nil {
			return nil, err
		}
		pi.MarkUsed()
		p.mu.Lock()
		p.inUse[pi.ID] = pi
		p.mu.Unlock()
		return pi, nil
	}
	p.mu.Unlock()

	return nil, isoerr.New(isoerr.PoolExhausted, "pool exhausted despite concurrency gate")
}

func (p *IsolatePool) disposeUnhealthy(pi *PooledIsolate) {
	pi.Dispose()
	p.mu.Lock()
	p.stats.Disposed++
	p.mu.Unlock()
	p.cfg.Recorder.IncPoolDisposed()
}

// Release returns pi to the available set (if healthy and there's room)
// or disposes it.
func (p *IsolatePool) Release(pi *PooledIsolate) {
	defer p.reportOccupancy()
	p.mu.Lock()
	delete(p.inUse, pi.ID)

	if !pi.Healthy() || p.disposed {
		p.mu.Unlock()
		p.disposeUnhealthy(pi)
		return
	}
	if len(p.available) < p.cfg.Max {
		p.available = append(p.available, pi)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.disposeUnhealthy(pi)
}

// Execute acquires an isolate, runs code through the injected
// exec.Engine, marks the pooled isolate unhealthy on error, and releases
// it in a finally.
func (p *IsolatePool) Execute(ctx context.Context, code string, opts exec.Options) (exec.Result, error) {
	p.cfg.Recorder.SetQueueLength(p.gate.Pending())
	pi, err := p.Acquire(ctx)
	if err != nil {
		return exec.Result{}, err
	}
	defer p.Release(pi)

	result := p.executor.Execute(code, pi.Isolate(), pi.Context(), opts)
	status := "ok"
	if result.Error != nil {
		status = "error"
	}
	p.cfg.Recorder.RecordExecution(status, result.Duration)
	if result.Error != nil {
		pi.mu.Lock()
		pi.healthy = false
		pi.mu.Unlock()
	}
	return result, nil
}

// Warmup eagerly creates min isolates, optionally priming each with
// warmupCode, and adds them to the available set. Failures are logged,
// not fatal.
func (p *IsolatePool) Warmup() {
	for i := 0; i < p.cfg.Min; i++ {
		pi, err := p.createIsolate()
		if err != nil {
			p.logger.Warn("pool warmup: isolate creation failed", zap.Error(err))
			continue
		}
		if p.cfg.WarmupCode != "" {
			result := p.executor.Execute(p.cfg.WarmupCode, pi.Isolate(), pi.Context(), exec.Options{Timeout: 5 * time.Second})
			if result.Error != nil {
				p.logger.Warn("pool warmup: priming code failed", zap.String("message", result.Error.Message))
			}
		}
		p.mu.Lock()
		p.available = append(p.available, pi)
		p.mu.Unlock()
	}
}

func (p *IsolatePool) reapIdleLoop() {
	defer p.reaperWg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

// reapOnce disposes idle isolates beyond the idle timeout, never
// shrinking the available set below min.
func (p *IsolatePool) reapOnce() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	remaining := len(p.available)
	kept := make([]*PooledIsolate, 0, remaining)
	var toDispose []*PooledIsolate
	for _, pi := range p.available {
		if pi.Idle() > p.cfg.IdleTimeout && remaining > p.cfg.Min {
			toDispose = append(toDispose, pi)
			remaining--
			continue
		}
		kept = append(kept, pi)
	}
	p.available = kept
	p.mu.Unlock()

	for _, pi := range toDispose {
		p.disposeUnhealthy(pi)
	}
}

// Drain blocks until no isolate is in use.
func (p *IsolatePool) Drain(ctx context.Context) error {
	for {
		p.mu.Lock()
		n := len(p.inUse)
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Dispose is idempotent: stops the reaper, disposes both available and
// in-use isolates, clears the gate, and rejects future Acquire calls with
// PoolDisposed.
func (p *IsolatePool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	all := append([]*PooledIsolate{}, p.available...)
	for _, pi := range p.inUse {
		all = append(all, pi)
	}
	p.available = nil
	p.inUse = make(map[string]*PooledIsolate)
	p.mu.Unlock()

	close(p.reaperStop)
	p.reaperWg.Wait()
	p.gate.Dispose()

	for _, pi := range all {
		pi.Dispose()
	}
}

// Stats returns a point-in-time occupancy snapshot.
func (p *IsolatePool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Available = len(p.available)
	s.InUse = len(p.inUse)
	return s
}

// On registers a listener on the pool's underlying execution engine (one
// of the exec.Event* constants).
func (p *IsolatePool) On(name string, l exec.Listener) { p.executor.On(name, l) }

// Off removes all listeners for name.
func (p *IsolatePool) Off(name string) { p.executor.Off(name) }
