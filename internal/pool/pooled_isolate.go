package pool

import (
	"sync"
	"time"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
)

// PooledIsolate owns exactly one isolate and one live context. The
// context is released and re-created on every reset() so global
// pollution from a prior execution cannot leak into the next one.
type PooledIsolate struct {
	ID               string
	MemoryLimitBytes uint64

	newCtx       func(engine.Isolate) (engine.Context, error)
	setupContext func(engine.Isolate, engine.Context) error

	mu             sync.Mutex
	isolate        engine.Isolate
	context        engine.Context
	createdAt      time.Time
	lastUsedAt     time.Time
	executionCount int64
	healthy        bool
}

// NewPooledIsolate constructs a fresh isolate (via newIsolate) with
// memoryLimitBytes and an initial context. setupContext, when non-nil, is
// invoked against every newly (re)created context before it is handed to
// a caller — the hook the facade uses to install the MemFS/require
// bridge on each fresh VM.
func NewPooledIsolate(id string, newIsolate engine.NewIsolateFunc, memoryLimitBytes uint64, setupContext func(engine.Isolate, engine.Context) error) (*PooledIsolate, error) {
	iso, err := newIsolate(memoryLimitBytes)
	if err != nil {
		return nil, isoerr.Wrap(isoerr.ContextSetupFailed, "pooled isolate creation failed", err)
	}
	ctx, err := iso.CreateContext()
	if err != nil {
		iso.Dispose()
		return nil, isoerr.Wrap(isoerr.ContextSetupFailed, "initial context setup failed", err)
	}
	if setupContext != nil {
		if err := setupContext(iso, ctx); err != nil {
			ctx.Dispose()
			iso.Dispose()
			return nil, err
		}
	}
	now := time.Now()
	return &PooledIsolate{
		ID:               id,
		MemoryLimitBytes: memoryLimitBytes,
		newCtx:           func(i engine.Isolate) (engine.Context, error) { return i.CreateContext() },
		setupContext:     setupContext,
		isolate:          iso,
		context:          ctx,
		createdAt:        now,
		lastUsedAt:       now,
		healthy:          true,
	}, nil
}

// Isolate returns the underlying isolate.
func (p *PooledIsolate) Isolate() engine.Isolate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isolate
}

// Context returns the current live context.
func (p *PooledIsolate) Context() engine.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.context
}

// Reset releases the current context and creates a fresh one. If the
// isolate is already disposed, Reset marks the isolate unhealthy and
// fails rather than attempting to recover it.
func (p *PooledIsolate) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isolate.IsDisposed() {
		p.healthy = false
		return isoerr.New(isoerr.SandboxDisposed, "cannot reset a disposed isolate")
	}

	p.context.Dispose()
	ctx, err := p.newCtx(p.isolate)
	if err != nil {
		p.healthy = false
		return isoerr.Wrap(isoerr.ContextSetupFailed, "context reset failed", err)
	}
	if p.setupContext != nil {
		if err := p.setupContext(p.isolate, ctx); err != nil {
			p.healthy = false
			return isoerr.Wrap(isoerr.ContextSetupFailed, "context setup after reset failed", err)
		}
	}
	p.context = ctx
	return nil
}

// MarkUsed records the start of an execution against this isolate.
func (p *PooledIsolate) MarkUsed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastUsedAt = time.Now()
	p.executionCount++
}

// Age returns how long ago this isolate was created.
func (p *PooledIsolate) Age() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.createdAt)
}

// Idle returns how long ago this isolate was last used.
func (p *PooledIsolate) Idle() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastUsedAt)
}

// Healthy reports whether this isolate is still usable.
func (p *PooledIsolate) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// ExecutionCount returns the number of executions run against this
// isolate since creation.
func (p *PooledIsolate) ExecutionCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.executionCount
}

// Dispose releases the context then disposes the isolate, both as
// best-effort operations; healthy is always left false afterward.
func (p *PooledIsolate) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	func() {
		defer func() { recover() }()
		p.context.Dispose()
	}()
	func() {
		defer func() { recover() }()
		p.isolate.Dispose()
	}()
	p.healthy = false
}
