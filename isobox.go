// Package isobox is the host-facing facade: new IsoBox(options) wires a
// MemFS, an IsolatePool, the module/require bridge, and a session store
// into the single sandbox.run/compile/createSession/fs/dispose surface
// described for the core. Config shape (struct-of-options,
// DefaultOptions/mergeOptions, env-var-seeded defaults) follows the
// teacher's sandbox v2 ManagerConfig/DefaultConfig/mergeConfig trio.
package isobox

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"isobox/internal/bridge"
	"isobox/internal/engine"
	"isobox/internal/exec"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
	"isobox/internal/memfs"
	"isobox/internal/metricsprom"
	"isobox/internal/modules"
	"isobox/internal/pool"
	"isobox/internal/session"
)

const minMemoryLimitBytes = 8 * 1024 * 1024

// PoolOptions configures the isolate pool backing one sandbox.
type PoolOptions struct {
	Min         int
	Max         int
	IdleTimeout time.Duration
	WarmupCode  string
}

// Options configures a new sandbox instance.
type Options struct {
	Timeout         time.Duration        // default wall-clock per run
	MemoryLimit     uint64               // default heap cap in bytes; must be >= 8 MiB
	CPULimit        time.Duration        // default CPU cap; defaults to Timeout when zero
	ModuleAllowlist map[string]string    // builtin module name -> source, forwarded to the Resolver
	ModulePrefixes  []string             // MemFS path prefixes require() may resolve under
	FilesystemMax   int64                // MemFS quota in bytes; 0 = unbounded
	Pool            PoolOptions
	Logger          *zap.Logger
	Recorder        metricsprom.Recorder
	NewIsolate      engine.NewIsolateFunc // defaults to engine.NewGojaIsolate
}

func (o Options) validate() error {
	if o.Timeout <= 0 {
		return isoerr.New(isoerr.InvalidConfig, "timeout must be > 0")
	}
	if o.MemoryLimit < minMemoryLimitBytes {
		return isoerr.New(isoerr.InvalidConfig, "memoryLimit must be >= 8 MiB")
	}
	return nil
}

// DefaultOptions returns a production-biased configuration. Numeric
// defaults may be overridden by ISOBOX_DEFAULT_TIMEOUT_MS /
// ISOBOX_DEFAULT_MEMORY_LIMIT_BYTES for operators who want to tune the
// baseline without touching call sites, mirroring the teacher's
// env-seeded ManagerConfig defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:     envDurationMs("ISOBOX_DEFAULT_TIMEOUT_MS", 5*time.Second),
		MemoryLimit: envUint("ISOBOX_DEFAULT_MEMORY_LIMIT_BYTES", 64*1024*1024),
		Pool: PoolOptions{
			Min:         1,
			Max:         4,
			IdleTimeout: 30 * time.Second,
		},
		NewIsolate: engine.NewGojaIsolate,
	}
}

func mergeOptions(base, override Options) Options {
	if override.Timeout != 0 {
		base.Timeout = override.Timeout
	}
	if override.MemoryLimit > 0 {
		base.MemoryLimit = override.MemoryLimit
	}
	if override.CPULimit > 0 {
		base.CPULimit = override.CPULimit
	}
	if override.ModuleAllowlist != nil {
		base.ModuleAllowlist = override.ModuleAllowlist
	}
	if override.ModulePrefixes != nil {
		base.ModulePrefixes = override.ModulePrefixes
	}
	if override.FilesystemMax > 0 {
		base.FilesystemMax = override.FilesystemMax
	}
	if override.Pool.Min > 0 {
		base.Pool.Min = override.Pool.Min
	}
	if override.Pool.Max > 0 {
		base.Pool.Max = override.Pool.Max
	}
	if override.Pool.IdleTimeout > 0 {
		base.Pool.IdleTimeout = override.Pool.IdleTimeout
	}
	if override.Pool.WarmupCode != "" {
		base.Pool.WarmupCode = override.Pool.WarmupCode
	}
	if override.Logger != nil {
		base.Logger = override.Logger
	}
	if override.Recorder != nil {
		base.Recorder = override.Recorder
	}
	if override.NewIsolate != nil {
		base.NewIsolate = override.NewIsolate
	}
	return base
}

// RunOptions configures one sandbox.run/runScript call, overriding the
// sandbox's defaults for that call only.
type RunOptions struct {
	Timeout     time.Duration
	CPULimit    time.Duration
	MemoryLimit uint64
	Filename    string
}

// CompiledScript is a syntax-validated source ready for RunScript.
// Compilation happens again per pooled isolate at run time — engine.Script
// values are bound to the isolate that produced them and are not
// portable across the pool's isolates — but Compile surfaces a compile
// error eagerly, before any isolate is acquired.
type CompiledScript struct {
	Source   string
	Filename string
}

// IsoBox is one sandbox instance: one MemFS, one isolate pool, one
// session store. State is process-local; nothing is persisted.
type IsoBox struct {
	opts Options
	fs   *memfs.MemFS
	pool *pool.IsolatePool
	sess *session.Store

	mu            sync.Mutex
	disposed      bool
	moduleSystems map[engine.Isolate]*modules.System
}

// New constructs a sandbox. A nil or zero-value field in opts falls back
// to DefaultOptions(); an invalid merged configuration (non-positive
// timeout, sub-minimum memory limit) fails with isoerr.InvalidConfig.
func New(opts Options) (*IsoBox, error) {
	merged := mergeOptions(DefaultOptions(), opts)
	if err := merged.validate(); err != nil {
		return nil, err
	}
	if merged.Logger == nil {
		merged.Logger = logging.L()
	}
	if merged.Recorder == nil {
		merged.Recorder = metricsprom.NoopRecorder{}
	}

	b := &IsoBox{
		opts:          merged,
		fs:            memfs.New(merged.FilesystemMax),
		sess:          session.NewStore(),
		moduleSystems: make(map[engine.Isolate]*modules.System),
	}

	executor, err := exec.New(merged.Logger)
	if err != nil {
		return nil, err
	}
	executor.WithRecorder(merged.Recorder)

	p, err := pool.NewIsolatePool(pool.Config{
		Min:              merged.Pool.Min,
		Max:              merged.Pool.Max,
		IdleTimeout:      merged.Pool.IdleTimeout,
		WarmupCode:       merged.Pool.WarmupCode,
		MemoryLimitBytes: merged.MemoryLimit,
		Recorder:         merged.Recorder,
		SetupContext:     b.setupContext,
	}, merged.NewIsolate, executor, merged.Logger)
	if err != nil {
		return nil, err
	}
	b.pool = p
	return b, nil
}

// setupContext installs the MemFS/require bridge on every freshly
// (re)created isolate context: the pool's SetupContext hook. Skipped
// entirely for an isolate whose engine cannot carry composite values
// across the host/guest boundary (currently: isolates built by
// engine.NewV8Isolate) — the
// bridge's fs.readdir/fs.stat results and require()'s module.exports are
// both composite, and there is no safe way to represent them with that
// engine's Context.Set, so guest code under it simply doesn't see
// __host_fs or require rather than seeing them present but broken.
func (b *IsoBox) setupContext(iso engine.Isolate, ctx engine.Context) error {
	if cvs, ok := iso.(engine.CompositeValueSupport); ok && !cvs.SupportsCompositeValues() {
		b.opts.Logger.Warn("skipping MemFS/require bridge: isolate engine does not support composite host/guest values")
		return nil
	}
	if err := bridge.Install(iso, ctx, b.fs); err != nil {
		return err
	}
	resolver := modules.NewResolver(b.fs, b.opts.ModuleAllowlist, b.opts.ModulePrefixes)
	sys := modules.NewSystem(resolver, bridge.NewModuleLoader(iso, ctx), nil)
	if err := bridge.InstallRequire(ctx, sys, ""); err != nil {
		return err
	}
	b.mu.Lock()
	b.moduleSystems[iso] = sys
	b.mu.Unlock()
	return nil
}

func (b *IsoBox) isDisposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Run compiles and executes code in one pooled isolate, returning the
// transferred result value or a SandboxError (host-config failures and
// sanitised guest-origin failures alike surface as a Go error here,
// unlike exec.Engine.Execute's "errors are data" contract one layer
// down).
func (b *IsoBox) Run(ctx context.Context, code string, opts RunOptions) (interface{}, error) {
	if b.isDisposed() {
		return nil, isoerr.New(isoerr.SandboxDisposed, "sandbox disposed")
	}
	execOpts := exec.Options{
		Timeout:     coalesceDuration(opts.Timeout, b.opts.Timeout),
		CPULimit:    coalesceDuration(opts.CPULimit, b.opts.CPULimit),
		MemoryLimit: coalesceUint(opts.MemoryLimit, b.opts.MemoryLimit),
		Filename:    opts.Filename,
	}
	result, err := b.pool.Execute(ctx, code, execOpts)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, isoerr.New(result.Error.Code, result.Error.Message)
	}
	return result.Value, nil
}

// Compile syntax-checks code against a scratch isolate and returns a
// CompiledScript for RunScript. Rejects empty/whitespace code the same
// way Run does.
func (b *IsoBox) Compile(code string) (CompiledScript, error) {
	if strings.TrimSpace(code) == "" {
		return CompiledScript{}, isoerr.New(isoerr.InvalidInput, "Code cannot be empty")
	}
	iso, err := b.opts.NewIsolate(b.opts.MemoryLimit)
	if err != nil {
		return CompiledScript{}, err
	}
	defer iso.Dispose()
	if _, err := iso.Compile(code, engine.CompileOptions{}); err != nil {
		return CompiledScript{}, isoerr.Wrap(isoerr.GuestCompileError, "compile failed", err)
	}
	return CompiledScript{Source: code}, nil
}

// RunScript executes a previously compiled script through the pool.
func (b *IsoBox) RunScript(ctx context.Context, script CompiledScript, opts RunOptions) (interface{}, error) {
	if opts.Filename == "" {
		opts.Filename = script.Filename
	}
	return b.Run(ctx, script.Source, opts)
}

// CreateSession registers a new TTL-scoped session. ttl <= 0 never
// expires on its own. Duplicate ids fail with isoerr.SessionExists.
func (b *IsoBox) CreateSession(id string, ttl time.Duration) (*session.Session, error) {
	return b.sess.Create(id, ttl)
}

// GetSession returns the session for id, or nil if it was never created,
// was deleted, or has expired.
func (b *IsoBox) GetSession(id string) *session.Session {
	return b.sess.Get(id)
}

// FS exposes the sandbox's MemFS.
func (b *IsoBox) FS() *memfs.MemFS {
	return b.fs
}

// On registers a listener for one of the exec.Event* names.
func (b *IsoBox) On(name string, l exec.Listener) {
	b.pool.On(name, l)
}

// Off removes all listeners for name.
func (b *IsoBox) Off(name string) {
	b.pool.Off(name)
}

// Stats returns the isolate pool's occupancy snapshot.
func (b *IsoBox) Stats() pool.Stats {
	return b.pool.Stats()
}

// Dispose is idempotent: disposes every pooled isolate and rejects
// future Run/RunScript calls with SandboxDisposed.
func (b *IsoBox) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	b.mu.Unlock()
	b.pool.Dispose()
}

func coalesceDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func coalesceUint(v, fallback uint64) uint64 {
	if v > 0 {
		return v
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envUint(key string, fallback uint64) uint64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return fallback
	}
	return n
}
