// Package engine defines the guest execution capability the rest of the
// sandbox is written against (spec §3's "Isolate (opaque)"), plus two
// concrete implementations: a production V8 engine (rogchap.com/v8go) and
// a pure-Go engine (dop251/goja) used for tests and cgo-free hosts.
package engine

import (
	"time"

	"isobox/internal/isoerr"
)

// HostFunc is the canonical shape a host callback exposed to guest code
// takes, regardless of which concrete engine installs it.
type HostFunc func(args []interface{}) (interface{}, error)

// Copier is implemented by guest values that know how to deep-copy
// themselves across the isolation boundary. ExecutionEngine calls Copy
// when present; otherwise the raw value is returned as-is.
type Copier interface {
	Copy() interface{}
}

// CompileOptions configures a single Compile call.
type CompileOptions struct {
	Filename string
}

// RunOptions configures a single Script.Run call.
type RunOptions struct {
	Timeout      time.Duration
	PromiseAware bool
}

// HeapStatistics mirrors spec §3's getHeapStatistics() result shape.
type HeapStatistics struct {
	UsedHeapSize   uint64
	HeapSizeLimit  uint64
	TotalHeapSize  uint64
	ExternalMemory uint64
}

// Script is a compiled, context-independent unit of guest source, run
// against a fresh Context.
type Script interface {
	Run(ctx Context, opts RunOptions) (interface{}, error)
}

// Context is a fresh global scope inside an Isolate. Set installs a
// host-visible global (a plain value or a HostFunc callback); Dispose
// releases engine-side resources held by the context.
type Context interface {
	Set(name string, value interface{}) error
	Global() interface{}
	Dispose()
}

// Isolate is the guest execution environment capability spec §3
// describes: compile, run, context creation, disposal, and CPU/heap
// accounting. The core depends only on this interface.
type Isolate interface {
	Compile(source string, opts CompileOptions) (Script, error)
	CreateContext() (Context, error)
	Dispose()
	IsDisposed() bool
	CPUTime() time.Duration
	HeapStatistics() HeapStatistics
}

// NewIsolateFunc constructs a fresh Isolate with the given heap ceiling
// in bytes (0 = engine default). Each concrete engine package exposes one
// matching this shape so pool.IsolateManager stays engine-agnostic.
type NewIsolateFunc func(memoryLimitBytes uint64) (Isolate, error)

// CompositeValueSupport is an optional capability an Isolate implements
// when its Context.Set/HostFunc boundary can represent composite Go
// values (map[string]interface{}, []interface{}) rather than only
// scalar string/bool/number values. An Isolate that doesn't implement
// this interface is assumed to support composite values, matching the
// default (goja) behavior. Callers that bridge composite data across
// the host/guest boundary (MemFS directory listings, module exports)
// should type-assert for it and skip that bridging when it reports
// false rather than rely on the engine to silently coerce or reject
// the value.
type CompositeValueSupport interface {
	SupportsCompositeValues() bool
}

// errDisposed builds the error returned by operations attempted on a
// disposed Isolate.
func errDisposed() error {
	return isoerr.New(isoerr.SandboxDisposed, "isolate has been disposed")
}
