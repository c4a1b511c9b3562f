package modules

import (
	"isobox/internal/isoerr"
)

// Loader compiles and runs a resolved module's source in a scope where
// `require` re-enters ModuleSystem.Require, and returns whatever the
// module body assigned to its exports object. It is supplied by the engine
// layer (the module body must run inside the guest isolate, which this
// package does not depend on).
type Loader func(src Source, exports interface{}, requireFn func(request string) (interface{}, error)) error

// System implements spec.md §4.5's require algorithm over a Cache,
// CircularDeps stack, and Resolver.
type System struct {
	cache    *Cache
	circular *CircularDeps
	resolver *Resolver
	load     Loader
	newExports func() interface{}
}

// NewSystem constructs a ModuleSystem. newExports creates a fresh,
// mutable exports object (e.g. a guest-engine object value) for each
// newly-started module load; if nil, a map[string]interface{} is used.
func NewSystem(resolver *Resolver, load Loader, newExports func() interface{}) *System {
	if newExports == nil {
		newExports = func() interface{} { return map[string]interface{}{} }
	}
	return &System{
		cache:      NewCache(),
		circular:   NewCircularDeps(),
		resolver:   resolver,
		load:       load,
		newExports: newExports,
	}
}

// Cache exposes the underlying ModuleCache (for stats/inspection).
func (s *System) Cache() *Cache { return s.cache }

// Circular exposes the underlying CircularDeps tracker.
func (s *System) Circular() *CircularDeps { return s.circular }

// Require resolves request from requesterID and returns its exports,
// loading (and, for cycles, returning partial) as needed:
//
//  1. Resolve to a canonical id via the Resolver.
//  2. If cached and loaded, return its exports.
//  3. If cached and not loaded (a cycle), return the in-progress exports
//     object as-is (Node-compatible partial-exports semantics).
//  4. Otherwise insert a loaded=false placeholder, push the id onto the
//     CircularDeps stack, run the module body (which may recursively
//     Require), mark loaded=true, pop the stack, and return exports.
func (s *System) Require(requesterID, request string) (interface{}, error) {
	resolved, err := s.resolver.Resolve(requesterID, request)
	if err != nil {
		return nil, err
	}

	if rec, ok := s.cache.Get(resolved.ID); ok {
		return rec.Exports, nil
	}

	exports := s.newExports()
	rec := &Record{ID: resolved.ID, Exports: exports, Loaded: false}
	s.cache.Set(resolved.ID, rec)
	s.circular.StartLoading(resolved.ID)

	requireFn := func(nested string) (interface{}, error) {
		return s.Require(resolved.ID, nested)
	}

	err = s.load(resolved, exports, requireFn)
	s.circular.FinishLoading(resolved.ID)
	if err != nil {
		s.cache.Delete(resolved.ID)
		return nil, isoerr.Wrap(isoerr.GuestRuntimeError, "module load failed: "+resolved.ID, err)
	}

	rec.Loaded = true
	return rec.Exports, nil
}

// Reset clears the module cache; the circular-dependency tracker is left
// as it is.
func (s *System) Reset() {
	s.cache.Clear()
}
