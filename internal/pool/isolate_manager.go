// Package pool implements isolate lifecycle management: creation,
// tracking, reuse via PooledIsolate, and the min/max IsolatePool with
// warmup and idle reaping.
package pool

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
	"isobox/internal/logging"
)

// ManagerStats is a point-in-time snapshot of IsolateManager bookkeeping.
type ManagerStats struct {
	Tracked int
}

// IsolateManager creates, tracks, and disposes guest isolates.
// memoryLimitBytes passed to create() is floored at 8MB and converted to
// whole megabytes before being handed to the engine, matching spec's
// "memory limit converted to whole megabytes, floored at 8 MB."
type IsolateManager struct {
	newIsolate engine.NewIsolateFunc
	logger     *zap.Logger

	mu      sync.Mutex
	tracked map[string]engine.Isolate
	seq     int64
}

const minMemoryLimitBytes = 8 * 1024 * 1024

// NewIsolateManager constructs a manager backed by newIsolate (an
// engine-specific constructor, e.g. engine.NewGojaIsolate or
// engine.NewV8Isolate). logger defaults to logging.L().
func NewIsolateManager(newIsolate engine.NewIsolateFunc, logger *zap.Logger) *IsolateManager {
	if logger == nil {
		logger = logging.L()
	}
	return &IsolateManager{newIsolate: newIsolate, logger: logger, tracked: make(map[string]engine.Isolate)}
}

// GenerateID produces an "iso-<n>-<base36(now)>" id, matching spec's
// generateId() contract.
func (m *IsolateManager) GenerateID() string {
	m.mu.Lock()
	m.seq++
	n := m.seq
	m.mu.Unlock()
	return "iso-" + strconv.FormatInt(n, 10) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

// Create constructs a fresh isolate with memoryLimitBytes floored at 8MB
// (0 means "use the engine default", which bypasses flooring), generates
// an id, and tracks it.
func (m *IsolateManager) Create(memoryLimitBytes uint64) (string, engine.Isolate, error) {
	effective := memoryLimitBytes
	if effective > 0 && effective < minMemoryLimitBytes {
		effective = minMemoryLimitBytes
	}
	megabytes := effective
	if megabytes > 0 {
		megabytes = (megabytes / (1024 * 1024)) * 1024 * 1024
		if megabytes == 0 {
			megabytes = minMemoryLimitBytes
		}
	}

	iso, err := m.newIsolate(megabytes)
	if err != nil {
		return "", nil, isoerr.Wrap(isoerr.ContextSetupFailed, "isolate creation failed", err)
	}
	id := m.GenerateID()
	if err := m.Track(id, iso); err != nil {
		iso.Dispose()
		return "", nil, err
	}
	return id, iso, nil
}

// Track registers iso under id. Duplicate ids fail with AlreadyTracked.
func (m *IsolateManager) Track(id string, iso engine.Isolate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tracked[id]; exists {
		return isoerr.New(isoerr.AlreadyTracked, "isolate id already tracked: "+id)
	}
	m.tracked[id] = iso
	return nil
}

// Get returns the tracked isolate for id, if any.
func (m *IsolateManager) Get(id string) (engine.Isolate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iso, ok := m.tracked[id]
	return iso, ok
}

// Untrack removes id from tracking without disposing it.
func (m *IsolateManager) Untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

// Dispose untracks id and disposes its isolate. A no-op on an untracked
// id; errors from an already-disposed isolate are swallowed.
func (m *IsolateManager) Dispose(id string) {
	m.mu.Lock()
	iso, ok := m.tracked[id]
	if ok {
		delete(m.tracked, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Debug("isolate dispose panicked, swallowed", zap.String("id", id), zap.Any("recovered", r))
			}
		}()
		iso.Dispose()
	}()
}

// DisposeAll disposes every tracked isolate and clears tracking.
func (m *IsolateManager) DisposeAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Dispose(id)
	}
}

// GetStats returns current tracking bookkeeping.
func (m *IsolateManager) GetStats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{Tracked: len(m.tracked)}
}
