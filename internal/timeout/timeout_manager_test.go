package timeout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/engine"
	"isobox/internal/isoerr"
)

func newIsolate(t *testing.T) engine.Isolate {
	t.Helper()
	iso, err := engine.NewGojaIsolate(0)
	require.NoError(t, err)
	return iso
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(Config{InfiniteLoopThreshold: 1.5, MinDetectionMs: 100 * time.Millisecond}, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, isoerr.Is(err, isoerr.InvalidConfig))
}

func TestNewManagerPreservesExplicitZeroInfiniteLoopThreshold(t *testing.T) {
	m, err := NewManager(Config{InfiniteLoopThreshold: 0, MinDetectionMs: 0}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Config{InfiniteLoopThreshold: 0, MinDetectionMs: 0}, m.cfg,
		"an explicit all-zero config must not be silently replaced with DefaultConfig()")
}

func TestStartTimeoutRejectsNonPositiveTimeout(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	_, err = m.StartTimeout(newIsolate(t), 0, "id-1")
	assert.Error(t, err)
}

func TestWallTimeoutFiresAndDisposesIsolate(t *testing.T) {
	iso := newIsolate(t)
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	var fired FiredEvent
	var mu sync.Mutex
	m.onFired = func(e FiredEvent) {
		mu.Lock()
		fired = e
		mu.Unlock()
	}

	h, err := m.StartTimeout(iso, 30*time.Millisecond, "timeout-1")
	require.NoError(t, err)

	require.Eventually(t, h.Triggered, time.Second, 5*time.Millisecond)
	assert.True(t, iso.IsDisposed())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ReasonTimeout, fired.Reason)
}

func TestClearCancelsHandleBeforeFiring(t *testing.T) {
	iso := newIsolate(t)
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	h, err := m.StartTimeout(iso, time.Second, "timeout-2")
	require.NoError(t, err)

	m.Clear("timeout-2")
	time.Sleep(20 * time.Millisecond)

	assert.False(t, h.Triggered())
	assert.False(t, iso.IsDisposed())
}

func TestClearOnUnknownIDIsSafe(t *testing.T) {
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	assert.NotPanics(t, func() { m.Clear("nonexistent") })
}

func TestCPUMonitoringFiresOnCPULimitBreach(t *testing.T) {
	iso := newIsolate(t)
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	var reason Reason
	var mu sync.Mutex
	m.onFired = func(e FiredEvent) {
		mu.Lock()
		reason = e.Reason
		mu.Unlock()
	}

	ctx, err := iso.CreateContext()
	require.NoError(t, err)
	script, err := iso.Compile("let x = 0; for (let i = 0; i < 5e7; i++) { x += i; }", engine.CompileOptions{})
	require.NoError(t, err)

	h, err := m.StartCPUMonitoring(iso, 5*time.Millisecond, "cpu-1")
	require.NoError(t, err)

	go func() { _, _ = script.Run(ctx, engine.RunOptions{}) }()

	require.Eventually(t, h.Triggered, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ReasonCPULimit, reason)
}

func TestFireIsIdempotent(t *testing.T) {
	iso := newIsolate(t)
	m, err := NewManager(DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	h, err := m.StartTimeout(iso, 10*time.Millisecond, "idempotent-1")
	require.NoError(t, err)
	require.Eventually(t, h.Triggered, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		m.fire(h, ReasonTimeout)
		m.fire(h, ReasonTimeout)
	})
}
