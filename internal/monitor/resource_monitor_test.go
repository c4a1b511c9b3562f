package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/engine"
)

func busyIsolate(t *testing.T) (engine.Isolate, engine.Context) {
	t.Helper()
	iso, err := engine.NewGojaIsolate(0)
	require.NoError(t, err)
	ctx, err := iso.CreateContext()
	require.NoError(t, err)
	return iso, ctx
}

func TestStartMonitoringRejectsEmptyID(t *testing.T) {
	iso, _ := busyIsolate(t)
	defer iso.Dispose()

	m := New(nil)
	_, err := m.StartMonitoring(iso, "", 1000, 0, nil)
	assert.Error(t, err)
}

func TestStopMonitoringUnknownIDIsSafe(t *testing.T) {
	m := New(nil)
	stats := m.StopMonitoring("never-armed")
	assert.Equal(t, Stats{}, stats)
}

func TestStopMonitoringReturnsAggregateStats(t *testing.T) {
	iso, _ := busyIsolate(t)
	defer iso.Dispose()

	m := New(nil)
	_, err := m.StartMonitoring(iso, "run-1", 0, 0, nil)
	require.NoError(t, err)

	time.Sleep(35 * time.Millisecond)
	stats := m.StopMonitoring("run-1")

	assert.Greater(t, stats.Duration, time.Duration(0))
	assert.False(t, m.Active("run-1"))
}

func TestCPUWarningsFireAboveThresholds(t *testing.T) {
	iso, ctx := busyIsolate(t)
	defer iso.Dispose()
	defer ctx.Dispose()

	m := New(nil)

	var mu sync.Mutex
	var kinds []WarningKind
	onWarn := func(w Warning) {
		mu.Lock()
		kinds = append(kinds, w.Kind)
		mu.Unlock()
	}

	// Run a script first so the isolate has accumulated guest CPU time;
	// with cpuLimitMs this tiny, the very first ticks already exceed
	// 80%/95% of the budget.
	script, err := iso.Compile("for (var i = 0; i < 1e5; i++) {}", engine.CompileOptions{})
	require.NoError(t, err)
	_, err = script.Run(ctx, engine.RunOptions{})
	require.NoError(t, err)

	_, err = m.StartMonitoring(iso, "cpu-1", 0.001, 0, onWarn)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) > 0
	}, time.Second, 5*time.Millisecond)

	m.StopMonitoring("cpu-1")

	mu.Lock()
	defer mu.Unlock()
	found80, found95 := false, false
	for _, k := range kinds {
		if k == CPUWarning80 {
			found80 = true
		}
		if k == CPUWarning95 {
			found95 = true
		}
	}
	assert.True(t, found80 || found95, "expected at least one CPU warning kind to fire")
}

func TestWarningCallbackPanicIsIsolated(t *testing.T) {
	iso, ctx := busyIsolate(t)
	defer iso.Dispose()

	// Accumulate guest CPU time so the tiny cpu limit makes warnings
	// (and therefore the panicking callback) fire on every tick.
	script, err := iso.Compile("for (var i = 0; i < 1e5; i++) {}", engine.CompileOptions{})
	require.NoError(t, err)
	_, err = script.Run(ctx, engine.RunOptions{})
	require.NoError(t, err)

	m := New(nil)
	onWarn := func(w Warning) { panic("boom") }

	_, err = m.StartMonitoring(iso, "panic-1", 0.001, 0, onWarn)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.NotPanics(t, func() { m.StopMonitoring("panic-1") })
}
