package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/engine"
	"isobox/internal/exec"
	"isobox/internal/isoerr"
)

func testConfig() Config {
	return Config{Min: 1, Max: 2, IdleTimeout: 50 * time.Millisecond}
}

func TestNewIsolatePoolRejectsInvalidConfig(t *testing.T) {
	_, err := NewIsolatePool(Config{Min: 0, Max: 1}, engine.NewGojaIsolate, nil, nil)
	require.Error(t, err)
	assert.True(t, isoerr.Is(err, isoerr.InvalidPoolConfig))

	_, err = NewIsolatePool(Config{Min: 3, Max: 1}, engine.NewGojaIsolate, nil, nil)
	require.Error(t, err)
}

func TestAcquireCreatesIsolateWhenNoneAvailable(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	pi, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, pi.ID)
	assert.Equal(t, 1, p.Stats().InUse)
}

func TestReleaseReturnsHealthyIsolateToAvailable(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	pi, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(pi)

	assert.Equal(t, 1, p.Stats().Available)
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestAcquireReusesReleasedIsolate(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	firstID := first.ID
	p.Release(first)

	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstID, second.ID)
}

func TestPoolNeverExceedsMaxConcurrentAcquisitions(t *testing.T) {
	p, err := NewIsolatePool(Config{Min: 1, Max: 2, IdleTimeout: time.Second}, engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.Error(t, err, "a third acquire beyond max should block until timeout/release")

	p.Release(a)
	p.Release(b)
}

func TestExecuteRunsCodeAndReleasesIsolate(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	result, err := p.Execute(context.Background(), "1 + 1", exec.Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Nil(t, result.Error)
	assert.EqualValues(t, 2, result.Value)
	assert.Equal(t, 1, p.Stats().Available)
}

func TestExecuteMarksIsolateUnhealthyOnGuestError(t *testing.T) {
	p, err := NewIsolatePool(Config{Min: 1, Max: 1, IdleTimeout: time.Second}, engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	result, err := p.Execute(context.Background(), "while(true){}", exec.Options{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, result.Error)

	assert.Equal(t, 0, p.Stats().Available, "an unhealthy (disposed-by-watchdog) isolate must not return to available")
}

func TestWarmupPopulatesAvailableSet(t *testing.T) {
	p, err := NewIsolatePool(Config{Min: 2, Max: 2, IdleTimeout: time.Second}, engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	p.Warmup()
	assert.Equal(t, 2, p.Stats().Available)
}

func TestDrainWaitsForInUseToEmpty(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	pi, err := p.Acquire(context.Background())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(pi)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

func TestDisposeIsIdempotentAndRejectsFutureAcquire(t *testing.T) {
	p, err := NewIsolatePool(testConfig(), engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)

	p.Dispose()
	assert.NotPanics(t, func() { p.Dispose() })

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, isoerr.Is(err, isoerr.PoolDisposed))
}

func TestReaperNeverShrinksBelowMin(t *testing.T) {
	p, err := NewIsolatePool(Config{Min: 1, Max: 3, IdleTimeout: 10 * time.Millisecond}, engine.NewGojaIsolate, nil, nil)
	require.NoError(t, err)
	defer p.Dispose()

	p.Warmup()
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a)
	p.Release(b)

	time.Sleep(80 * time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().Available, 1)
}
