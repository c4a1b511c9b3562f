package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isobox/internal/isoerr"
)

func TestNewRejectsInvalidConcurrency(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
	assert.Equal(t, isoerr.InvalidConfig, isoerr.CodeOf(err))
}

func TestAddRunsImmediatelyWhenSlotFree(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)

	v, err := q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 0, q.Active())
	assert.Equal(t, 0, q.Size())
}

func TestFIFOGateLimitsConcurrency(t *testing.T) {
	q, err := New(2)
	require.NoError(t, err)

	var concurrent, maxConcurrent int64
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt64(&concurrent, 1)
				for {
					old := atomic.LoadInt64(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt64(&maxConcurrent, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&concurrent, -1)
				return nil, nil
			})
		}()
	}

	require.Eventually(t, func() bool { return q.Active() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 3, q.Size())

	close(release)
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt64(&maxConcurrent), int64(2))
	assert.Equal(t, 0, q.Pending())
}

func TestClearRejectsOnlyQueuedTasks(t *testing.T) {
	q, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	runningStarted := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(runningStarted)
			<-release
			return "ran", nil
		})
	}()
	<-runningStarted

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			return "should not run", nil
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)
	q.Clear()

	select {
	case err := <-errCh:
		assert.Equal(t, isoerr.QueueCleared, isoerr.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("cleared task never returned")
	}

	close(release)
}

func TestDisposeRejectsFutureAdds(t *testing.T) {
	q, err := New(1)
	require.NoError(t, err)
	q.Dispose()

	_, err = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, isoerr.QueueCleared, isoerr.CodeOf(err))
}

func TestAddRespectsContextCancellation(t *testing.T) {
	q, err := New(1)
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = q.Add(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Add(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return q.Size() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled task never returned")
	}
	close(release)
}
