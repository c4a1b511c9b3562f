// Package queue implements the bounded concurrency gate every isolate
// acquisition is serialised through, styled on the teacher's pattern of a
// small mutex-guarded struct with derived counters (sandboxv2.DockerExecutor
// tracks active/total/success/failed the same way AsyncQueue tracks
// active/queued).
package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"isobox/internal/isoerr"
)

// Task is a unit of work submitted to an AsyncQueue.
type Task func(ctx context.Context) (interface{}, error)

// AsyncQueue is a concurrency-limited FIFO task gate: at most `concurrency`
// tasks run at once; tasks beyond that queue and are started in submission
// order (FIFO start; completion order is not guaranteed).
type AsyncQueue struct {
	sem *semaphore.Weighted

	mu       sync.Mutex
	waiters  map[int64]context.CancelFunc
	nextID   int64
	active   int64
	disposed bool
}

// New constructs an AsyncQueue. concurrency must be >= 1.
func New(concurrency int) (*AsyncQueue, error) {
	if concurrency < 1 {
		return nil, isoerr.New(isoerr.InvalidConfig, "concurrency must be >= 1")
	}
	return &AsyncQueue{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		waiters: make(map[int64]context.CancelFunc),
	}, nil
}

// Add runs task immediately if a slot is free, else blocks until one frees
// up and then runs it. A task still queued when Clear or Dispose is called
// returns isoerr.QueueCleared without running; a ctx cancellation while
// queued returns ctx.Err().
func (q *AsyncQueue) Add(ctx context.Context, task Task) (interface{}, error) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return nil, isoerr.New(isoerr.QueueCleared, "queue disposed")
	}
	if q.sem.TryAcquire(1) {
		q.active++
		q.mu.Unlock()
		return q.run(ctx, task)
	}

	id := q.nextID
	q.nextID++
	waitCtx, cancel := context.WithCancel(ctx)
	q.waiters[id] = cancel
	q.mu.Unlock()

	err := q.sem.Acquire(waitCtx, 1)

	q.mu.Lock()
	delete(q.waiters, id)
	q.mu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, isoerr.New(isoerr.QueueCleared, "queue cleared")
	}

	q.mu.Lock()
	q.active++
	q.mu.Unlock()
	return q.run(ctx, task)
}

func (q *AsyncQueue) run(ctx context.Context, task Task) (interface{}, error) {
	defer func() {
		q.mu.Lock()
		q.active--
		q.mu.Unlock()
		q.sem.Release(1)
	}()
	return task(ctx)
}

// Clear rejects every task currently queued (blocked in Add, not yet
// running) with isoerr.QueueCleared. Running tasks are unaffected. The
// queue keeps accepting new Add calls afterward.
func (q *AsyncQueue) Clear() {
	q.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(q.waiters))
	for _, cancel := range q.waiters {
		cancels = append(cancels, cancel)
	}
	q.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Size returns the number of queued (not yet running) tasks.
func (q *AsyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Active returns the number of currently running tasks.
func (q *AsyncQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.active)
}

// Pending returns Active()+Size().
func (q *AsyncQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.active) + len(q.waiters)
}

// Dispose permanently marks the queue disposed: any task currently queued,
// and any future call to Add, returns isoerr.QueueCleared. Running tasks
// are unaffected.
func (q *AsyncQueue) Dispose() {
	q.mu.Lock()
	q.disposed = true
	q.mu.Unlock()
	q.Clear()
}
