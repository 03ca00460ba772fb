package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool bounds the number of step calls in flight across every
// execution of a process. Waiters are admitted in FIFO order.
type WorkerPool struct {
	sem     *semaphore.Weighted
	size    int
	wg      sync.WaitGroup
	metrics PoolMetrics

	mu       sync.Mutex
	closed   bool
	stopCtx  context.Context
	stopFunc context.CancelFunc
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &WorkerPool{
		sem:      semaphore.NewWeighted(int64(size)),
		size:     size,
		stopCtx:  stopCtx,
		stopFunc: stop,
	}
}

// Size returns the pool capacity.
func (p *WorkerPool) Size() int {
	return p.size
}

// Run waits for a free slot, then runs fn on the calling goroutine. It
// returns ctx's error if ctx ends while waiting, ErrPoolShutdown after
// Shutdown, and converts a panic in fn into an error.
func (p *WorkerPool) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	acqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.stopCtx, cancel)
	atomic.AddInt64(&p.metrics.Queued, 1)
	acqErr := p.sem.Acquire(acqCtx, 1)
	atomic.AddInt64(&p.metrics.Queued, -1)
	stop()
	cancel()
	if acqErr != nil {
		if p.stopCtx.Err() != nil && ctx.Err() == nil {
			return ErrPoolShutdown
		}
		return ctx.Err()
	}

	// wg.Add(1) must happen under the lock to avoid racing Shutdown's wg.Wait().
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			err = fmt.Errorf("step panicked: %v", r)
		}
		if err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		p.sem.Release(1)
		p.wg.Done()
	}()

	return fn(ctx)
}

// Shutdown rejects new work, wakes queued waiters and waits for active work
// to complete.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopFunc()
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
