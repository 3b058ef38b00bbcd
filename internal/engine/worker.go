package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a point-in-time view of a WorkerPool's counters.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is reported for work scheduled on, or still waiting in, a
// pool that has been shut down.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs node dispatches with bounded concurrency. Go never blocks:
// a running node can schedule its successors without giving up its slot.
type WorkerPool struct {
	slots chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool

	queued, active, completed, failed, dropped, panics atomic.Int64
}

// NewWorkerPool returns a pool running at most size tasks at once. Sizes
// below one mean one.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make(chan struct{}, max(size, 1)),
		stop:  make(chan struct{}),
	}
}

// Go schedules fn. Wait counts it from this moment. If ctx ends or the pool
// shuts down before a slot frees up, fn is skipped and onDrop (when set)
// receives the reason. A panic in fn is recovered and handed to onDrop too.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context) error, onDrop func(error)) {
	if !p.admit() {
		p.dropped.Add(1)
		notify(onDrop, ErrPoolShutdown)
		return
	}

	go func() {
		defer p.wg.Done()
		if err := p.acquire(ctx); err != nil {
			p.queued.Add(-1)
			p.dropped.Add(1)
			notify(onDrop, err)
			return
		}
		defer p.release()
		p.run(ctx, fn, onDrop)
	}()
}

// admit registers a task unless the pool is closed. The WaitGroup is bumped
// under the lock so Shutdown cannot miss it.
func (p *WorkerPool) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	p.queued.Add(1)
	return true
}

func (p *WorkerPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		p.queued.Add(-1)
		p.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrPoolShutdown
	}
}

func (p *WorkerPool) release() {
	p.active.Add(-1)
	<-p.slots
}

func (p *WorkerPool) run(ctx context.Context, fn func(context.Context) error, onDrop func(error)) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			notify(onDrop, fmt.Errorf("worker panic: %v", r))
		}
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func notify(onDrop func(error), err error) {
	if onDrop != nil {
		onDrop(err)
	}
}

// Wait blocks until every scheduled task has run or been dropped, including
// tasks that other tasks schedule while it waits.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work, drops tasks still waiting for a slot and
// waits for the running ones. Later calls return immediately.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    p.queued.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Panics:    p.panics.Load(),
	}
}
