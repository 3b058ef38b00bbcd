package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/flowrun/pkg/schema"
)

// runParallel dispatches every ready (node, run) on a worker pool. Joins
// stay correct because RunState.Deliver checks readiness and takes the
// inputs under one lock. The
// first error cancels the run context; nodes already running finish.
func (e *Executor) runParallel(ctx context.Context, x *execution, starts []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := NewWorkerPool(e.config.PoolSize)
	defer pool.Shutdown()

	var (
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var schedule func(nodeID string, run RunIndex, inputs schema.PortData, start bool)
	schedule = func(nodeID string, run RunIndex, inputs schema.PortData, start bool) {
		pool.Go(ctx, func(ctx context.Context) error {
			dctx := ctx
			if start {
				dctx = withStart(ctx)
			}
			c, err := e.dispatch(dctx, x, nodeID, run, inputs)
			if err != nil {
				fail(err)
				return err
			}
			if c == nil {
				return nil
			}
			for {
				edge, ok := c.next(e.graph)
				if !ok {
					return nil
				}
				destRun, in, ready, err := e.deliver(ctx, x, c, edge)
				if err != nil {
					fail(err)
					return err
				}
				if ready {
					schedule(edge.Dest, destRun, in, false)
				}
			}
		}, func(reason error) {
			if ctx.Err() != nil || errors.Is(reason, ErrPoolShutdown) {
				fail(schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(reason))
				return
			}
			fail(schema.NewErrorf(schema.ErrCodeExecution, "dispatch of %s aborted: %s", nodeID, reason.Error()).
				WithNode(nodeID).WithCause(reason))
		})
	}

	for _, start := range starts {
		run, inputs := e.seed(x, start)
		schedule(start, run, inputs, true)
	}

	pool.Wait()
	return firstErr
}
