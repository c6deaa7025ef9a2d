// Package executor runs independent tasks with bounded parallelism and
// returns their results in task order.
package executor

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Task computes the result for position i.
type Task[T any] func(ctx context.Context, i int) (T, error)

// DefaultWorkers returns the default pool size: one worker per CPU.
func DefaultWorkers() int {
	return max(runtime.NumCPU(), 1)
}

// Run executes n tasks on at most workers goroutines. Results are written
// into a pre-sized slice by position, so results[i] is task i's output
// whatever order the tasks finish in. The first error cancels the context
// passed to the remaining tasks, tasks not yet started are skipped, and Run
// returns that error with a nil slice. A non-positive workers value selects
// DefaultWorkers.
func Run[T any](ctx context.Context, workers, n int, task Task[T]) ([]T, error) {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	results := make([]T, n)
	if n == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(workers, n))

	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := task(gctx, i)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	// The parent may have been canceled after the last task was queued.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
