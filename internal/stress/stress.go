// Package stress provides a small fan-out harness shared by the test
// suites in rwlock, idtable, and freelist. It exists so concurrency tests
// read as "run N workers, bound how many run at once, report the first
// failure" instead of each package hand-rolling its own WaitGroup and
// channel plumbing.
package stress

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Run launches n workers, each invoked with its own index, bounded to at
// most maxConcurrent running at once. It waits for every worker to return
// and returns the first error any worker returned, if any; the context
// passed to the workers is cancelled once one of them fails.
//
// maxConcurrent <= 0 means unbounded.
func Run(ctx context.Context, n, maxConcurrent int, worker func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)

	var sem *semaphore.Weighted
	if maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
	}

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if sem != nil {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
			}
			return worker(gctx, i)
		})
	}

	return g.Wait()
}
