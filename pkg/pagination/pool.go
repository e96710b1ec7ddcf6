package pagination

import (
	"context"
	"sync"
)

// DefaultWorkers is the worker count used when none is configured.
const DefaultWorkers = 12

// RunAll runs task once for every entry of args on at most workers goroutines
// and blocks until all of them have returned. The order of the returned
// results is unspecified.
//
// Tasks must be independent. RunAll does not stop early when ctx is done;
// tasks are expected to observe ctx themselves and return promptly.
func RunAll[A, R any](ctx context.Context, workers int, task func(context.Context, A) R, args []A) []R {
	if len(args) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(args) {
		workers = len(args)
	}

	queue := make(chan A, len(args))
	for _, a := range args {
		queue <- a
	}
	close(queue)

	results := make(chan R, len(args))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range queue {
				results <- task(ctx, a)
			}
		}()
	}

	wg.Wait()
	close(results)

	out := make([]R, 0, len(args))
	for r := range results {
		out = append(out, r)
	}
	return out
}
