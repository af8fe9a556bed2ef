package concurrency

import (
	"context"
	"sync"
)

// Task is one unit of work scheduled by Pool, indexed 0..n-1.
type Task func(ctx context.Context, index int) (any, error)

// Pool runs n tasks with at most limit running concurrently, collecting
// results in index order. The first task error cancels the context passed
// to every other task and is returned; in-flight tasks are given the chance
// to observe cancellation and return promptly.
func Pool(ctx context.Context, n int, limit int, task Task) ([]any, error) {
	if n == 0 {
		return nil, nil
	}
	if limit < 1 {
		limit = 1
	}
	if limit > n {
		limit = n
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]any, n)
	errs := make([]error, n)
	sem := NewSemaphore(limit)

	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	var firstErr error

	for i := 0; i < n; i++ {
		release, err := sem.Acquire(runCtx)
		if err != nil {
			errs[i] = err
			continue
		}

		wg.Add(1)
		go func(idx int, release ReleaseFunc) {
			defer wg.Done()
			defer release()

			res, err := task(runCtx, idx)
			if err != nil {
				errs[idx] = err
				firstErrOnce.Do(func() {
					firstErr = err
					cancel()
				})
				return
			}
			results[idx] = res
		}(i, release)
	}

	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
