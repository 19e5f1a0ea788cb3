package runner

import (
	"context"
	"errors"
	"sync"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// RunPool executes jobs with at most maxWorkers concurrently and waits for
// all of them. The first failing job cancels the context handed to the rest;
// jobs not yet started are skipped. Returns all errors.
func RunPool(parent context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, maxWorkers)

	for _, job := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := j(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}(job)
	}
	wg.Wait()

	if len(errs) == 0 && parent.Err() != nil {
		errs = append(errs, parent.Err())
	}
	return errs
}

// FirstCause picks the most informative error: the first that is not a
// cancellation, or the first error if all are.
func FirstCause(errs []error) error {
	for _, err := range errs {
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
