package runner

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/signalnine/tierbench/internal/docker"
)

// limitedRuntime caps the number of containers alive at once across every
// tier, subtest, and run sharing it.
type limitedRuntime struct {
	docker.Runtime
	sem *semaphore.Weighted
}

func limitRuntime(rt docker.Runtime, n int) docker.Runtime {
	if n < 1 {
		n = 1
	}
	return &limitedRuntime{Runtime: rt, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limitedRuntime) Start(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.Runtime.Start(ctx, opts)
}
