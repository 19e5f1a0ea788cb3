package docker

import (
	"context"
	"errors"
	"time"
)

// ErrBackendUnavailable means the container daemon could not be reached.
// It is fatal for an experiment: nothing ever runs outside a container.
var ErrBackendUnavailable = errors.New("container backend unavailable")

// Runtime starts isolated containers and reports how they ended.
type Runtime interface {
	Ping(ctx context.Context) error
	Start(ctx context.Context, opts *RunOpts) (*RunResult, error)
}

type RunOpts struct {
	Name            string
	Image           string
	Command         []string
	Env             map[string]string
	Mounts          []Mount
	WorkingDir      string
	Timeout         time.Duration
	Limits          Limits
	UserID          string
	Labels          map[string]string
	NetworkDisabled bool
}

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type Limits struct {
	CPUs        float64
	MemoryBytes int64
	PidsLimit   int64
	DiskBytes   int64
}

type Usage struct {
	PeakMemoryBytes uint64
	CPUTimeNanos    uint64
}

// RunResult describes a finished container. A timeout is reported here, not
// as an error.
type RunResult struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
	Usage    Usage
}

// TimeoutExitCode is reported for containers killed at their deadline.
const TimeoutExitCode = 124
