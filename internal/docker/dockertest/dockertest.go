// Package dockertest provides an in-memory docker.Runtime for tests.
package dockertest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/signalnine/tierbench/internal/docker"
)

// HandlerFunc plays the part of a container: it may write into the mounted
// host directories and returns how the container ended.
type HandlerFunc func(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error)

// Runtime records every Start call and delegates to Handler.
type Runtime struct {
	Handler HandlerFunc
	PingErr error

	mu      sync.Mutex
	calls   []*docker.RunOpts
	running atomic.Int32
	peak    atomic.Int32
}

func New(h HandlerFunc) *Runtime {
	return &Runtime{Handler: h}
}

func (r *Runtime) Ping(ctx context.Context) error {
	return r.PingErr
}

func (r *Runtime) Start(ctx context.Context, opts *docker.RunOpts) (*docker.RunResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	r.mu.Unlock()

	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Handler == nil {
		return &docker.RunResult{}, nil
	}
	return r.Handler(ctx, opts)
}

// Calls returns a copy of the recorded Start options.
func (r *Runtime) Calls() []*docker.RunOpts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*docker.RunOpts(nil), r.calls...)
}

// CallsWithLabel counts recorded calls whose label key equals value.
func (r *Runtime) CallsWithLabel(key, value string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Labels[key] == value {
			n++
		}
	}
	return n
}

// PeakConcurrency is the largest number of Start calls observed in flight at once.
func (r *Runtime) PeakConcurrency() int {
	return int(r.peak.Load())
}

// MountSource returns the host path mounted at target, or "".
func MountSource(opts *docker.RunOpts, target string) string {
	for _, m := range opts.Mounts {
		if m.Target == target {
			return m.Source
		}
	}
	return ""
}

// WriteOutput writes v as JSON to name inside the directory mounted at /output.
func WriteOutput(opts *docker.RunOpts, name string, v any) error {
	dir := MountSource(opts, "/output")
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// WriteRaw writes data verbatim to name inside the directory mounted at /output.
func WriteRaw(opts *docker.RunOpts, name string, data []byte) error {
	return os.WriteFile(filepath.Join(MountSource(opts, "/output"), name), data, 0o644)
}
