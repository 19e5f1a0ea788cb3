package docker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/moby/moby/client"
)

// statsSample is the subset of the daemon's stats payload tierbench records.
type statsSample struct {
	MemoryStats struct {
		Usage    uint64 `json:"usage"`
		MaxUsage uint64 `json:"max_usage"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
}

type statsSampler struct {
	mu   sync.Mutex
	peak uint64
	cpu  uint64
	done chan struct{}
}

func newStatsSampler() *statsSampler {
	return &statsSampler{done: make(chan struct{})}
}

func (s *statsSampler) run(ctx context.Context, cli *client.Client, containerID string) {
	defer close(s.done)
	res, err := cli.ContainerStats(ctx, containerID, client.ContainerStatsOptions{Stream: true})
	if err != nil {
		return
	}
	defer res.Body.Close()
	dec := json.NewDecoder(res.Body)
	for {
		var sample statsSample
		if err := dec.Decode(&sample); err != nil {
			return
		}
		s.record(sample)
	}
}

func (s *statsSampler) record(sample statsSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peak := max(sample.MemoryStats.Usage, sample.MemoryStats.MaxUsage)
	if peak > s.peak {
		s.peak = peak
	}
	if cpu := sample.CPUStats.CPUUsage.TotalUsage; cpu > s.cpu {
		s.cpu = cpu
	}
}

// usage waits for the sampler to stop and returns what it saw.
func (s *statsSampler) usage() Usage {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{PeakMemoryBytes: s.peak, CPUTimeNanos: s.cpu}
}
