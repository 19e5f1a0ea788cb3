package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/signalnine/tierbench/internal/logger"
)

// LabelKey marks every container tierbench creates.
const LabelKey = "tierbench"

// maxLogBytes caps how much of each output stream is kept in memory.
const maxLogBytes = 8 << 20

// Client runs containers on a Docker-compatible daemon.
type Client struct {
	cli *client.Client
	log *log.Logger
}

func NewClient(l *log.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, log: logger.OrDiscard(l)}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (c *Client) Start(ctx context.Context, opts *RunOpts) (*RunResult, error) {
	envSlice := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envSlice = append(envSlice, k+"="+v)
	}
	sort.Strings(envSlice)

	mounts := make([]mount.Mount, 0, len(opts.Mounts))
	for _, m := range opts.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: mounts,
		Init:   &initTrue,
	}
	if opts.Limits.CPUs > 0 {
		hostCfg.NanoCPUs = int64(opts.Limits.CPUs * 1e9)
	}
	if opts.Limits.MemoryBytes > 0 {
		hostCfg.Memory = opts.Limits.MemoryBytes
	}
	if opts.Limits.PidsLimit > 0 {
		pids := opts.Limits.PidsLimit
		hostCfg.PidsLimit = &pids
	}
	if opts.Limits.DiskBytes > 0 {
		hostCfg.StorageOpt = map[string]string{"size": strconv.FormatInt(opts.Limits.DiskBytes, 10)}
	}
	if opts.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	} else {
		hostCfg.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	labels := map[string]string{LabelKey: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}
	containerCfg := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        envSlice,
		Labels:     labels,
		WorkingDir: opts.WorkingDir,
	}
	if opts.UserID != "" {
		containerCfg.User = opts.UserID
	}

	createResp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       opts.Name,
		Config:     containerCfg,
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, backendErr("creating container", err)
	}
	containerID := createResp.ID
	defer func() {
		if _, err := c.cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true}); err != nil {
			c.log.Warn("removing container", "id", shortID(containerID), "err", err)
		}
	}()

	start := time.Now()
	if _, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, backendErr("starting container", err)
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	sampler := newStatsSampler()
	go sampler.run(statsCtx, c.cli, containerID)

	timeoutCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	res := &RunResult{}
	var runErr error
	waitResult := c.cli.ContainerWait(timeoutCtx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
wait:
	for {
		select {
		case err := <-waitResult.Error:
			if err == nil {
				// nil error means no error on this channel; wait for result
				continue
			}
			c.kill(containerID)
			switch {
			case ctx.Err() != nil:
				runErr = ctx.Err()
			case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
				res.ExitCode = TimeoutExitCode
				res.TimedOut = true
			default:
				runErr = backendErr("waiting for container", err)
			}
			break wait
		case status := <-waitResult.Result:
			if status.Error != nil && status.Error.Message != "" {
				c.log.Warn("container wait", "id", shortID(containerID), "msg", status.Error.Message)
			}
			res.ExitCode = int(status.StatusCode)
			break wait
		}
	}
	res.Duration = time.Since(start)
	stopStats()
	res.Usage = sampler.usage()

	res.Stdout, res.Stderr = c.collectLogs(containerID)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (c *Client) kill(containerID string) {
	if _, err := c.cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"}); err != nil {
		c.log.Debug("killing container", "id", shortID(containerID), "err", err)
	}
}

func (c *Client) collectLogs(containerID string) ([]byte, []byte) {
	logCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rc, err := c.cli.ContainerLogs(logCtx, containerID, client.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		c.log.Warn("reading container logs", "id", shortID(containerID), "err", err)
		return nil, nil
	}
	defer rc.Close()
	stdout := &cappedBuffer{max: maxLogBytes}
	stderr := &cappedBuffer{max: maxLogBytes}
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		c.log.Debug("demultiplexing container logs", "id", shortID(containerID), "err", err)
	}
	return stdout.Bytes(), stderr.Bytes()
}

func backendErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// cappedBuffer keeps the first max bytes written and silently drops the rest.
type cappedBuffer struct {
	bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
