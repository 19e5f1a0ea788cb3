package docker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalnine/tierbench/internal/docker"
)

func newClient(t *testing.T) *docker.Client {
	t.Helper()
	if os.Getenv("TIERBENCH_DOCKER_TESTS") == "" {
		t.Skip("set TIERBENCH_DOCKER_TESTS=1 to run Docker tests")
	}
	c, err := docker.NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStart(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	workDir := t.TempDir()
	promptDir := t.TempDir()
	os.WriteFile(filepath.Join(promptDir, "prompt.md"), []byte("test task"), 0o644)

	res, err := c.Start(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "cat /task/prompt.md > /workspace/output.txt; echo out; echo err >&2"},
		Env:     map[string]string{"TASK_DIR": "/workspace"},
		Mounts: []docker.Mount{
			{Source: workDir, Target: "/workspace"},
			{Source: filepath.Join(promptDir, "prompt.md"), Target: "/task/prompt.md", ReadOnly: true},
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code: got %d, want 0", res.ExitCode)
	}
	if res.TimedOut {
		t.Error("unexpected timeout")
	}
	content, err := os.ReadFile(filepath.Join(workDir, "output.txt"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(content) != "test task" {
		t.Errorf("output: got %q, want %q", content, "test task")
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("stdout: got %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("stderr: got %q", res.Stderr)
	}
}

func TestStartReadOnlyMount(t *testing.T) {
	c := newClient(t)
	dir := t.TempDir()
	res, err := c.Start(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "touch /workspace/x"},
		Mounts:  []docker.Mount{{Source: dir, Target: "/workspace", ReadOnly: true}},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("expected write to read-only mount to fail")
	}
}

func TestStartTimeout(t *testing.T) {
	c := newClient(t)
	res, err := c.Start(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "echo started; sleep 300"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected timeout")
	}
	if res.ExitCode != docker.TimeoutExitCode {
		t.Errorf("exit code: got %d, want %d", res.ExitCode, docker.TimeoutExitCode)
	}
	if !strings.Contains(string(res.Stdout), "started") {
		t.Errorf("expected partial output, got %q", res.Stdout)
	}
}

func TestStartCrash(t *testing.T) {
	c := newClient(t)
	res, err := c.Start(context.Background(), &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sh", "-c", "exit 3"},
		Timeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code: got %d, want 3", res.ExitCode)
	}
}

func TestStartCancelled(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Second)
		cancel()
	}()
	_, err := c.Start(ctx, &docker.RunOpts{
		Image:   "alpine:latest",
		Command: []string{"sleep", "300"},
		Timeout: time.Minute,
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPingUnreachableDaemon(t *testing.T) {
	t.Setenv("DOCKER_HOST", "unix:///nonexistent/docker.sock")
	c, err := docker.NewClient(nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx); !errors.Is(err, docker.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}
