package runner

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/signalnine/tierbench/internal/config"
	"github.com/signalnine/tierbench/internal/docker"
	"github.com/signalnine/tierbench/internal/result"
)

// Paths inside agent and judge containers.
const (
	containerWorkspace   = "/workspace"
	containerPrompt      = "/task/prompt.md"
	containerDiff        = "/task/diff.patch"
	containerJudgePrompt = "/task/judge_prompt.md"
	containerOutput      = "/output"
	containerAdapter     = "/adapter.sh"

	usageFile = "usage.jsonl"
)

// Container labels.
const (
	LabelExperiment = "tierbench.experiment"
	LabelInvocation = "tierbench.invocation"
	LabelRun        = "tierbench.run"
	LabelRole       = "tierbench.role"
	LabelJudge      = "tierbench.judge"
)

// launcher is the kind-specific part of starting an agent or judge container.
type launcher interface {
	apply(opts *docker.RunOpts)
}

// imageLauncher runs the image's own entrypoint, or the configured command.
type imageLauncher struct {
	command []string
}

func (l imageLauncher) apply(opts *docker.RunOpts) {
	opts.Command = l.command
}

// adapterLauncher mounts a host script into the image and runs it with bash.
type adapterLauncher struct {
	script string
}

func (l adapterLauncher) apply(opts *docker.RunOpts) {
	opts.Command = []string{"bash", containerAdapter}
	opts.Mounts = append(opts.Mounts, docker.Mount{Source: l.script, Target: containerAdapter, ReadOnly: true})
}

func newLauncher(kind, adapter string, command []string, resolve func(string) string) (launcher, error) {
	switch kind {
	case config.KindContainer, "":
		return imageLauncher{command: command}, nil
	case config.KindAdapter:
		if adapter == "" {
			return nil, fmt.Errorf("kind %q needs an adapter script", kind)
		}
		abs, err := filepath.Abs(resolve(adapter))
		if err != nil {
			return nil, fmt.Errorf("resolving adapter path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("adapter script: %w", err)
		}
		return adapterLauncher{script: abs}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// unitEnv layers maps left to right; later layers win.
func unitEnv(layers ...map[string]string) map[string]string {
	env := map[string]string{}
	for _, l := range layers {
		maps.Copy(env, l)
	}
	return env
}

func runEnv(key result.RunKey) map[string]string {
	return map[string]string{
		"TIER":       key.Tier,
		"SUBTEST":    key.Subtest,
		"RUN_NUMBER": strconv.Itoa(key.Run),
	}
}

func containerName(role string) string {
	return "tierbench-" + role + "-" + uuid.NewString()
}

func unitLabels(base map[string]string, key result.RunKey, role string) map[string]string {
	labels := unitEnv(base)
	labels[LabelRun] = key.String()
	labels[LabelRole] = role
	return labels
}

// resetDir empties dir, creating it if needed.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func writeLogs(dir string, rr *docker.RunResult) error {
	if err := os.WriteFile(filepath.Join(dir, result.StdoutFile), rr.Stdout, 0o644); err != nil {
		return fmt.Errorf("writing stdout log: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, result.StderrFile), rr.Stderr, 0o644); err != nil {
		return fmt.Errorf("writing stderr log: %w", err)
	}
	return nil
}

func hostUserID() string {
	return fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
}
