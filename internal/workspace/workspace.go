// Package workspace owns per-run source checkouts: created from a shared
// mirror of the task repository, handed to the agent and judges, then released.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/signalnine/tierbench/internal/gitops"
	"github.com/signalnine/tierbench/internal/logger"
	"github.com/signalnine/tierbench/internal/result"
)

// MirrorDir is the name of the shared mirror under the experiment root.
const MirrorDir = ".source"

type Options struct {
	Repo     string
	Revision string
	// Root is the experiment root; the mirror lives beneath it.
	Root string
	// Cleanup removes each workspace on release. The diff survives.
	Cleanup bool
	Log     *log.Logger
}

type Manager struct {
	opts   Options
	mirror string
	log    *log.Logger

	once   sync.Once
	commit string
	err    error
}

// Workspace is one run's checkout.
type Workspace struct {
	Dir    string
	RunDir string
	Commit string
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		mirror: filepath.Join(opts.Root, MirrorDir),
		log:    logger.OrDiscard(opts.Log),
	}
}

// Prepare mirrors the task repository once and pins the revision to a commit.
// Later calls return the first call's outcome.
func (m *Manager) Prepare(ctx context.Context) error {
	m.once.Do(func() {
		m.commit, m.err = m.prepare(ctx)
	})
	return m.err
}

func (m *Manager) prepare(ctx context.Context) (string, error) {
	if _, err := os.Stat(m.mirror); errors.Is(err, os.ErrNotExist) {
		m.log.Info("mirroring task repository", "repo", m.opts.Repo)
		if err := gitops.Mirror(ctx, m.opts.Repo, m.mirror); err != nil {
			return "", fmt.Errorf("mirroring %s: %w", m.opts.Repo, err)
		}
	}
	probe, err := os.MkdirTemp(m.opts.Root, ".probe-")
	if err != nil {
		return "", fmt.Errorf("creating probe dir: %w", err)
	}
	defer os.RemoveAll(probe)
	dest := filepath.Join(probe, "ws")
	if err := gitops.CloneAndCheckout(ctx, m.mirror, m.opts.Revision, dest); err != nil {
		return "", fmt.Errorf("resolving revision %s: %w", m.opts.Revision, err)
	}
	commit, err := gitops.Head(ctx, dest)
	if err != nil {
		return "", err
	}
	m.log.Debug("pinned revision", "revision", m.opts.Revision, "commit", commit)
	return commit, nil
}

// Commit is the pinned commit; empty until Prepare succeeds.
func (m *Manager) Commit() string {
	return m.commit
}

// Create checks out the pinned commit into runDir/workspace, replacing any
// leftover from an earlier attempt.
func (m *Manager) Create(ctx context.Context, runDir string) (*Workspace, error) {
	if err := m.Prepare(ctx); err != nil {
		return nil, err
	}
	dir := filepath.Join(runDir, result.WorkspaceDir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clearing stale workspace: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if err := gitops.CloneAndCheckout(ctx, m.mirror, m.commit, dir); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{Dir: dir, RunDir: runDir, Commit: m.commit}, nil
}

// CaptureDiff records the workspace changes against the pinned commit as
// agent/diff.patch and returns its path. Commits made in the workspace count.
func (m *Manager) CaptureDiff(ctx context.Context, ws *Workspace) (string, error) {
	diff, err := gitops.CaptureChanges(ctx, ws.Dir, ws.Commit)
	if err != nil {
		return "", fmt.Errorf("capturing changes: %w", err)
	}
	path := filepath.Join(ws.RunDir, result.AgentDir, result.DiffFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, diff, 0o644); err != nil {
		return "", fmt.Errorf("writing diff.patch: %w", err)
	}
	return path, nil
}

// Release ends the workspace's lifecycle. Safe to call with nil.
func (m *Manager) Release(ws *Workspace) {
	if ws == nil || !m.opts.Cleanup {
		return
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		m.log.Warn("removing workspace", "dir", ws.Dir, "err", err)
	}
}
