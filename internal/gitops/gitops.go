package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Mirror makes a bare mirror of repo at dest. Per-run clones are taken from it.
func Mirror(ctx context.Context, repo, dest string) error {
	if err := validateRepo(repo); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--mirror", "--quiet", "--", repo, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone --mirror: %s: %w", out, err)
	}
	return nil
}

// CloneAndCheckout clones repo into dest and detaches HEAD at revision, which
// may be a tag, branch, or commit.
func CloneAndCheckout(ctx context.Context, repo, revision, dest string) error {
	if err := validateRepo(repo); err != nil {
		return err
	}
	if err := ValidateRevision(revision); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--no-checkout", "--quiet", "--", repo, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %s: %w", out, err)
	}
	out, err := git(ctx, dest, "checkout", "--quiet", "--detach", revision)
	if err == nil {
		return nil
	}
	if _, err2 := git(ctx, dest, "checkout", "--quiet", "--detach", "origin/"+revision); err2 == nil {
		return nil
	}
	return fmt.Errorf("git checkout %s: %s: %w", revision, out, err)
}

// Head returns the commit checked out in dir.
func Head(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %s: %w", out, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CaptureChanges stages all changes (including untracked files) and returns
// the diff against base, so work the agent committed is included. An empty
// base diffs against HEAD.
func CaptureChanges(ctx context.Context, repoDir, base string) ([]byte, error) {
	args := []string{"diff", "--cached", "--binary"}
	if base != "" {
		if err := ValidateRevision(base); err != nil {
			return nil, err
		}
		args = append(args, base)
	}
	if out, err := git(ctx, repoDir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("git add -A: %s: %w", out, err)
	}
	diff := exec.CommandContext(ctx, "git", append(args, "--")...)
	diff.Dir = repoDir
	out, err := diff.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff --cached %s: %w", base, err)
	}
	return out, nil
}

func ValidateRevision(rev string) error {
	switch {
	case rev == "":
		return fmt.Errorf("revision is empty")
	case strings.HasPrefix(rev, "-"):
		return fmt.Errorf("revision %q looks like an option", rev)
	case strings.ContainsAny(rev, " \t\n"):
		return fmt.Errorf("revision %q contains whitespace", rev)
	case strings.Contains(rev, ".."):
		return fmt.Errorf("revision %q contains '..'", rev)
	}
	return nil
}

func validateRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("repo is empty")
	}
	if strings.HasPrefix(repo, "-") {
		return fmt.Errorf("repo %q looks like an option", repo)
	}
	return nil
}

func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
