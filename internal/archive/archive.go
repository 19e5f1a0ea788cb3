// Package archive packs an experiment's results into a zstd-compressed tar
// and optionally ships it to Azure Blob Storage.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/signalnine/tierbench/internal/result"
	"github.com/signalnine/tierbench/internal/workspace"
)

// Ext is the archive file extension.
const Ext = ".tar.zst"

type Options struct {
	// IncludeWorkspaces keeps the per-run checkouts. Diffs are always kept.
	IncludeWorkspaces bool
	// Now stamps the archive name; defaults to time.Now.
	Now func() time.Time
}

// Create writes root into destDir as <experiment>-<timestamp>.tar.zst and
// returns the archive path. The task mirror is never included.
func Create(ctx context.Context, root, destDir string, opts Options) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("experiment dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("experiment dir %s is not a directory", root)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	name := filepath.Base(root)
	path := filepath.Join(destDir, fmt.Sprintf("%s-%s%s", name, opts.Now().UTC().Format("20060102T150405Z"), Ext))

	tmp, err := os.CreateTemp(destDir, ".archive-*")
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return "", fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	if err := addTree(ctx, tw, root, name, opts); err != nil {
		zw.Close()
		return "", err
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return "", fmt.Errorf("finishing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finishing zstd stream: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("placing archive: %w", err)
	}
	return path, nil
}

func addTree(ctx context.Context, tw *tar.Writer, root, prefix string, opts Options) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if d.IsDir() && skipDir(rel, d.Name(), opts) {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(prefix, rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing header for %s: %w", rel, err)
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("archiving %s: %w", rel, err)
		}
		return nil
	})
}

func skipDir(rel, name string, opts Options) bool {
	if rel == "." {
		return false
	}
	if name == workspace.MirrorDir || strings.HasPrefix(name, ".probe-") {
		return true
	}
	if name == result.WorkspaceDir && !opts.IncludeWorkspaces {
		return strings.HasPrefix(filepath.Base(filepath.Dir(rel)), "run_")
	}
	return false
}

// Extract unpacks an archive made by Create into destDir.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		}
	}
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
