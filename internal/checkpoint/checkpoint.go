// Package checkpoint persists terminal run summaries so an interrupted
// experiment can resume without repeating finished runs.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/signalnine/tierbench/internal/result"
)

// ErrFingerprintMismatch means the store was written for a different experiment.
var ErrFingerprintMismatch = errors.New("checkpoint belongs to a different experiment")

// Fingerprint ties a store to the experiment that wrote it.
type Fingerprint struct {
	Experiment string `json:"experiment"`
	TaskID     string `json:"task_id"`
	Repo       string `json:"repo"`
	Revision   string `json:"revision"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%s@%s", f.Experiment, f.TaskID, f.Repo, f.Revision)
}

// Store records terminal runs. Record is idempotent: the first summary
// written for a key wins and later writes report false. Every successful
// write is durable before it returns.
type Store interface {
	Has(ctx context.Context, key result.RunKey) (bool, error)
	Record(ctx context.Context, key result.RunKey, s *result.RunSummary) (bool, error)
	LoadAll(ctx context.Context) (map[result.RunKey]*result.RunSummary, error)
	// Invalidate forgets a key whose on-disk results no longer hold up.
	Invalidate(ctx context.Context, key result.RunKey) error
	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

// DefaultPath is where a backend keeps its file under the experiment root.
func DefaultPath(root, backend string) string {
	if backend == BackendJSONL {
		return filepath.Join(root, "checkpoint.jsonl")
	}
	return filepath.Join(root, "checkpoint.db")
}

// Open opens or creates the store at path.
func Open(backend, path string, fp Fingerprint) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(path, fp)
	case BackendJSONL:
		return OpenJSONL(path, fp)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

func checkRecord(key result.RunKey, s *result.RunSummary) error {
	if s == nil {
		return fmt.Errorf("checkpoint %s: nil summary", key)
	}
	if s.Key != key {
		return fmt.Errorf("checkpoint %s: summary is for %s", key, s.Key)
	}
	if !s.State.Terminal() {
		return fmt.Errorf("checkpoint %s: state %s is not terminal", key, s.State)
	}
	return nil
}
