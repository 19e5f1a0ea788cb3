package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/tierbench/internal/checkpoint"
	"github.com/signalnine/tierbench/internal/result"
)

var fp = checkpoint.Fingerprint{Experiment: "exp", TaskID: "task", Repo: "repo", Revision: "v1"}

func backends() []string {
	return []string{checkpoint.BackendSQLite, checkpoint.BackendJSONL}
}

func open(t *testing.T, backend, dir string, f checkpoint.Fingerprint) checkpoint.Store {
	t.Helper()
	s, err := checkpoint.Open(backend, checkpoint.DefaultPath(dir, backend), f)
	require.NoError(t, err)
	return s
}

func summary(key result.RunKey, score float64) *result.RunSummary {
	return &result.RunSummary{
		Key:         key,
		State:       result.StateJudged,
		Passed:      true,
		Score:       &score,
		ExitReason:  result.ExitCompleted,
		CompletedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecordFirstWriterWins(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			s := open(t, backend, t.TempDir(), fp)
			defer s.Close()
			key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}

			has, err := s.Has(ctx, key)
			require.NoError(t, err)
			assert.False(t, has)

			ok, err := s.Record(ctx, key, summary(key, 0.9))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.Record(ctx, key, summary(key, 0.1))
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := s.LoadAll(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.InDelta(t, 0.9, *all[key].Score, 1e-9)
		})
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := open(t, backend, dir, fp)
			for n := 1; n <= 3; n++ {
				key := result.RunKey{Tier: "T0", Subtest: "base", Run: n}
				_, err := s.Record(ctx, key, summary(key, float64(n)/10))
				require.NoError(t, err)
			}
			require.NoError(t, s.Close())

			s = open(t, backend, dir, fp)
			defer s.Close()
			all, err := s.LoadAll(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 3)
			key := result.RunKey{Tier: "T0", Subtest: "base", Run: 2}
			has, err := s.Has(ctx, key)
			require.NoError(t, err)
			assert.True(t, has)
			assert.Equal(t, result.StateJudged, all[key].State)
			assert.True(t, all[key].CompletedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
		})
	}
}

func TestInvalidateAllowsRerecord(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			s := open(t, backend, dir, fp)
			key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}
			_, err := s.Record(ctx, key, summary(key, 0.2))
			require.NoError(t, err)
			require.NoError(t, s.Invalidate(ctx, key))

			has, err := s.Has(ctx, key)
			require.NoError(t, err)
			assert.False(t, has)

			ok, err := s.Record(ctx, key, summary(key, 0.8))
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, s.Close())

			s = open(t, backend, dir, fp)
			defer s.Close()
			all, err := s.LoadAll(ctx)
			require.NoError(t, err)
			assert.InDelta(t, 0.8, *all[key].Score, 1e-9)
		})
	}
}

func TestRejectsNonTerminal(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			s := open(t, backend, t.TempDir(), fp)
			defer s.Close()
			key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}
			sum := summary(key, 0.5)
			sum.State = result.StateJudging
			_, err := s.Record(context.Background(), key, sum)
			assert.Error(t, err)

			other := result.RunKey{Tier: "T0", Subtest: "base", Run: 2}
			_, err = s.Record(context.Background(), other, summary(key, 0.5))
			assert.Error(t, err)
		})
	}
}

func TestFingerprintMismatch(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s := open(t, backend, dir, fp)
			require.NoError(t, s.Close())

			other := fp
			other.Revision = "v2"
			_, err := checkpoint.Open(backend, checkpoint.DefaultPath(dir, backend), other)
			assert.True(t, errors.Is(err, checkpoint.ErrFingerprintMismatch), "got %v", err)
		})
	}
}

func TestConcurrentRecordSameKey(t *testing.T) {
	for _, backend := range backends() {
		t.Run(backend, func(t *testing.T) {
			s := open(t, backend, t.TempDir(), fp)
			defer s.Close()
			key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}

			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				won int
			)
			for i := range 8 {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.Record(context.Background(), key, summary(key, float64(i)/10))
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						won++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, won)
		})
	}
}

func TestJSONLTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := checkpoint.DefaultPath(dir, checkpoint.BackendJSONL)
	s, err := checkpoint.OpenJSONL(path, fp)
	require.NoError(t, err)
	key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}
	_, err = s.Record(ctx, key, summary(key, 0.7))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"record","summary":{"key":{"tier":"T0","sub`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = checkpoint.OpenJSONL(path, fp)
	require.NoError(t, err)
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	key2 := result.RunKey{Tier: "T0", Subtest: "base", Run: 2}
	ok, err := s.Record(ctx, key2, summary(key2, 0.6))
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Close())

	s, err = checkpoint.OpenJSONL(path, fp)
	require.NoError(t, err)
	defer s.Close()
	all, err = s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestJSONLAppendsAtEnd(t *testing.T) {
	ctx := context.Background()
	path := checkpoint.DefaultPath(t.TempDir(), checkpoint.BackendJSONL)
	s, err := checkpoint.OpenJSONL(path, fp)
	require.NoError(t, err)

	// another handle grows the log while the store is open
	other := result.RunKey{Tier: "T0", Subtest: "base", Run: 3}
	line, err := json.Marshal(map[string]any{"type": "record", "summary": summary(other, 0.5)})
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(line, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	key := result.RunKey{Tier: "T0", Subtest: "base", Run: 1}
	_, err = s.Record(ctx, key, summary(key, 0.7))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = checkpoint.OpenJSONL(path, fp)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, other)
	assert.Contains(t, all, key)
}

func TestJSONLCorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	content := `{"type":"header","fingerprint":"` + fp.String() + `"}
garbage
{"type":"invalidate","key":{"tier":"T0","subtest":"s","run":1}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := checkpoint.OpenJSONL(path, fp)
	assert.Error(t, err)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := checkpoint.Open("redis", filepath.Join(t.TempDir(), "x"), fp)
	assert.Error(t, err)
}
