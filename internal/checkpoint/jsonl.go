package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/signalnine/tierbench/internal/result"
)

const (
	entryHeader     = "header"
	entryRecord     = "record"
	entryInvalidate = "invalidate"
)

type entry struct {
	Type        string             `json:"type"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Key         *result.RunKey     `json:"key,omitempty"`
	Summary     *result.RunSummary `json:"summary,omitempty"`
}

// JSONL is a Store backed by an append-only log of JSON lines. Each append
// is fsynced. A torn final line left by a crash is dropped on open.
type JSONL struct {
	mu   sync.Mutex
	f    *os.File
	runs map[result.RunKey]*result.RunSummary
}

func OpenJSONL(path string, fp Fingerprint) (*JSONL, error) {
	rf, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log: %w", err)
	}
	s := &JSONL{runs: map[result.RunKey]*result.RunSummary{}}
	header, good, err := s.replay(rf)
	if err == nil {
		if terr := rf.Truncate(good); terr != nil {
			err = fmt.Errorf("truncating torn checkpoint tail: %w", terr)
		}
	}
	rf.Close()
	if err != nil {
		return nil, err
	}

	// Appends go through an O_APPEND handle so every entry lands at the end.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint log for append: %w", err)
	}
	s.f = f

	want := fp.String()
	switch {
	case header == "" && good == 0:
		if err := s.append(entry{Type: entryHeader, Fingerprint: want}); err != nil {
			f.Close()
			return nil, err
		}
	case header != want:
		f.Close()
		return nil, fmt.Errorf("%w: store has %q, experiment is %q", ErrFingerprintMismatch, header, want)
	}
	return s, nil
}

// replay rebuilds the index and returns the header fingerprint and the
// offset just past the last intact line.
func (s *JSONL) replay(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading checkpoint log: %w", err)
	}
	var (
		header string
		good   int64
		lineNo int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		end := good + int64(len(raw)) + 1
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			good = min(end, int64(len(data)))
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			if end >= int64(len(data)) {
				// torn write at the tail
				break
			}
			return "", 0, fmt.Errorf("parse checkpoint line %d: %w", lineNo, err)
		}
		if end > int64(len(data)) {
			// last line lacks its newline; treat it as torn
			break
		}
		switch e.Type {
		case entryHeader:
			header = e.Fingerprint
		case entryRecord:
			if e.Summary != nil {
				if _, ok := s.runs[e.Summary.Key]; !ok {
					s.runs[e.Summary.Key] = e.Summary
				}
			}
		case entryInvalidate:
			if e.Key != nil {
				delete(s.runs, *e.Key)
			}
		}
		good = end
	}
	if err := sc.Err(); err != nil {
		return "", 0, fmt.Errorf("read checkpoint log: %w", err)
	}
	return header, good, nil
}

func (s *JSONL) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal checkpoint entry: %w", err)
	}
	if _, err := s.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append checkpoint entry: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint log: %w", err)
	}
	return nil
}

func (s *JSONL) Has(ctx context.Context, key result.RunKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[key]
	return ok, nil
}

func (s *JSONL) Record(ctx context.Context, key result.RunKey, sum *result.RunSummary) (bool, error) {
	if err := checkRecord(key, sum); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return false, errors.New("checkpoint log is closed")
	}
	if _, ok := s.runs[key]; ok {
		return false, nil
	}
	if err := s.append(entry{Type: entryRecord, Summary: sum}); err != nil {
		return false, err
	}
	cp := *sum
	s.runs[key] = &cp
	return true, nil
}

func (s *JSONL) LoadAll(ctx context.Context) (map[result.RunKey]*result.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[result.RunKey]*result.RunSummary, len(s.runs))
	for k, v := range s.runs {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (s *JSONL) Invalidate(ctx context.Context, key result.RunKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("checkpoint log is closed")
	}
	if _, ok := s.runs[key]; !ok {
		return nil
	}
	k := key
	if err := s.append(entry{Type: entryInvalidate, Key: &k}); err != nil {
		return err
	}
	delete(s.runs, key)
	return nil
}

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
