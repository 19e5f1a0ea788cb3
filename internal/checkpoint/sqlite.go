package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/signalnine/tierbench/internal/result"
)

// SQLite is a Store backed by a single-connection SQLite database in WAL
// mode with synchronous=FULL.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string, fp Fingerprint) (*SQLite, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating checkpoint db: %w", err)
	}
	if err := s.bind(fp); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		tier TEXT NOT NULL,
		subtest TEXT NOT NULL,
		run INTEGER NOT NULL,
		state TEXT NOT NULL,
		summary TEXT NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tier, subtest, run)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) bind(fp Fingerprint) error {
	want := fp.String()
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('fingerprint', ?)`, want); err != nil {
		return fmt.Errorf("writing checkpoint fingerprint: %w", err)
	}
	var got string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'fingerprint'`).Scan(&got); err != nil {
		return fmt.Errorf("reading checkpoint fingerprint: %w", err)
	}
	if got != want {
		return fmt.Errorf("%w: store has %q, experiment is %q", ErrFingerprintMismatch, got, want)
	}
	return nil
}

func (s *SQLite) Has(ctx context.Context, key result.RunKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE tier = ? AND subtest = ? AND run = ?`,
		key.Tier, key.Subtest, key.Run).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checkpoint lookup %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLite) Record(ctx context.Context, key result.RunKey, sum *result.RunSummary) (bool, error) {
	if err := checkRecord(key, sum); err != nil {
		return false, err
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return false, fmt.Errorf("marshaling summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (tier, subtest, run, state, summary) VALUES (?, ?, ?, ?, ?)`,
		key.Tier, key.Subtest, key.Run, string(sum.State), string(data))
	if err != nil {
		return false, fmt.Errorf("checkpoint record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkpoint record %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *SQLite) LoadAll(ctx context.Context) (map[result.RunKey]*result.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT summary FROM runs ORDER BY tier, subtest, run`)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	defer rows.Close()

	out := map[result.RunKey]*result.RunSummary{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		var sum result.RunSummary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, fmt.Errorf("decoding checkpoint row: %w", err)
		}
		out[sum.Key] = &sum
	}
	return out, rows.Err()
}

func (s *SQLite) Invalidate(ctx context.Context, key result.RunKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE tier = ? AND subtest = ? AND run = ?`,
		key.Tier, key.Subtest, key.Run)
	if err != nil {
		return fmt.Errorf("checkpoint invalidate %s: %w", key, err)
	}
	return nil
}
