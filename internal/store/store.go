// Package store keeps a SQLite ledger of pipeline runs: the facts each run
// produced and the indices dedup removed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a patient has no recorded run.
var ErrNotFound = errors.New("not found")

// Stage is the fact list a row belongs to.
type Stage string

const (
	StageRaw     Stage = "raw"
	StageDeduped Stage = "deduped"
)

// Run is one pipeline execution for one patient.
type Run struct {
	ID           string
	PatientID    string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
	RawCount     int
	DedupedCount int
	Error        string
}

// Removal is one index removed by dedup.
type Removal struct {
	Index int    `json:"index"`
	Pass  string `json:"pass"`
	Round int    `json:"round"`
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	patient_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL DEFAULT 0,
	raw_count     INTEGER NOT NULL DEFAULT 0,
	deduped_count INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_patient ON runs(patient_id, started_at);

CREATE TABLE IF NOT EXISTS facts (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	stage  TEXT NOT NULL,
	idx    INTEGER NOT NULL,
	fact   TEXT NOT NULL,
	PRIMARY KEY (run_id, stage, idx)
);

CREATE TABLE IF NOT EXISTS removals (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx    INTEGER NOT NULL,
	pass   TEXT NOT NULL,
	round  INTEGER NOT NULL,
	PRIMARY KEY (run_id, idx)
);
`

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// An in-memory database lives on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun records a new run in the given status.
func (s *Store) BeginRun(ctx context.Context, runID, patientID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, patient_id, status, started_at) VALUES (?, ?, ?, ?)`,
		runID, patientID, status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// SetStatus updates a run's status.
func (s *Store) SetStatus(ctx context.Context, runID, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, status, runID)
	return err
}

// FinishRun records the final status and counts of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, rawCount, dedupedCount int, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, raw_count = ?, deduped_count = ?, error = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), rawCount, dedupedCount, msg, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// SaveFacts replaces the run's facts for one stage.
func (s *Store) SaveFacts(ctx context.Context, runID string, stage Stage, facts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE run_id = ? AND stage = ?`, runID, stage); err != nil {
		return fmt.Errorf("clear %s facts: %w", stage, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO facts (run_id, stage, idx, fact) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, f := range facts {
		if _, err := stmt.ExecContext(ctx, runID, stage, i, f); err != nil {
			return fmt.Errorf("insert fact %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// SaveRemovals records the indices dedup removed in a run.
func (s *Store) SaveRemovals(ctx context.Context, runID string, removals []Removal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO removals (run_id, idx, pass, round) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range removals {
		if _, err := stmt.ExecContext(ctx, runID, r.Index, r.Pass, r.Round); err != nil {
			return fmt.Errorf("insert removal %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// LatestRun returns the most recently started run for a patient.
func (s *Store) LatestRun(ctx context.Context, patientID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, patient_id, status, started_at, finished_at, raw_count, deduped_count, error
		 FROM runs WHERE patient_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, patientID)

	var r Run
	var started, finished int64
	err := row.Scan(&r.ID, &r.PatientID, &r.Status, &started, &finished, &r.RawCount, &r.DedupedCount, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		r.FinishedAt = time.UnixMilli(finished)
	}
	return r, nil
}

// Facts returns a run's facts for one stage in index order.
func (s *Store) Facts(ctx context.Context, runID string, stage Stage) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fact FROM facts WHERE run_id = ? AND stage = ? ORDER BY idx`, runID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Removals returns a run's removals ordered by index.
func (s *Store) Removals(ctx context.Context, runID string) ([]Removal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, pass, round FROM removals WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Removal
	for rows.Next() {
		var r Removal
		if err := rows.Scan(&r.Index, &r.Pass, &r.Round); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
