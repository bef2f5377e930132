// Package runstore persists the run registry and the generation-attempt
// audit trail in a local SQLite database. Checkpoint payloads live in the
// checkpoint package; this store answers "which runs exist, what state are
// they in, and what did the provider do" for operators.
package runstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fablecast/fablecast/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrNotFound indicates the requested run does not exist
var ErrNotFound = errors.New("run not found")

// Store manages run persistence backed by SQLite
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the run database under dataDir and
// applies the schema.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "runs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("run database has schema version %d, expected %d (delete %s to recreate)", version, schemaVersion, s.path)
	}
	return nil
}

// CreateRun inserts a new run row
func (s *Store) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input_ref, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID,
		run.InputRef,
		string(run.Status),
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run's status and bumps its updated_at
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun fetches one run by id
func (s *Store) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input_ref, status, created_at, updated_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns all runs, newest first
func (s *Store) ListRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, input_ref, status, created_at, updated_at FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var status, createdAt, updatedAt string
	if err := row.Scan(&run.ID, &run.InputRef, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.Status = models.RunStatus(status)

	var err error
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &run, nil
}

// RecordAttempt appends one generation attempt to the audit trail.
// Attempts are never mutated after creation.
func (s *Store) RecordAttempt(ctx context.Context, runID, unitKey string, a models.Attempt) error {
	violations := ""
	if len(a.Violations) > 0 {
		raw, err := json.Marshal(a.Violations)
		if err != nil {
			return fmt.Errorf("failed to marshal violations: %w", err)
		}
		violations = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, unit_key, attempt_no, request, response, valid, violations, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		unitKey,
		a.Number,
		a.Request,
		a.Response,
		boolToInt(a.Valid),
		violations,
		a.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}
	return nil
}

// AttemptRow is one audit-trail row with its owning unit key
type AttemptRow struct {
	UnitKey string
	Attempt models.Attempt
}

// AttemptsForRun returns the full audit trail for a run in insertion order
func (s *Store) AttemptsForRun(ctx context.Context, runID string) ([]AttemptRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit_key, attempt_no, request, response, valid, violations, created_at
		 FROM attempts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AttemptRow
	for rows.Next() {
		var r AttemptRow
		var valid int
		var violations, createdAt string
		if err := rows.Scan(&r.UnitKey, &r.Attempt.Number, &r.Attempt.Request, &r.Attempt.Response, &valid, &violations, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		r.Attempt.Valid = valid != 0
		if strings.TrimSpace(violations) != "" {
			if err := json.Unmarshal([]byte(violations), &r.Attempt.Violations); err != nil {
				return nil, fmt.Errorf("failed to parse violations: %w", err)
			}
		}
		if r.Attempt.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse attempt timestamp: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountAttempts returns the number of recorded attempts for a run
func (s *Store) CountAttempts(ctx context.Context, runID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM attempts WHERE run_id = ?`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n, nil
}

// PruneRun deletes a run and its attempts from the registry. Checkpoint
// files on disk are the checkpoint store's responsibility.
func (s *Store) PruneRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
