package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fablecast/fablecast/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun(id string) *models.Run {
	now := time.Now().UTC()
	return &models.Run{
		ID:        id,
		InputRef:  "book.txt",
		Status:    models.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := newRun("run-1")
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.ID != run.ID || got.InputRef != run.InputRef || got.Status != models.RunPending {
		t.Errorf("Run round-trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("CreatedAt mismatch: %v vs %v", got.CreatedAt, run.CreatedAt)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRunStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, "run-1", models.RunCompletedWithFailures); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunCompletedWithFailures {
		t.Errorf("Expected completed_with_failures, got %s", got.Status)
	}

	if err := s.UpdateRunStatus(ctx, "missing", models.RunFailed); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing run, got %v", err)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	older := newRun("run-old")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	older.UpdatedAt = older.CreatedAt
	if err := s.CreateRun(ctx, older); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.CreateRun(ctx, newRun("run-new")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-new" || runs[1].ID != "run-old" {
		t.Errorf("Runs not newest-first: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestRecordAndReadAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	a1 := models.Attempt{
		Number:     1,
		Request:    "prompt",
		Response:   "garbage",
		Valid:      false,
		Violations: []string{"slide 0: title must be non-empty"},
		Timestamp:  time.Now().UTC(),
	}
	a2 := models.Attempt{
		Number:    2,
		Request:   "repair prompt",
		Response:  `{"slides": []}`,
		Valid:     true,
		Timestamp: time.Now().UTC(),
	}
	if err := s.RecordAttempt(ctx, "run-1", "generate-chapter/unit_0000", a1); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if err := s.RecordAttempt(ctx, "run-1", "generate-chapter/unit_0000", a2); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	rows, err := s.AttemptsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("AttemptsForRun failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(rows))
	}
	if rows[0].Attempt.Number != 1 || rows[1].Attempt.Number != 2 {
		t.Errorf("Attempts out of insertion order")
	}
	if rows[0].Attempt.Valid {
		t.Error("First attempt should be invalid")
	}
	if len(rows[0].Attempt.Violations) != 1 {
		t.Errorf("Violations not preserved: %+v", rows[0].Attempt.Violations)
	}
	if !rows[1].Attempt.Valid || rows[1].Attempt.Violations != nil {
		t.Errorf("Second attempt mismatch: %+v", rows[1].Attempt)
	}

	n, err := s.CountAttempts(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountAttempts failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected count 2, got %d", n)
	}
}

func TestPruneRunCascadesAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	err := s.RecordAttempt(ctx, "run-1", "u", models.Attempt{Number: 1, Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	if err := s.PruneRun(ctx, "run-1"); err != nil {
		t.Fatalf("PruneRun failed: %v", err)
	}
	if _, err := s.GetRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Run still present after prune: %v", err)
	}
	n, err := s.CountAttempts(ctx, "run-1")
	if err != nil {
		t.Fatalf("CountAttempts failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Attempts not cascaded on prune: %d left", n)
	}

	if err := s.PruneRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound pruning twice, got %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.CreateRun(ctx, newRun("run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if _, err := s2.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("Run lost across reopen: %v", err)
	}
}
