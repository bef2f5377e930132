// Package checkpoint persists per-run progress as a durable, atomically
// replaced JSON record. Writers are serialized by an advisory file lock
// scoped to the run id; readers never lock because the canonical file is
// only ever replaced via rename, never edited in place.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/fablecast/fablecast/pkg/models"
)

const (
	// CheckpointFilename is the canonical record name inside a run directory
	CheckpointFilename = "checkpoint.json"
	lockFilename       = "checkpoint.lock"
	lockRetryDelay     = 50 * time.Millisecond
)

// ErrLockTimeout indicates the per-run update lock could not be acquired
// within the configured wait bound. Callers may retry a bounded number of
// times before surfacing it.
var ErrLockTimeout = errors.New("checkpoint lock timeout")

// StateMap is the deserialized view of a run's checkpoint entries,
// keyed by "stage" or "stage/unit_NNNN".
type StateMap map[string]models.CheckpointEntry

// Store manages checkpoint records for all runs under a root directory
// (one subdirectory per run id).
type Store struct {
	root        string
	lockTimeout time.Duration
	logger      *slog.Logger
}

// NewStore creates a checkpoint store rooted at root.
func NewStore(root string, lockTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{root: root, lockTimeout: lockTimeout, logger: logger}
}

// RunDir returns the directory holding a run's durable state.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) checkpointPath(runID string) string {
	return filepath.Join(s.RunDir(runID), CheckpointFilename)
}

// Save merges one key/payload into the run's record under the per-run
// advisory lock and atomically replaces the canonical file. A crash at any
// point leaves either the previous or the new complete record on disk.
func (s *Store) Save(ctx context.Context, runID, key string, entry models.CheckpointEntry) error {
	runDir := s.RunDir(runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run dir: %w", err)
	}

	lock := flock.New(filepath.Join(runDir, lockFilename))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to acquire checkpoint lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("run %s: %w", runID, ErrLockTimeout)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			s.logger.Warn("Failed to release checkpoint lock", "run_id", runID, "error", unlockErr)
		}
	}()

	record, err := s.readRecord(runID)
	if err != nil {
		return err
	}
	if record == nil {
		record = &models.CheckpointRecord{
			RunID:   runID,
			Entries: make(map[string]models.CheckpointEntry),
		}
	}

	entry.UpdatedAt = time.Now().UTC()
	record.Entries[key] = entry
	record.UpdatedAt = entry.UpdatedAt

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(runDir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.checkpointPath(runID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint saved", "run_id", runID, "key", key, "status", entry.Status)
	return nil
}

// Load returns the run's committed state. A run with no prior checkpoint
// yields an empty map and no error: fresh start and zero-progress resume
// are indistinguishable at this level.
func (s *Store) Load(runID string) (StateMap, error) {
	record, err := s.readRecord(runID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return StateMap{}, nil
	}
	return StateMap(record.Entries), nil
}

// Exists reports whether a checkpoint record exists for the run
func (s *Store) Exists(runID string) bool {
	_, err := os.Stat(s.checkpointPath(runID))
	return err == nil
}

// Clear removes a run's durable state entirely.
func (s *Store) Clear(runID string) error {
	if err := os.RemoveAll(s.RunDir(runID)); err != nil {
		return fmt.Errorf("failed to clear run state: %w", err)
	}
	return nil
}

func (s *Store) readRecord(runID string) (*models.CheckpointRecord, error) {
	data, err := os.ReadFile(s.checkpointPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var record models.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for run %s: %w", runID, err)
	}
	if record.Entries == nil {
		record.Entries = make(map[string]models.CheckpointEntry)
	}
	return &record, nil
}
