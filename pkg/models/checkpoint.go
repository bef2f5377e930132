package models

import (
	"encoding/json"
	"time"
)

// CheckpointEntry is the durable record of one completed (or failed)
// stage or unit within a run.
type CheckpointEntry struct {
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    UnitStatus      `json:"status"`
	Err       string          `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CheckpointRecord is the full durable snapshot for a run. The on-disk
// file is only ever replaced atomically, so readers always observe a
// complete record.
type CheckpointRecord struct {
	RunID     string                     `json:"run_id"`
	Entries   map[string]CheckpointEntry `json:"entries"`
	UpdatedAt time.Time                  `json:"updated_at"`
}
