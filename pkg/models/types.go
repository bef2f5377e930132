package models

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	// RunCompletedWithFailures means the run finished but one or more
	// fan-out units failed in stages that tolerate partial success.
	RunCompletedWithFailures RunStatus = "completed_with_failures"
	RunFailed                RunStatus = "failed"
)

// Run represents one execution of the pipeline for one input document
type Run struct {
	ID        string    `json:"id"`
	InputRef  string    `json:"input_ref"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnitStatus represents the state of a single unit of work inside a fan-out stage
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitInProgress UnitStatus = "in_progress"
	UnitDone       UnitStatus = "done"
	UnitFailed     UnitStatus = "failed"
)

// Unit is one instance of work inside a fan-out stage (one chapter, one slide).
// Index is the stable ordering key; results are always reassembled by index,
// never by completion order.
type Unit struct {
	Index   int             `json:"index"`
	Status  UnitStatus      `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// Attempt is one provider call made by the generation client, recorded
// whether or not the response validated. Append-only per unit.
type Attempt struct {
	Number     int       `json:"number"`
	Request    string    `json:"request"`
	Response   string    `json:"response"`
	Valid      bool      `json:"valid"`
	Violations []string  `json:"violations,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CacheEntry describes a cached artifact keyed by request fingerprint
type CacheEntry struct {
	Fingerprint  string            `json:"fingerprint"`
	ArtifactPath string            `json:"artifact_path"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
