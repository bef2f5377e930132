// Package pipeline schedules a declared DAG of stages over shared run
// state. Dependencies are key-presence: a stage becomes runnable once
// every declared input key exists in state. Fan-out stages spread one
// unit per input element across the worker pool, checkpoint each unit as
// it commits, and reassemble results by stable unit index.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/fablecast/fablecast/internal/checkpoint"
	"github.com/fablecast/fablecast/internal/metrics"
	"github.com/fablecast/fablecast/internal/pool"
	"github.com/fablecast/fablecast/internal/runstore"
	"github.com/fablecast/fablecast/pkg/models"
)

// seedKey is the reserved checkpoint key holding the submit-time seed
// values, so Resume can rebuild initial state without re-reading input.
const seedKey = "seed"

// RunIDKey is a reserved state key the engine populates with the run id,
// so stage bodies can tag audit records without extra plumbing.
const RunIDKey = "run_id"

// Engine executes a validated graph for one run at a time per handle.
// The engine itself is stateless across runs and safe to reuse.
type Engine struct {
	graph  *Graph
	order  []string // topological stage order, fixed at construction
	ckpt   *checkpoint.Store
	runs   *runstore.Store
	pool   *pool.Pool
	logger *slog.Logger

	// ShowProgress draws a terminal progress bar per fan-out stage
	ShowProgress bool
}

// New validates the graph and builds an engine. All graph errors surface
// here as *ConfigError; nothing executes on a malformed graph.
func New(graph *Graph, ckpt *checkpoint.Store, runs *runstore.Store, workers *pool.Pool, logger *slog.Logger) (*Engine, error) {
	order, err := graph.validate()
	if err != nil {
		return nil, err
	}
	return &Engine{
		graph:  graph,
		order:  order,
		ckpt:   ckpt,
		runs:   runs,
		pool:   workers,
		logger: logger,
	}, nil
}

// StageOrder returns the stage names in execution-eligible topological order
func (e *Engine) StageOrder() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// RunHandle is one submitted or resumed run, ready to execute
type RunHandle struct {
	Run   *models.Run
	state *State
	ckpt  checkpoint.StateMap
}

// State exposes the handle's run state (primarily for inspection after Run)
func (h *RunHandle) State() *State { return h.state }

// UnitFailure identifies one failed fan-out unit
type UnitFailure struct {
	Index int    `json:"index"`
	Err   string `json:"error"`
}

// StageResult summarizes one stage's execution within a run
type StageResult struct {
	Name        string        `json:"name"`
	Units       int           `json:"units"` // 0 for scalar stages
	Completed   int           `json:"completed"`
	Restored    int           `json:"restored"` // committed units skipped via checkpoint
	Failed      int           `json:"failed"`
	FailedUnits []UnitFailure `json:"failed_units,omitempty"`
	Err         string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// RunResult is the final outcome of Engine.Run
type RunResult struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
	Stages []StageResult    `json:"stages"`
}

// Submit registers a new run with the given seed values and persists the
// seed so a later Resume needs nothing beyond the run id.
func (e *Engine) Submit(ctx context.Context, inputRef string, seed map[string]json.RawMessage) (*RunHandle, error) {
	for _, key := range e.graph.SeedKeys {
		if _, ok := seed[key]; !ok {
			return nil, configErrorf("submit is missing seed key %q", key)
		}
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:        uuid.NewString(),
		InputRef:  inputRef,
		Status:    models.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if e.runs != nil {
		if err := e.runs.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}

	seedPayload, err := json.Marshal(seed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode seed values: %w", err)
	}
	if err := e.saveEntry(ctx, run.ID, seedKey, models.CheckpointEntry{
		Status:  models.UnitDone,
		Payload: seedPayload,
	}); err != nil {
		return nil, err
	}

	e.logger.Info("Run submitted", "run_id", run.ID, "input_ref", inputRef)
	return &RunHandle{
		Run:   run,
		state: newRunState(run.ID, seed),
		ckpt:  checkpoint.StateMap{},
	}, nil
}

func newRunState(runID string, seed map[string]json.RawMessage) *State {
	state := NewState(seed)
	id, _ := json.Marshal(runID)
	_ = state.Fold(RunIDKey, ReduceOverwrite, id)
	return state
}

// Resume rebuilds a handle for an existing run from its checkpoint.
// Committed stages and units will be restored instead of re-executed.
func (e *Engine) Resume(ctx context.Context, runID string) (*RunHandle, error) {
	if e.runs == nil {
		return nil, fmt.Errorf("resume requires a run registry")
	}
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	entries, err := e.ckpt.Load(runID)
	if err != nil {
		return nil, err
	}

	seedEntry, ok := entries[seedKey]
	if !ok {
		return nil, fmt.Errorf("run %s has no seed checkpoint, cannot resume", runID)
	}
	var seed map[string]json.RawMessage
	if err := json.Unmarshal(seedEntry.Payload, &seed); err != nil {
		return nil, fmt.Errorf("corrupt seed checkpoint for run %s: %w", runID, err)
	}

	e.logger.Info("Run resumed", "run_id", runID, "checkpoint_entries", len(entries))
	return &RunHandle{
		Run:   run,
		state: newRunState(runID, seed),
		ckpt:  entries,
	}, nil
}

// Run executes the graph to completion for the handle. Independent ready
// stages run concurrently; fan-out units share the engine's worker pool.
// A failed all-or-nothing stage halts its dependents but never rolls back
// committed sibling units.
func (e *Engine) Run(ctx context.Context, h *RunHandle) (*RunResult, error) {
	e.setRunStatus(ctx, h.Run, models.RunRunning)

	byName := make(map[string]*Stage, len(e.graph.Stages))
	for i := range e.graph.Stages {
		byName[e.graph.Stages[i].Name] = &e.graph.Stages[i]
	}

	dirty := newDirtySet()
	results := make(map[string]*StageResult, len(e.order))
	executed := make(map[string]bool, len(e.order))
	halted := false

	for !halted {
		var ready []*Stage
		for _, name := range e.order {
			if executed[name] {
				continue
			}
			st := byName[name]
			if h.state.Has(st.Inputs...) {
				ready = append(ready, st)
			}
		}
		if len(ready) == 0 {
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, st := range ready {
			executed[st.Name] = true
			wg.Add(1)
			go func(st *Stage) {
				defer wg.Done()
				res := e.runStage(ctx, h, st, dirty)
				mu.Lock()
				results[st.Name] = res
				mu.Unlock()
			}(st)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			e.setRunStatus(ctx, h.Run, models.RunFailed)
			return e.assemble(h, results, models.RunFailed), err
		}

		// Fatal stage failures produce no output keys, so dependents stay
		// blocked; stop scheduling once any stage is fatally failed.
		for _, st := range ready {
			if res := results[st.Name]; res.Err != "" {
				halted = true
			}
		}
	}

	status := e.finalStatus(results, executed)
	e.setRunStatus(ctx, h.Run, status)
	result := e.assemble(h, results, status)

	e.logger.Info("Run finished", "run_id", h.Run.ID, "status", status)
	return result, nil
}

// finalStatus folds per-stage outcomes into a run status. Unexecuted
// stages (blocked behind a failure) make the run failed.
func (e *Engine) finalStatus(results map[string]*StageResult, executed map[string]bool) models.RunStatus {
	partial := false
	for _, name := range e.order {
		res, ok := results[name]
		if !ok || !executed[name] {
			return models.RunFailed
		}
		if res.Err != "" {
			return models.RunFailed
		}
		if res.Failed > 0 {
			partial = true
		}
	}
	if partial {
		return models.RunCompletedWithFailures
	}
	return models.RunCompleted
}

func (e *Engine) assemble(h *RunHandle, results map[string]*StageResult, status models.RunStatus) *RunResult {
	out := &RunResult{RunID: h.Run.ID, Status: status}
	for _, name := range e.order {
		if res, ok := results[name]; ok {
			out.Stages = append(out.Stages, *res)
		}
	}
	return out
}

// dirtySet tracks state keys recomputed during this execution, as opposed
// to restored from checkpoint. A stage whose inputs are dirty must not
// trust its own checkpoint: the data it ran on last time has changed.
type dirtySet struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newDirtySet() *dirtySet {
	return &dirtySet{keys: make(map[string]bool)}
}

func (d *dirtySet) mark(keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		d.keys[k] = true
	}
}

func (d *dirtySet) any(keys []string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		if d.keys[k] {
			return true
		}
	}
	return false
}

func (e *Engine) runStage(ctx context.Context, h *RunHandle, st *Stage, dirty *dirtySet) *StageResult {
	start := time.Now()
	res := &StageResult{Name: st.Name}
	defer func() {
		res.Duration = time.Since(start)
		status := "ok"
		if res.Err != "" || res.Failed > 0 {
			status = "failed"
		}
		metrics.RecordUnit(st.Name, status, res.Duration)
	}()

	if st.IsFanOut() {
		e.runFanOut(ctx, h, st, res, dirty)
	} else {
		e.runScalar(ctx, h, st, res, dirty)
	}
	return res
}

func (e *Engine) runScalar(ctx context.Context, h *RunHandle, st *Stage, res *StageResult, dirty *dirtySet) {
	if entry, ok := h.ckpt[st.Name]; ok && entry.Status == models.UnitDone && !dirty.any(st.Inputs) {
		if err := e.foldScalar(st, entry.Payload, h.state); err != nil {
			res.Err = err.Error()
			return
		}
		res.Restored = 1
		res.Completed = 1
		e.logger.Debug("Stage restored from checkpoint", "run_id", h.Run.ID, "stage", st.Name)
		return
	}

	e.logger.Info("Stage started", "run_id", h.Run.ID, "stage", st.Name)
	outputs, err := st.Run(ctx, h.state)
	if err != nil {
		res.Err = err.Error()
		e.logger.Error("Stage failed", "run_id", h.Run.ID, "stage", st.Name, "error", err)
		_ = e.saveEntry(ctx, h.Run.ID, st.Name, models.CheckpointEntry{
			Status: models.UnitFailed,
			Err:    err.Error(),
		})
		return
	}

	for _, key := range st.Outputs {
		if _, ok := outputs[key]; !ok {
			res.Err = fmt.Sprintf("stage %q did not produce declared output %q", st.Name, key)
			return
		}
	}

	payload, err := json.Marshal(outputs)
	if err != nil {
		res.Err = fmt.Sprintf("failed to encode stage outputs: %v", err)
		return
	}
	if err := e.saveEntry(ctx, h.Run.ID, st.Name, models.CheckpointEntry{
		Status:  models.UnitDone,
		Payload: payload,
	}); err != nil {
		res.Err = err.Error()
		return
	}

	if err := e.foldScalar(st, payload, h.state); err != nil {
		res.Err = err.Error()
		return
	}
	dirty.mark(st.Outputs...)
	res.Completed = 1
	e.logger.Info("Stage completed", "run_id", h.Run.ID, "stage", st.Name)
}

func (e *Engine) foldScalar(st *Stage, payload json.RawMessage, state *State) error {
	var outputs map[string]json.RawMessage
	if err := json.Unmarshal(payload, &outputs); err != nil {
		return fmt.Errorf("corrupt outputs for stage %q: %w", st.Name, err)
	}
	for _, key := range st.Outputs {
		value, ok := outputs[key]
		if !ok {
			return fmt.Errorf("stage %q checkpoint is missing output %q", st.Name, key)
		}
		if err := state.Fold(key, st.reducerFor(key), value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runFanOut(ctx context.Context, h *RunHandle, st *Stage, res *StageResult, dirty *dirtySet) {
	items, err := h.state.List(st.FanOutKey)
	if err != nil {
		res.Err = err.Error()
		return
	}
	res.Units = len(items)

	done := make([]json.RawMessage, len(items))
	committed := make([]bool, len(items))
	futures := make(map[int]*pool.Future)

	// Recomputed inputs can shift unit indices, so checkpointed units are
	// only trusted when every input key is exactly as it was committed.
	trustCheckpoint := !dirty.any(st.Inputs)

	for idx, item := range items {
		key := unitKey(st.Name, idx)
		if entry, ok := h.ckpt[key]; ok && entry.Status == models.UnitDone && trustCheckpoint {
			done[idx] = entry.Payload
			committed[idx] = true
			res.Restored++
			continue
		}
		futures[idx] = e.submitUnit(ctx, h, st, idx, item)
	}

	if res.Restored > 0 {
		e.logger.Info("Skipping committed units",
			"run_id", h.Run.ID, "stage", st.Name,
			"restored", res.Restored, "remaining", len(futures))
	}

	var bar *progressbar.ProgressBar
	if e.ShowProgress && len(futures) > 0 {
		bar = progressbar.Default(int64(len(futures)), st.Name)
	}

	// Wait in index order; completion order is up to the pool.
	indices := make([]int, 0, len(futures))
	for idx := range futures {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		unit := futures[idx].Wait()
		if bar != nil {
			_ = bar.Add(1)
		}
		if unit.Err != nil {
			res.FailedUnits = append(res.FailedUnits, UnitFailure{Index: idx, Err: unit.Err.Error()})
			continue
		}
		done[idx] = unit.Payload
		committed[idx] = true
	}
	res.Failed = len(res.FailedUnits)
	res.Completed = res.Restored + (len(futures) - res.Failed)

	if res.Failed > 0 {
		e.logger.Warn("Fan-out stage had unit failures",
			"run_id", h.Run.ID, "stage", st.Name,
			"failed", res.Failed, "total", res.Units)
		if st.AllOrNothing {
			// Committed sibling units stay checkpointed; the stage simply
			// produces no output, halting dependents.
			res.Err = fmt.Sprintf("stage %q requires all units, %d of %d failed", st.Name, res.Failed, res.Units)
			return
		}
	}

	// Reassemble successes in stable index order, independent of the
	// order units actually finished in.
	assembled := make([]json.RawMessage, 0, len(items))
	for idx := range items {
		if committed[idx] {
			assembled = append(assembled, done[idx])
		}
	}

	outKey := st.Outputs[0]
	value, err := foldUnits(st.reducerFor(outKey), assembled)
	if err != nil {
		res.Err = fmt.Sprintf("stage %q: %v", st.Name, err)
		return
	}
	if err := h.state.Fold(outKey, ReduceOverwrite, value); err != nil {
		res.Err = err.Error()
		return
	}
	if len(futures) > 0 {
		dirty.mark(outKey)
	}
	e.logger.Info("Stage completed",
		"run_id", h.Run.ID, "stage", st.Name,
		"completed", res.Completed, "failed", res.Failed)
}

// submitUnit queues one fan-out unit. The checkpoint write happens inside
// the task, before the future resolves: a crash after a unit commits loses
// nothing, a crash during it loses at most that unit.
func (e *Engine) submitUnit(ctx context.Context, h *RunHandle, st *Stage, idx int, item json.RawMessage) *pool.Future {
	return e.pool.Submit(ctx, pool.Task{
		Index: idx,
		Run: func(taskCtx context.Context) (json.RawMessage, error) {
			metrics.UnitStarted(st.Name)
			defer metrics.UnitFinished(st.Name)

			payload, err := st.RunUnit(taskCtx, h.state, idx, item)
			key := unitKey(st.Name, idx)
			if err != nil {
				_ = e.saveEntry(ctx, h.Run.ID, key, models.CheckpointEntry{
					Status: models.UnitFailed,
					Err:    err.Error(),
				})
				return nil, fmt.Errorf("unit %s: %w", key, err)
			}
			if saveErr := e.saveEntry(ctx, h.Run.ID, key, models.CheckpointEntry{
				Status:  models.UnitDone,
				Payload: payload,
			}); saveErr != nil {
				return nil, saveErr
			}
			return payload, nil
		},
	})
}

// foldUnits turns index-ordered unit payloads into the stage's single
// output value.
func foldUnits(kind ReducerKind, units []json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case ReduceAppendByUnit:
		return json.Marshal(units)
	case ReduceMergeMap:
		merged := json.RawMessage(`{}`)
		for _, u := range units {
			var err error
			if merged, err = mergeObjects(merged, u); err != nil {
				return nil, err
			}
		}
		return merged, nil
	case ReduceOverwrite:
		if len(units) == 0 {
			return json.RawMessage(`null`), nil
		}
		return units[len(units)-1], nil
	default:
		return nil, fmt.Errorf("unknown reducer %q", kind)
	}
}

func (e *Engine) saveEntry(ctx context.Context, runID, key string, entry models.CheckpointEntry) error {
	err := e.ckpt.Save(ctx, runID, key, entry)
	if err != nil {
		metrics.IncCheckpointSave("error")
		e.logger.Error("Checkpoint save failed", "run_id", runID, "key", key, "error", err)
		return fmt.Errorf("checkpoint %s: %w", key, err)
	}
	metrics.IncCheckpointSave("ok")
	return nil
}

func (e *Engine) setRunStatus(ctx context.Context, run *models.Run, status models.RunStatus) {
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	if e.runs == nil {
		return
	}
	if err := e.runs.UpdateRunStatus(ctx, run.ID, status); err != nil {
		e.logger.Warn("Failed to persist run status", "run_id", run.ID, "status", status, "error", err)
	}
}

func unitKey(stage string, idx int) string {
	return fmt.Sprintf("%s/unit_%04d", stage, idx)
}
