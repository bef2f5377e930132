package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReducerKind is the merge policy applied when a stage's or unit's output
// is folded into shared run state.
type ReducerKind string

const (
	// ReduceOverwrite replaces the key's value
	ReduceOverwrite ReducerKind = "overwrite"
	// ReduceAppendByUnit assembles fan-out unit payloads into a JSON array
	// ordered by the stable unit index, independent of completion order.
	ReduceAppendByUnit ReducerKind = "append_by_unit"
	// ReduceMergeMap merges JSON objects key by key
	ReduceMergeMap ReducerKind = "merge_map"
)

// StageFunc is a scalar stage body: reads declared input keys from run
// state and returns the declared output keys. Must be free of hidden
// shared state across invocations.
type StageFunc func(ctx context.Context, state *State) (map[string]json.RawMessage, error)

// UnitFunc is a fan-out stage body, invoked once per element of the
// fan-out input list. index is the stable ordering key.
type UnitFunc func(ctx context.Context, state *State, index int, unitInput json.RawMessage) (json.RawMessage, error)

// Stage is one named node in the DAG
type Stage struct {
	Name    string
	Inputs  []string
	Outputs []string

	// Reducers maps output keys to merge policies. Missing keys default
	// to overwrite.
	Reducers map[string]ReducerKind

	// FanOutKey names the input key holding a JSON array; the stage runs
	// one unit per element. Empty means a scalar stage. A fan-out stage
	// must declare exactly one output.
	FanOutKey string

	// AllOrNothing fails the stage (and halts dependents) if any unit
	// fails. Committed sibling units stay checkpointed either way.
	AllOrNothing bool

	Run     StageFunc
	RunUnit UnitFunc
}

// IsFanOut reports whether the stage runs one unit per input element
func (s *Stage) IsFanOut() bool { return s.FanOutKey != "" }

func (s *Stage) reducerFor(key string) ReducerKind {
	if kind, ok := s.Reducers[key]; ok {
		return kind
	}
	return ReduceOverwrite
}

// Graph declares the full DAG plus the seed keys supplied at submit time
type Graph struct {
	Stages   []Stage
	SeedKeys []string
}

// ConfigError is a fatal graph-construction error (cycle, unresolved
// dependency, malformed stage). It always surfaces before any execution.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "pipeline configuration error: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// validate checks the graph and returns stage names in a valid
// topological order.
func (g *Graph) validate() ([]string, error) {
	if len(g.Stages) == 0 {
		return nil, configErrorf("graph has no stages")
	}

	seeds := make(map[string]bool, len(g.SeedKeys))
	for _, k := range g.SeedKeys {
		seeds[k] = true
	}

	byName := make(map[string]*Stage, len(g.Stages))
	producer := make(map[string]string) // output key -> stage name
	for i := range g.Stages {
		st := &g.Stages[i]
		if st.Name == "" {
			return nil, configErrorf("stage %d has no name", i)
		}
		if st.Name == seedKey {
			return nil, configErrorf("stage name %q is reserved", seedKey)
		}
		if _, dup := byName[st.Name]; dup {
			return nil, configErrorf("duplicate stage name %q", st.Name)
		}
		byName[st.Name] = st

		if st.IsFanOut() {
			if st.RunUnit == nil {
				return nil, configErrorf("fan-out stage %q has no unit body", st.Name)
			}
			if len(st.Outputs) != 1 {
				return nil, configErrorf("fan-out stage %q must declare exactly one output (got %d)", st.Name, len(st.Outputs))
			}
			found := false
			for _, in := range st.Inputs {
				if in == st.FanOutKey {
					found = true
					break
				}
			}
			if !found {
				return nil, configErrorf("fan-out stage %q: fan-out key %q is not a declared input", st.Name, st.FanOutKey)
			}
		} else if st.Run == nil {
			return nil, configErrorf("stage %q has no body", st.Name)
		}

		for _, out := range st.Outputs {
			if out == RunIDKey {
				return nil, configErrorf("stage %q output %q is a reserved key", st.Name, out)
			}
			if seeds[out] {
				return nil, configErrorf("stage %q output %q collides with a seed key", st.Name, out)
			}
			if prev, taken := producer[out]; taken {
				return nil, configErrorf("output key %q produced by both %q and %q", out, prev, st.Name)
			}
			producer[out] = st.Name
		}
	}

	// Kahn's algorithm over producer->consumer edges; leftovers mean a cycle.
	indegree := make(map[string]int, len(g.Stages))
	dependents := make(map[string][]string)
	for _, st := range g.Stages {
		indegree[st.Name] = 0
	}
	for _, st := range g.Stages {
		for _, in := range st.Inputs {
			if seeds[in] {
				continue
			}
			from, ok := producer[in]
			if !ok {
				return nil, configErrorf("stage %q input %q is neither a seed key nor produced by any stage", st.Name, in)
			}
			if from == st.Name {
				return nil, configErrorf("stage %q consumes its own output %q", st.Name, in)
			}
			indegree[st.Name]++
			dependents[from] = append(dependents[from], st.Name)
		}
	}

	var queue []string
	for _, st := range g.Stages {
		if indegree[st.Name] == 0 {
			queue = append(queue, st.Name)
		}
	}

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.Stages) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, configErrorf("dependency cycle involving stages %v", stuck)
	}

	return order, nil
}
