package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is the shared key/value store a run accumulates results into.
// Values are raw JSON; stages communicate exclusively through declared
// keys. All methods are safe for concurrent use.
type State struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewState seeds a fresh state. The seed map is copied.
func NewState(seed map[string]json.RawMessage) *State {
	values := make(map[string]json.RawMessage, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &State{values: values}
}

// Get returns the raw value for key
func (s *State) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Has reports whether every key is present
func (s *State) Has(keys ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range keys {
		if _, ok := s.values[k]; !ok {
			return false
		}
	}
	return true
}

// String returns the value for key decoded as a JSON string
func (s *State) String(key string) (string, error) {
	raw, ok := s.Get(key)
	if !ok {
		return "", fmt.Errorf("state key %q not present", key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("state key %q is not a JSON string: %w", key, err)
	}
	return v, nil
}

// List returns the value for key decoded as a JSON array
func (s *State) List(key string) ([]json.RawMessage, error) {
	raw, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("state key %q not present", key)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("state key %q is not a JSON array: %w", key, err)
	}
	return items, nil
}

// Unmarshal decodes the value for key into out
func (s *State) Unmarshal(key string, out any) error {
	raw, ok := s.Get(key)
	if !ok {
		return fmt.Errorf("state key %q not present", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode state key %q: %w", key, err)
	}
	return nil
}

// Fold merges value into key under the given reducer policy.
func (s *State) Fold(key string, kind ReducerKind, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case ReduceOverwrite, ReduceAppendByUnit:
		// append_by_unit ordering is resolved by the engine before the
		// fold: value arrives as the fully assembled, index-ordered array.
		s.values[key] = value
	case ReduceMergeMap:
		existing, ok := s.values[key]
		if !ok {
			s.values[key] = value
			break
		}
		merged, err := mergeObjects(existing, value)
		if err != nil {
			return fmt.Errorf("merge_map on key %q: %w", key, err)
		}
		s.values[key] = merged
	default:
		return fmt.Errorf("unknown reducer %q for key %q", kind, key)
	}
	return nil
}

// Snapshot copies the current key/value map
func (s *State) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func mergeObjects(dst, src json.RawMessage) (json.RawMessage, error) {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(dst, &base); err != nil {
		return nil, fmt.Errorf("existing value is not a JSON object: %w", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(src, &overlay); err != nil {
		return nil, fmt.Errorf("incoming value is not a JSON object: %w", err)
	}
	for k, v := range overlay {
		base[k] = v
	}
	return json.Marshal(base)
}
