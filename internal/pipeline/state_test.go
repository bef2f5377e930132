package pipeline

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestStateFoldOverwrite(t *testing.T) {
	s := NewState(nil)
	if err := s.Fold("k", ReduceOverwrite, json.RawMessage(`1`)); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if err := s.Fold("k", ReduceOverwrite, json.RawMessage(`2`)); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	v, ok := s.Get("k")
	if !ok || string(v) != `2` {
		t.Errorf("Expected 2, got %s", v)
	}
}

func TestStateFoldMergeMap(t *testing.T) {
	s := NewState(nil)
	if err := s.Fold("m", ReduceMergeMap, json.RawMessage(`{"a": 1, "b": 1}`)); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}
	if err := s.Fold("m", ReduceMergeMap, json.RawMessage(`{"b": 2, "c": 3}`)); err != nil {
		t.Fatalf("Fold failed: %v", err)
	}

	var m map[string]int
	if err := s.Unmarshal("m", &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if m["a"] != 1 || m["b"] != 2 || m["c"] != 3 {
		t.Errorf("Merge wrong: %v", m)
	}
}

func TestStateFoldMergeMapRejectsNonObject(t *testing.T) {
	s := NewState(map[string]json.RawMessage{"m": json.RawMessage(`[1]`)})
	if err := s.Fold("m", ReduceMergeMap, json.RawMessage(`{"a": 1}`)); err == nil {
		t.Error("Expected error merging into a non-object")
	}
}

func TestStateTypedAccessors(t *testing.T) {
	s := NewState(map[string]json.RawMessage{
		"str":  json.RawMessage(`"hello"`),
		"list": json.RawMessage(`[1, 2, 3]`),
	})

	str, err := s.String("str")
	if err != nil || str != "hello" {
		t.Errorf("String accessor: %q, %v", str, err)
	}
	items, err := s.List("list")
	if err != nil || len(items) != 3 {
		t.Errorf("List accessor: %d items, %v", len(items), err)
	}
	if _, err := s.String("list"); err == nil {
		t.Error("Expected type error reading array as string")
	}
	if _, err := s.List("missing"); err == nil {
		t.Error("Expected error for missing key")
	}
	if !s.Has("str", "list") {
		t.Error("Has should be true for present keys")
	}
	if s.Has("str", "missing") {
		t.Error("Has should be false when any key is absent")
	}
}

func TestStateConcurrentFolds(t *testing.T) {
	s := NewState(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			raw, _ := json.Marshal(map[string]int{string(rune('a' + i)): i})
			if err := s.Fold("m", ReduceMergeMap, raw); err != nil {
				t.Errorf("Fold failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var m map[string]int
	if err := s.Unmarshal("m", &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(m) != 32 {
		t.Errorf("Expected 32 keys, got %d", len(m))
	}
}
