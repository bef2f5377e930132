package util

import (
	"encoding/json"
	"testing"
)

func TestExtractJSONFromCodeFence(t *testing.T) {
	raw := "Here is the plan:\n```json\n{\"slides\": []}\n```\nDone."
	got := ExtractJSON(raw)
	if got != `{"slides": []}` {
		t.Errorf("Expected fenced object, got %q", got)
	}
}

func TestExtractJSONBareObject(t *testing.T) {
	raw := `Sure! {"a": {"b": [1, 2]}} hope that helps`
	got := ExtractJSON(raw)
	if got != `{"a": {"b": [1, 2]}}` {
		t.Errorf("Expected bare object, got %q", got)
	}
}

func TestExtractJSONFirstStructureWins(t *testing.T) {
	raw := `[1, 2] and also {"a": 1}`
	got := ExtractJSON(raw)
	if got != `[1, 2]` {
		t.Errorf("Expected the earlier array, got %q", got)
	}
}

func TestExtractJSONArray(t *testing.T) {
	raw := "```json\n[{\"a\": 1}, {\"a\": 2}]\n```"
	got := ExtractJSON(raw)
	if got != `[{"a": 1}, {"a": 2}]` {
		t.Errorf("Expected fenced array, got %q", got)
	}
}

func TestExtractJSONHandlesStringsWithBrackets(t *testing.T) {
	raw := `{"text": "a } inside a string"}`
	got := ExtractJSON(raw)
	if got != raw {
		t.Errorf("Bracket inside string broke matching: %q", got)
	}
}

func TestRepairJSONTrailingComma(t *testing.T) {
	repaired := RepairJSON(`{"a": [1, 2,], "b": 3,}`)
	var v map[string]any
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		t.Fatalf("Repaired JSON still invalid: %v (%q)", err, repaired)
	}
}

func TestRepairJSONLiteralNewlineInString(t *testing.T) {
	repaired := RepairJSON("{\"a\": \"line one\nline two\"}")
	var v map[string]string
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		t.Fatalf("Repaired JSON still invalid: %v (%q)", err, repaired)
	}
	if v["a"] != "line one\nline two" {
		t.Errorf("Newline not preserved: %q", v["a"])
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("Short string changed: %q", got)
	}
	got := TruncateString("héllo wörld", 5)
	if len([]rune(got)) > 8 { // 5 runes + ellipsis marker
		t.Errorf("Truncation too long: %q", got)
	}
}
