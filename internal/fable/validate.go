package fable

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablecast/fablecast/internal/genclient"
	"github.com/fablecast/fablecast/internal/util"
)

// KindScript is the generation kind for chapter narration scripts
const KindScript = "script"

// ScriptValidator checks provider output against the script schema:
// at least one slide, every slide with a non-empty title and narration,
// and a non-negative numeric duration.
type ScriptValidator struct{}

// Validate implements genclient.Validator. On success it returns the
// canonically re-encoded script so cached and checkpointed payloads have
// one stable shape regardless of provider formatting.
func (ScriptValidator) Validate(kind string, raw string) (json.RawMessage, []string) {
	if kind != KindScript {
		return nil, []string{fmt.Sprintf("unknown generation kind %q", kind)}
	}

	var script Script
	if err := json.Unmarshal([]byte(raw), &script); err != nil {
		return nil, []string{fmt.Sprintf("response is not a JSON script object: %v", err)}
	}

	var violations []string
	if len(script.Slides) == 0 {
		violations = append(violations, "script must contain at least one slide")
	}
	for i, slide := range script.Slides {
		if strings.TrimSpace(slide.Title) == "" {
			violations = append(violations, fmt.Sprintf("slide %d: title must be non-empty", i))
		}
		if strings.TrimSpace(slide.Narration) == "" {
			violations = append(violations, fmt.Sprintf("slide %d: narration must be non-empty", i))
		}
		if slide.DurationSecs < 0 {
			violations = append(violations, fmt.Sprintf("slide %d: duration_secs must be non-negative", i))
		}
	}
	if len(violations) > 0 {
		return nil, violations
	}

	payload, err := json.Marshal(script)
	if err != nil {
		return nil, []string{fmt.Sprintf("failed to re-encode script: %v", err)}
	}
	return payload, nil
}

// FallbackScript builds the deterministic single-slide script used when
// all generation attempts are exhausted: the pipeline keeps moving with a
// minimal, schema-valid placeholder instead of blocking on the provider.
func FallbackScript(req genclient.Request) json.RawMessage {
	title := "Overview"
	if t, ok := req.Params["chapter_title"].(string); ok && strings.TrimSpace(t) != "" {
		title = t
	}
	narration := "This section could not be generated automatically."
	if t, ok := req.Params["chapter_text"].(string); ok && strings.TrimSpace(t) != "" {
		narration = util.TruncateString(strings.TrimSpace(t), 400)
	}

	script := Script{Slides: []Slide{{
		ID:           "slide-01",
		Title:        title,
		Narration:    narration,
		DurationSecs: 30,
	}}}
	payload, _ := json.Marshal(script)
	return payload
}
