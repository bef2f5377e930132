package fable

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StoryboardComposer renders a chapter script into a plain-text
// storyboard with subtitle-style timing lines. It is the local stand-in
// for real slide rendering and video muxing, which stay behind the
// Composer interface.
type StoryboardComposer struct {
	// OutDir is where chapter artifacts land, one subdirectory per run
	OutDir string
}

// Compose writes the storyboard and returns its path
func (c StoryboardComposer) Compose(ctx context.Context, runID string, script Script) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(c.OutDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n\n", script.ChapterID)
	cursor := 0.0
	for _, slide := range script.Slides {
		end := cursor + slide.DurationSecs
		fmt.Fprintf(&b, "[%s --> %s] %s\n", formatTimestamp(cursor), formatTimestamp(end), slide.Title)
		for _, bullet := range slide.Bullets {
			fmt.Fprintf(&b, "  - %s\n", bullet)
		}
		fmt.Fprintf(&b, "  %s\n\n", slide.Narration)
		cursor = end
	}

	path := filepath.Join(dir, script.ChapterID+".txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write chapter artifact: %w", err)
	}
	return path, nil
}

// formatTimestamp renders seconds as hh:mm:ss.mmm
func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	ms := (d - s*time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
