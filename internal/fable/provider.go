package fable

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fablecast/fablecast/internal/genclient"
	"github.com/fablecast/fablecast/internal/util"
)

// wordsPerSecond approximates a narration pace for duration estimates
const wordsPerSecond = 2.5

// LocalProvider is a deterministic, offline script generator: one slide
// per paragraph of the chapter text. It exists for tests and for running
// the pipeline with no external backend configured; the same input always
// yields the same output, which also makes cache behavior observable.
type LocalProvider struct{}

// Generate implements genclient.Provider
func (LocalProvider) Generate(ctx context.Context, kind, prompt string, params map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if kind != KindScript {
		return "", &genclient.ProviderError{
			Message: fmt.Sprintf("unsupported generation kind %q", kind),
			Code:    "unsupported_kind",
		}
	}

	title, _ := params["chapter_title"].(string)
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}
	text, _ := params["chapter_text"].(string)

	var slides []Slide
	for _, para := range splitParagraphs(text) {
		n := len(slides) + 1
		words := len(strings.Fields(para))
		slides = append(slides, Slide{
			ID:           fmt.Sprintf("slide-%02d", n),
			Title:        slideTitle(title, n),
			Narration:    para,
			VisualPrompt: "Illustration for: " + util.TruncateString(para, 120),
			DurationSecs: float64(words) / wordsPerSecond,
		})
	}
	if len(slides) == 0 {
		slides = []Slide{{
			ID:           "slide-01",
			Title:        title,
			Narration:    title,
			DurationSecs: 5,
		}}
	}

	payload, err := json.Marshal(Script{Slides: slides})
	if err != nil {
		return "", &genclient.ProviderError{Message: err.Error(), Code: "encode"}
	}
	return string(payload), nil
}

func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		if p := strings.TrimSpace(para); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func slideTitle(chapterTitle string, n int) string {
	if n == 1 {
		return chapterTitle
	}
	return fmt.Sprintf("%s (%d)", chapterTitle, n)
}
