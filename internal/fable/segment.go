package fable

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxChapterChars bounds fallback chunking when a document has no
// recognizable headings.
const DefaultMaxChapterChars = 3000

var (
	markdownHeading = regexp.MustCompile(`(?m)^#{1,3}\s+(.+)$`)
	chapterHeading  = regexp.MustCompile(`(?mi)^Chapter\s+\d+[:.]?\s*(.*)$`)
	sentenceEnd     = regexp.MustCompile(`(?s)([^.?!]*[.?!]+)\s*`)
)

// HeadingSegmenter splits a document into chapters by structure:
// markdown headings first, then "Chapter N" lines, then size-bounded
// sentence chunks when the document has no headings at all.
type HeadingSegmenter struct {
	// MaxChars bounds fallback chunks; zero means DefaultMaxChapterChars
	MaxChars int
}

func (s HeadingSegmenter) maxChars() int {
	if s.MaxChars > 0 {
		return s.MaxChars
	}
	return DefaultMaxChapterChars
}

// Segment always returns at least one chapter for non-empty input
func (s HeadingSegmenter) Segment(ctx context.Context, doc *Document) ([]Chapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := doc.Text

	if chapters := splitByHeadings(markdownHeading, text); len(chapters) > 0 {
		return chapters, nil
	}
	if chapters := splitByHeadings(chapterHeading, text); len(chapters) > 0 {
		return chapters, nil
	}
	return s.chunkBySentence(text), nil
}

// splitByHeadings produces one chapter per heading match; the chapter
// body runs to the next heading or end of text.
func splitByHeadings(re *regexp.Regexp, text string) []Chapter {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	chapters := make([]Chapter, 0, len(matches))
	for i, m := range matches {
		title := strings.TrimSpace(text[m[2]:m[3]])
		if title == "" {
			title = strings.TrimSpace(text[m[0]:m[1]])
		}
		bodyStart := m[1]
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		chapters = append(chapters, Chapter{
			ID:    chapterID(i + 1),
			Title: title,
			Text:  strings.TrimSpace(text[bodyStart:bodyEnd]),
		})
	}
	return chapters
}

// chunkBySentence groups sentences into chapters of roughly maxChars.
// A single unbroken run of text (no sentence punctuation) is split on
// word boundaries instead.
func (s HeadingSegmenter) chunkBySentence(text string) []Chapter {
	limit := s.maxChars()

	var sentences []string
	for _, m := range sentenceEnd.FindAllStringSubmatch(text, -1) {
		if sent := strings.TrimSpace(m[1]); sent != "" {
			sentences = append(sentences, sent)
		}
	}
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	if len(sentences) == 1 && len(sentences[0]) > limit {
		sentences = strings.Fields(sentences[0])
	}

	var chapters []Chapter
	var current []string
	currentLen := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		n := len(chapters) + 1
		chapters = append(chapters, Chapter{
			ID:    chapterID(n),
			Title: fmt.Sprintf("Chapter %d", n),
			Text:  strings.Join(current, " "),
		})
		current = nil
		currentLen = 0
	}

	for _, sent := range sentences {
		current = append(current, sent)
		currentLen += len(sent) + 1
		if currentLen >= limit {
			flush()
		}
	}
	flush()
	return chapters
}

func chapterID(n int) string {
	return fmt.Sprintf("chapter-%02d", n)
}
