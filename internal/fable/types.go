// Package fable is the standard document pipeline preset: ingest a text
// document, segment it into chapters, generate a validated narration
// script per chapter, compose a chapter artifact per script, and merge
// the artifacts into one output. The expensive outer edges (real
// LLM/TTS/video backends) stay behind small interfaces; the shipped
// implementations are deterministic and local.
package fable

import "context"

// Document is the ingested input text plus where it came from
type Document struct {
	Ref  string `json:"ref"`
	Text string `json:"text"`
}

// Chapter is one segment of a document. ID carries the stable 1-based
// position ("chapter-01"); fan-out ordering uses the unit index, not the ID.
type Chapter struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Slide is one unit of a chapter script
type Slide struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Narration    string   `json:"narration"`
	Bullets      []string `json:"bullets,omitempty"`
	VisualPrompt string   `json:"visual_prompt,omitempty"`
	DurationSecs float64  `json:"duration_secs"`
}

// Script is a validated generation result for one chapter
type Script struct {
	ChapterID string  `json:"chapter_id,omitempty"`
	Slides    []Slide `json:"slides"`
}

// Reader resolves an input reference into a document
type Reader interface {
	Read(ctx context.Context, ref string) (*Document, error)
}

// Segmenter splits a document into ordered chapters
type Segmenter interface {
	Segment(ctx context.Context, doc *Document) ([]Chapter, error)
}

// Composer turns one chapter script into a chapter artifact and returns
// its path.
type Composer interface {
	Compose(ctx context.Context, runID string, script Script) (string, error)
}

// Merger combines ordered chapter artifacts into the final output
type Merger interface {
	Merge(ctx context.Context, runID string, artifactPaths []string) (string, error)
}
