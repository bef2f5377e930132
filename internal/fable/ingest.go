package fable

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileReader reads plain-text documents from the local filesystem
type FileReader struct{}

// Read loads the file at ref. Line endings are normalized so the
// segmenter only ever sees "\n".
func (FileReader) Read(ctx context.Context, ref string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", ref, err)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("input %s is empty", ref)
	}
	return &Document{Ref: ref, Text: text}, nil
}
