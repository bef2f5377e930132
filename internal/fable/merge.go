package fable

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ConcatMerger joins chapter artifacts into one output file in the order
// given. The order is the chapters' stable index order; the merger never
// reorders.
type ConcatMerger struct {
	OutDir string
}

// Merge concatenates the artifacts and returns the final output path
func (m ConcatMerger) Merge(ctx context.Context, runID string, artifactPaths []string) (string, error) {
	if len(artifactPaths) == 0 {
		return "", fmt.Errorf("no chapter artifacts to merge")
	}

	dir := filepath.Join(m.OutDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	finalPath := filepath.Join(dir, "final.txt")

	out, err := os.Create(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to create final artifact: %w", err)
	}
	defer func() { _ = out.Close() }()

	for _, path := range artifactPaths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read chapter artifact %s: %w", path, err)
		}
		if _, err := out.Write(data); err != nil {
			return "", fmt.Errorf("failed to append to final artifact: %w", err)
		}
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return finalPath, nil
}
