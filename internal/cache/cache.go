package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fablecast/fablecast/pkg/models"
)

// ErrMiss is returned by Get when no entry exists for a fingerprint
var ErrMiss = errors.New("cache miss")

const metaSuffix = ".meta.json"

// Cache is a content-addressable artifact store. Each entry is one artifact
// file plus a metadata sidecar, both named by the request fingerprint.
// Entries are write-once: a second Put with the same fingerprint replaces
// the artifact atomically, never leaving a partial state.
type Cache struct {
	dir     string
	enabled bool
	logger  *slog.Logger
}

// New creates a cache rooted at dir. A disabled cache is a valid no-op
// instance: Get always misses and Put returns the entry without storing.
func New(dir string, enabled bool, logger *slog.Logger) (*Cache, error) {
	c := &Cache{dir: dir, enabled: enabled, logger: logger}
	if enabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	return c, nil
}

// Get returns the entry and artifact bytes for a fingerprint, or ErrMiss.
func (c *Cache) Get(fingerprint string) (*models.CacheEntry, []byte, error) {
	if !c.enabled {
		return nil, nil, ErrMiss
	}

	metaPath := filepath.Join(c.dir, fingerprint+metaSuffix)
	metaRaw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrMiss
		}
		return nil, nil, fmt.Errorf("failed to read cache metadata: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(metaRaw, &entry); err != nil {
		return nil, nil, fmt.Errorf("corrupt cache metadata for %s: %w", fingerprint, err)
	}

	artifact, err := os.ReadFile(entry.ArtifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Sidecar without artifact: treat as a miss so the caller regenerates
			c.logger.Warn("Cache metadata present but artifact missing", "fingerprint", fingerprint)
			return nil, nil, ErrMiss
		}
		return nil, nil, fmt.Errorf("failed to read cached artifact: %w", err)
	}

	return &entry, artifact, nil
}

// Put stores an artifact under a fingerprint. ext is the artifact file
// extension including the dot (e.g. ".json", ".mp3"); empty means none.
// Concurrent Puts of the same fingerprint are idempotent: content is a pure
// function of the fingerprint, so last-writer-wins is safe.
func (c *Cache) Put(fingerprint string, artifact []byte, ext string, metadata map[string]string) (*models.CacheEntry, error) {
	entry := &models.CacheEntry{
		Fingerprint:  fingerprint,
		ArtifactPath: filepath.Join(c.dir, fingerprint+ext),
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}
	if !c.enabled {
		return entry, nil
	}

	if err := writeFileAtomic(entry.ArtifactPath, artifact, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write cache artifact: %w", err)
	}

	metaRaw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache metadata: %w", err)
	}
	metaPath := filepath.Join(c.dir, fingerprint+metaSuffix)
	if err := writeFileAtomic(metaPath, metaRaw, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write cache metadata: %w", err)
	}

	c.logger.Debug("Cached artifact", "fingerprint", fingerprint, "bytes", len(artifact))
	return entry, nil
}

// Clear removes all cached files and returns the number removed.
// There is no automatic expiry; this is the only eviction path.
func (c *Cache) Clear() (int, error) {
	if !c.enabled {
		return 0, nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list cache dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return count, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		count++
	}
	return count, nil
}

// writeFileAtomic writes to a temp file in the same directory and renames
// it over the destination, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+strings.TrimPrefix(filepath.Base(path), ".")+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
