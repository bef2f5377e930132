package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// FingerprintOf computes a stable hash key for the semantically relevant
// fields of a generation request. The value is canonicalized through a JSON
// round-trip so that map key ordering never affects the digest, and the
// result is identical across process restarts for logically identical input.
// Returns the first 16 hex chars of the SHA-256 digest.
func FingerprintOf(req any) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to serialize request: %w", err)
	}

	// Round-trip through interface{} so encoding/json re-emits all object
	// keys in sorted order regardless of the input's field ordering.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize request: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)[:16], nil
}
