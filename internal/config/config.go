package config

import (
	"fmt"
	"os"
	"strings"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline PipelineConfig         `toml:"pipeline"`
	Cache    CacheConfig            `toml:"cache"`
	Limits   map[string]LimitConfig `toml:"limits"`
}

// PipelineConfig holds orchestration settings
type PipelineConfig struct {
	DataDir             string   `toml:"data_dir"`              // Root for runs, checkpoints and the run registry
	Concurrency         int      `toml:"concurrency"`           // Max concurrent fan-out units (default: 8)
	UnitTimeoutSeconds  int      `toml:"unit_timeout_seconds"`  // Per-unit execution timeout (default: 300)
	MaxAttempts         int      `toml:"max_attempts"`          // Generation attempts per unit incl. repairs (default: 3)
	LockTimeoutSeconds  int      `toml:"lock_timeout_seconds"`  // Checkpoint lock wait bound (default: 5)
	AllOrNothingStages  []string `toml:"all_or_nothing_stages"` // Stage names that fail on any unit failure
	DisableProgressBars bool     `toml:"disable_progress_bars"` // Suppress terminal progress output
}

// CacheConfig holds artifact cache settings
type CacheConfig struct {
	Dir     string `toml:"dir"` // Default: <data_dir>/cache
	Enabled bool   `toml:"enabled"`
}

// LimitConfig is a token-bucket rate limit for one named external resource
type LimitConfig struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// Secrets holds provider credentials loaded from environment variables,
// never from the config file.
type Secrets struct {
	APIKeys map[string]string
}

// GetAPIKey returns the credential for a named provider, or empty string.
func (s *Secrets) GetAPIKey(provider string) string {
	if s == nil {
		return ""
	}
	return s.APIKeys[strings.ToLower(provider)]
}

const (
	// MaxConcurrency is the maximum allowed fan-out concurrency
	MaxConcurrency = 1024
	// MaxAttemptsLimit bounds the generation attempt budget
	MaxAttemptsLimit = 20
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Pipeline.DataDir == "" {
		return fmt.Errorf("pipeline.data_dir must be set")
	}
	if c.Pipeline.Concurrency < 1 || c.Pipeline.Concurrency > MaxConcurrency {
		return fmt.Errorf("pipeline.concurrency must be between 1 and %d (got %d)", MaxConcurrency, c.Pipeline.Concurrency)
	}
	if c.Pipeline.UnitTimeoutSeconds < 1 {
		return fmt.Errorf("pipeline.unit_timeout_seconds must be positive (got %d)", c.Pipeline.UnitTimeoutSeconds)
	}
	if c.Pipeline.MaxAttempts < 1 || c.Pipeline.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("pipeline.max_attempts must be between 1 and %d (got %d)", MaxAttemptsLimit, c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.LockTimeoutSeconds < 1 {
		return fmt.Errorf("pipeline.lock_timeout_seconds must be positive (got %d)", c.Pipeline.LockTimeoutSeconds)
	}
	for name, lim := range c.Limits {
		if lim.RequestsPerSecond <= 0 {
			return fmt.Errorf("limits.%s.requests_per_second must be positive (got %g)", name, lim.RequestsPerSecond)
		}
		if lim.Burst < 1 {
			return fmt.Errorf("limits.%s.burst must be at least 1 (got %d)", name, lim.Burst)
		}
	}
	return nil
}

// LoadSecrets reads provider API keys from the environment. Keys follow
// the pattern FABLECAST_API_KEY_<PROVIDER>, e.g. FABLECAST_API_KEY_OPENAI.
func LoadSecrets() (*Secrets, error) {
	const prefix = "FABLECAST_API_KEY_"
	secrets := &Secrets{APIKeys: make(map[string]string)}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(kv) != 2 || kv[1] == "" {
			continue
		}
		secrets.APIKeys[strings.ToLower(kv[0])] = kv[1]
	}
	return secrets, nil
}
