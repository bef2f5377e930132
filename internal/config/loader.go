package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// ApplyDefaults sets default values for optional configuration fields
func ApplyDefaults(cfg *Config) {
	if cfg.Pipeline.DataDir == "" {
		cfg.Pipeline.DataDir = "workspace"
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 8
	}
	if cfg.Pipeline.UnitTimeoutSeconds == 0 {
		cfg.Pipeline.UnitTimeoutSeconds = 300
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.LockTimeoutSeconds == 0 {
		cfg.Pipeline.LockTimeoutSeconds = 5
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(cfg.Pipeline.DataDir, "cache")
	}
	if cfg.Limits == nil {
		cfg.Limits = make(map[string]LimitConfig)
	}
	for name, lim := range cfg.Limits {
		if lim.Burst == 0 {
			lim.Burst = 1
			cfg.Limits[name] = lim
		}
	}
}

// Default returns a configuration with all defaults applied, suitable for
// tests and embedding.
func Default() *Config {
	cfg := &Config{Cache: CacheConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}
