// Package ratelimit provides named token-bucket limiters for external
// resources. Each named resource gets one bucket: capacity is the burst
// size, refill rate is requests-per-second. Callers contend only on the
// bucket's internal counter update; the wait itself happens outside any
// package lock, so concurrent callers queue without busy-polling.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one resource's bucket
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// Pool manages per-resource rate limiters
type Pool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  map[string]Config
	fallback Config
	logger   *slog.Logger
}

// NewPool creates a limiter pool. fallback is used for resources that were
// never explicitly configured.
func NewPool(fallback Config, logger *slog.Logger) *Pool {
	if fallback.RequestsPerSecond <= 0 {
		fallback.RequestsPerSecond = 1
	}
	if fallback.Burst < 1 {
		fallback.Burst = 1
	}
	return &Pool{
		limiters: make(map[string]*rate.Limiter),
		configs:  make(map[string]Config),
		fallback: fallback,
		logger:   logger,
	}
}

// Configure registers the bucket for a named resource. If a limiter already
// exists with a different rate, the existing one wins and a warning is
// logged; runtime reconfiguration of a live bucket is not supported.
func (p *Pool) Configure(resource string, cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.configs[resource]; ok {
		if existing != cfg {
			p.logger.Warn("Rate limiter already exists with different rate, keeping existing",
				"resource", resource,
				"existing_rps", existing.RequestsPerSecond,
				"existing_burst", existing.Burst,
				"requested_rps", cfg.RequestsPerSecond,
				"requested_burst", cfg.Burst)
		}
		return
	}

	p.configs[resource] = cfg
	p.limiters[resource] = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	p.logger.Debug("Created rate limiter",
		"resource", resource,
		"rps", cfg.RequestsPerSecond,
		"burst", cfg.Burst)
}

func (p *Pool) limiter(resource string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[resource]; ok {
		return l
	}
	cfg := p.fallback
	p.configs[resource] = cfg
	l := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	p.limiters[resource] = l
	p.logger.Debug("Created rate limiter from fallback config",
		"resource", resource,
		"rps", cfg.RequestsPerSecond,
		"burst", cfg.Burst)
	return l
}

// Acquire blocks until the named resource's bucket permits one call, or the
// context is cancelled. Returns how long the caller waited.
func (p *Pool) Acquire(ctx context.Context, resource string) (time.Duration, error) {
	start := time.Now()
	if err := p.limiter(resource).Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limiter wait for %q failed: %w", resource, err)
	}
	return time.Since(start), nil
}
