package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAcquireEnforcesLowerBound(t *testing.T) {
	// m acquisitions against rate r with burst b must take at least
	// (m - b) / r seconds.
	const (
		rps   = 50.0
		burst = 2
		m     = 6
	)
	p := NewPool(Config{RequestsPerSecond: 1, Burst: 1}, testLogger())
	p.Configure("llm", Config{RequestsPerSecond: rps, Burst: burst})

	start := time.Now()
	for i := 0; i < m; i++ {
		if _, err := p.Acquire(context.Background(), "llm"); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	minWait := time.Duration(float64(m-burst) / rps * float64(time.Second))
	if elapsed < minWait {
		t.Errorf("Expected at least %v for %d acquisitions, took %v", minWait, m, elapsed)
	}
}

func TestAcquireWithinBurstIsImmediate(t *testing.T) {
	p := NewPool(Config{RequestsPerSecond: 1, Burst: 1}, testLogger())
	p.Configure("fast", Config{RequestsPerSecond: 0.1, Burst: 3})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.Acquire(context.Background(), "fast"); err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Burst acquisitions should not wait, took %v", elapsed)
	}
}

func TestConfigureConflictKeepsExisting(t *testing.T) {
	p := NewPool(Config{RequestsPerSecond: 1, Burst: 1}, testLogger())
	p.Configure("llm", Config{RequestsPerSecond: 100, Burst: 5})
	p.Configure("llm", Config{RequestsPerSecond: 0.001, Burst: 1})

	// The second Configure must not take effect: five immediate
	// acquisitions only succeed under the original burst of 5.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if _, err := p.Acquire(ctx, "llm"); err != nil {
			t.Fatalf("Acquire %d failed, reconfiguration happened: %v", i, err)
		}
	}
}

func TestAcquireUnconfiguredUsesFallback(t *testing.T) {
	p := NewPool(Config{RequestsPerSecond: 100, Burst: 2}, testLogger())
	if _, err := p.Acquire(context.Background(), "never-configured"); err != nil {
		t.Fatalf("Acquire with fallback failed: %v", err)
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	p := NewPool(Config{RequestsPerSecond: 1, Burst: 1}, testLogger())
	p.Configure("slow", Config{RequestsPerSecond: 0.01, Burst: 1})

	// Drain the single token, then expect the next wait to abort.
	if _, err := p.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, "slow"); err == nil {
		t.Error("Expected context deadline error, got nil")
	}
}
