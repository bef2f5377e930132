package genclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/fablecast/fablecast/internal/cache"
	"github.com/fablecast/fablecast/internal/ratelimit"
	"github.com/fablecast/fablecast/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedProvider returns its responses in order; errors interleave
type scriptedProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (p *scriptedProvider) Generate(ctx context.Context, kind, prompt string, params map[string]any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.prompts = append(p.prompts, prompt)
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return p.responses[len(p.responses)-1], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// containsValidator accepts any response containing "ok"
type containsValidator struct{}

func (containsValidator) Validate(kind, raw string) (json.RawMessage, []string) {
	if strings.Contains(raw, "ok") {
		return json.RawMessage(raw), nil
	}
	return nil, []string{"response must contain ok"}
}

type memorySink struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (s *memorySink) RecordAttempt(ctx context.Context, runID, unitKey string, a models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func newTestClient(t *testing.T, provider Provider, fallback Fallback, sink AttemptSink, maxAttempts int) *Client {
	t.Helper()
	artifactCache, err := cache.New(t.TempDir(), true, testLogger())
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	limits := ratelimit.NewPool(ratelimit.Config{RequestsPerSecond: 1000, Burst: 100}, testLogger())
	return New(provider, artifactCache, limits, containsValidator{}, fallback, sink, maxAttempts, testLogger())
}

func req(prompt string) Request {
	return Request{
		Kind:     "script",
		Prompt:   prompt,
		RunID:    "run-1",
		UnitKey:  "gen/unit_0000",
		Resource: "llm",
	}
}

func TestValidFirstAttempt(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"status": "ok"}`}}
	sink := &memorySink{}
	c := newTestClient(t, provider, nil, sink, 3)

	res, err := c.GenerateAndValidate(context.Background(), req("write it"))
	if err != nil {
		t.Fatalf("GenerateAndValidate failed: %v", err)
	}
	if res.Cached || res.Fallback {
		t.Errorf("Unexpected flags: %+v", res)
	}
	if len(res.Attempts) != 1 || !res.Attempts[0].Valid {
		t.Errorf("Expected one valid attempt, got %+v", res.Attempts)
	}
	if sink.count() != 1 {
		t.Errorf("Expected 1 audited attempt, got %d", sink.count())
	}
}

func TestCacheHitSkipsProviderAndAudit(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"status": "ok"}`}}
	sink := &memorySink{}
	c := newTestClient(t, provider, nil, sink, 3)

	ctx := context.Background()
	if _, err := c.GenerateAndValidate(ctx, req("same prompt")); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	res, err := c.GenerateAndValidate(ctx, req("same prompt"))
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if !res.Cached {
		t.Error("Expected cache hit on identical request")
	}
	if provider.callCount() != 1 {
		t.Errorf("Provider called %d times, expected 1", provider.callCount())
	}
	if sink.count() != 1 {
		t.Errorf("Cache hit must not record attempts, got %d", sink.count())
	}
	if len(res.Attempts) != 0 {
		t.Errorf("Cache hit result should carry no attempts, got %d", len(res.Attempts))
	}
}

func TestRepairPromptFedIntoSecondAttempt(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"bad": true}`, `{"status": "ok"}`}}
	c := newTestClient(t, provider, nil, nil, 3)

	res, err := c.GenerateAndValidate(context.Background(), req("original instructions"))
	if err != nil {
		t.Fatalf("GenerateAndValidate failed: %v", err)
	}
	if len(res.Attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(res.Attempts))
	}
	second := provider.prompts[1]
	if !strings.Contains(second, "response must contain ok") {
		t.Errorf("Repair prompt missing violations: %q", second)
	}
	if !strings.Contains(second, "original instructions") {
		t.Errorf("Repair prompt missing original instructions: %q", second)
	}
}

func TestExhaustedWithFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"bad": 1}`}}
	sink := &memorySink{}
	fallback := func(r Request) json.RawMessage { return json.RawMessage(`{"fallback": true}`) }
	c := newTestClient(t, provider, fallback, sink, 3)

	res, err := c.GenerateAndValidate(context.Background(), req("p"))
	if err != nil {
		t.Fatalf("Expected fallback result, got error: %v", err)
	}
	if !res.Fallback {
		t.Error("Expected fallback flag")
	}
	if string(res.Payload) != `{"fallback": true}` {
		t.Errorf("Unexpected fallback payload: %s", res.Payload)
	}
	if provider.callCount() != 3 {
		t.Errorf("Expected exactly maxAttempts provider calls, got %d", provider.callCount())
	}
	if sink.count() != 3 {
		t.Errorf("Expected 3 audited attempts, got %d", sink.count())
	}
}

func TestExhaustedWithoutFallback(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"bad": 1}`}}
	c := newTestClient(t, provider, nil, nil, 2)

	_, err := c.GenerateAndValidate(context.Background(), req("p"))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Expected ExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", exhausted.Attempts)
	}
	if len(exhausted.Violations) == 0 {
		t.Error("Expected last violations to be carried")
	}
}

func TestPermanentProviderErrorFailsImmediately(t *testing.T) {
	provErr := &ProviderError{Message: "bad credentials", Code: "auth", Transient: false}
	provider := &scriptedProvider{errs: []error{provErr}, responses: []string{""}}
	c := newTestClient(t, provider, nil, nil, 5)

	_, err := c.GenerateAndValidate(context.Background(), req("p"))
	if err == nil {
		t.Fatal("Expected permanent error to surface")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Transient {
		t.Errorf("Expected permanent ProviderError, got %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("Permanent error must not retry, got %d calls", provider.callCount())
	}
}

func TestTransientErrorsConsumeAttempts(t *testing.T) {
	transient := &ProviderError{Message: "throttled", Code: "429", Transient: true}
	provider := &scriptedProvider{
		errs:      []error{transient, transient, nil},
		responses: []string{"", "", `{"status": "ok"}`},
	}
	c := newTestClient(t, provider, nil, nil, 3)

	res, err := c.GenerateAndValidate(context.Background(), req("p"))
	if err != nil {
		t.Fatalf("Expected recovery on third attempt, got %v", err)
	}
	if len(res.Attempts) != 3 {
		t.Errorf("Expected 3 attempts (2 transient + 1 valid), got %d", len(res.Attempts))
	}
	if provider.callCount() != 3 {
		t.Errorf("Expected 3 provider calls, got %d", provider.callCount())
	}
}

func TestRepairedSuccessCachedUnderOriginalFingerprint(t *testing.T) {
	provider := &scriptedProvider{responses: []string{`{"bad": 1}`, `{"status": "ok"}`}}
	c := newTestClient(t, provider, nil, nil, 3)

	ctx := context.Background()
	if _, err := c.GenerateAndValidate(ctx, req("p")); err != nil {
		t.Fatalf("First call failed: %v", err)
	}

	// Same original request must now hit the cache even though success
	// came from a repair prompt.
	res, err := c.GenerateAndValidate(ctx, req("p"))
	if err != nil {
		t.Fatalf("Second call failed: %v", err)
	}
	if !res.Cached {
		t.Error("Repaired success not cached under original fingerprint")
	}
	if provider.callCount() != 2 {
		t.Errorf("Expected no further provider calls, got %d total", provider.callCount())
	}
}
