// Package genclient wraps an unreliable generation provider with cache
// checks, rate limiting, response validation, repair-and-retry, and an
// append-only attempt audit trail.
package genclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fablecast/fablecast/internal/cache"
	"github.com/fablecast/fablecast/internal/metrics"
	"github.com/fablecast/fablecast/internal/ratelimit"
	"github.com/fablecast/fablecast/internal/util"
	"github.com/fablecast/fablecast/pkg/models"
)

// Validator parses a raw provider response into the expected structured
// schema and reports the violated constraints. A nil violations slice
// means the payload passed.
type Validator interface {
	Validate(kind string, raw string) (json.RawMessage, []string)
}

// Fallback produces a deterministic, schema-guaranteed payload when all
// attempts are exhausted, so the pipeline never blocks on an unreliable
// provider.
type Fallback func(req Request) json.RawMessage

// AttemptSink receives audit-trail records. Implemented by runstore.
type AttemptSink interface {
	RecordAttempt(ctx context.Context, runID, unitKey string, a models.Attempt) error
}

// ExhaustedError is returned when max attempts failed validation and no
// fallback generator is configured.
type ExhaustedError struct {
	Attempts   int
	Violations []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("generation exhausted after %d attempts (last violations: %s)",
		e.Attempts, strings.Join(e.Violations, "; "))
}

// Result is a validated (or fallback) generation outcome
type Result struct {
	Payload  json.RawMessage
	Cached   bool
	Fallback bool
	Attempts []models.Attempt
}

// Client drives the Drafting -> Validating -> Repairing loop
type Client struct {
	provider    Provider
	cache       *cache.Cache
	limits      *ratelimit.Pool
	validator   Validator
	fallback    Fallback
	audit       AttemptSink
	maxAttempts int
	logger      *slog.Logger
}

// New creates a generation client. audit and fallback may be nil.
func New(
	provider Provider,
	artifactCache *cache.Cache,
	limits *ratelimit.Pool,
	validator Validator,
	fallback Fallback,
	audit AttemptSink,
	maxAttempts int,
	logger *slog.Logger,
) *Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Client{
		provider:    provider,
		cache:       artifactCache,
		limits:      limits,
		validator:   validator,
		fallback:    fallback,
		audit:       audit,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// GenerateAndValidate runs the full state machine for one request.
//
// A cache hit short-circuits with no provider call and no attempt
// recorded. Otherwise each attempt goes through the rate limiter and the
// provider, is validated, and on failure feeds a repair prompt into the
// next attempt. Repairs count against the attempt budget and a repaired
// success is cached under the original fingerprint.
func (c *Client) GenerateAndValidate(ctx context.Context, req Request) (*Result, error) {
	fingerprint, err := cache.FingerprintOf(fingerprintFields{
		Kind:   req.Kind,
		Prompt: req.Prompt,
		Params: req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint request: %w", err)
	}

	if _, artifact, err := c.cache.Get(fingerprint); err == nil {
		metrics.IncCacheLookup("hit")
		c.logger.Debug("Cache hit, skipping provider", "fingerprint", fingerprint, "unit", req.UnitKey)
		return &Result{Payload: json.RawMessage(artifact), Cached: true}, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}
	metrics.IncCacheLookup("miss")

	prompt := req.Prompt
	var attempts []models.Attempt
	var lastViolations []string

	for attemptNo := 1; attemptNo <= c.maxAttempts; attemptNo++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		waited, err := c.limits.Acquire(ctx, req.Resource)
		if err != nil {
			return nil, err
		}
		metrics.RecordLimiterWait(req.Resource, waited)

		start := time.Now()
		raw, genErr := c.provider.Generate(ctx, req.Kind, prompt, req.Params)
		elapsed := time.Since(start)

		if genErr != nil {
			metrics.RecordProviderRequest(req.Resource, "error", elapsed)
			attempt := c.record(ctx, req, attemptNo, prompt, genErr.Error(), false, []string{genErr.Error()})
			attempts = append(attempts, attempt)
			metrics.IncAttempt("provider_error")

			var provErr *ProviderError
			if errors.As(genErr, &provErr) && !provErr.Transient {
				// Permanent failure: a repair prompt cannot fix bad
				// credentials or a malformed request.
				return nil, fmt.Errorf("unit %s: %w", req.UnitKey, genErr)
			}
			c.logger.Warn("Provider call failed, retrying",
				"unit", req.UnitKey,
				"attempt", attemptNo,
				"max_attempts", c.maxAttempts,
				"error", genErr)
			lastViolations = []string{genErr.Error()}
			continue
		}
		metrics.RecordProviderRequest(req.Resource, "ok", elapsed)

		cleaned := util.RepairJSON(util.ExtractJSON(raw))
		payload, violations := c.validator.Validate(req.Kind, cleaned)
		valid := len(violations) == 0

		attempt := c.record(ctx, req, attemptNo, prompt, raw, valid, violations)
		attempts = append(attempts, attempt)

		if valid {
			metrics.IncAttempt("valid")
			if _, err := c.cache.Put(fingerprint, payload, ".json", map[string]string{
				"kind":     req.Kind,
				"run_id":   req.RunID,
				"unit_key": req.UnitKey,
			}); err != nil {
				c.logger.Warn("Failed to cache validated artifact", "fingerprint", fingerprint, "error", err)
			}
			c.logger.Debug("Validation passed", "unit", req.UnitKey, "attempt", attemptNo)
			return &Result{Payload: payload, Attempts: attempts}, nil
		}

		metrics.IncAttempt("invalid")
		lastViolations = violations
		c.logger.Warn("Validation failed",
			"unit", req.UnitKey,
			"attempt", attemptNo,
			"max_attempts", c.maxAttempts,
			"violations", strings.Join(violations, "; "))

		if attemptNo < c.maxAttempts {
			prompt = buildRepairPrompt(req.Prompt, raw, violations)
		}
	}

	if c.fallback != nil {
		metrics.IncFallback()
		c.logger.Warn("All attempts exhausted, using deterministic fallback",
			"unit", req.UnitKey,
			"attempts", len(attempts))
		return &Result{Payload: c.fallback(req), Fallback: true, Attempts: attempts}, nil
	}

	return nil, &ExhaustedError{Attempts: len(attempts), Violations: lastViolations}
}

func (c *Client) record(ctx context.Context, req Request, number int, prompt, response string, valid bool, violations []string) models.Attempt {
	attempt := models.Attempt{
		Number:     number,
		Request:    prompt,
		Response:   response,
		Valid:      valid,
		Violations: violations,
		Timestamp:  time.Now().UTC(),
	}
	if c.audit != nil {
		if err := c.audit.RecordAttempt(ctx, req.RunID, req.UnitKey, attempt); err != nil {
			c.logger.Warn("Failed to record attempt", "unit", req.UnitKey, "error", err)
		}
	}
	return attempt
}

// buildRepairPrompt embeds the original instructions, the invalid response
// and the specific violated constraints into a follow-up request.
func buildRepairPrompt(original, invalidResponse string, violations []string) string {
	var b strings.Builder
	b.WriteString("The previous response did not pass validation. The validation errors are: ")
	b.WriteString(strings.Join(violations, ", "))
	b.WriteString(". Provide corrected JSON only, conforming exactly to the schema described in the original instructions.\n")
	b.WriteString("Previous response:\n")
	b.WriteString(util.TruncateString(invalidResponse, 4000))
	b.WriteString("\nOriginal instructions:\n")
	b.WriteString(original)
	return b.String()
}
