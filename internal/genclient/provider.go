package genclient

import "context"

// Request describes one generation call. Kind, Prompt and Params are the
// semantically relevant fields that feed the cache fingerprint; the
// bookkeeping fields (RunID, UnitKey, Resource) do not affect it.
type Request struct {
	Kind   string         `json:"kind"`
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`

	RunID    string `json:"-"`
	UnitKey  string `json:"-"`
	Resource string `json:"-"` // rate-limit resource name
}

// fingerprintFields is the canonical subset of Request that feeds the cache
// key. Repair prompts deliberately do NOT go through this: a repaired
// success is stored under the original request's fingerprint.
type fingerprintFields struct {
	Kind   string         `json:"kind"`
	Prompt string         `json:"prompt"`
	Params map[string]any `json:"params,omitempty"`
}

// Provider is the pluggable generation backend. Implementations must
// return *ProviderError so the client can distinguish transient failures
// (worth consuming another attempt) from permanent ones (fail the unit).
type Provider interface {
	Generate(ctx context.Context, kind, prompt string, params map[string]any) (string, error)
}

// ProviderError is a typed provider failure
type ProviderError struct {
	Message   string
	Code      string
	Transient bool // true: timeout/throttling; false: auth/malformed request
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return "provider error (" + e.Code + "): " + e.Message
	}
	return "provider error: " + e.Message
}
