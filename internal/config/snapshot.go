// Package config defines the immutable provider/routing configuration
// snapshot consumed by the router, and a store-backed loader that caches
// parsed snapshots per id.
package config

import (
	"encoding/json"
	"fmt"
)

// Snapshot is an immutable view of the active routing configuration.
// Once loaded for a request it must never be mutated; the loader hands out
// shared pointers.
type Snapshot struct {
	Version      string                 `json:"version"`
	Providers    map[string]ProviderCfg `json:"providers"`
	Routing      RoutingCfg             `json:"routing"`
	FeatureFlags map[string]bool        `json:"featureFlags,omitempty"`
}

// ProviderCfg describes one upstream provider and its models.
type ProviderCfg struct {
	Active            bool                `json:"active"`
	SecretID          string              `json:"secretId"`
	DefaultModel      string              `json:"defaultModel"`
	RateLimits        RateLimits          `json:"rateLimits"`
	Retry             RetryCfg            `json:"retryConfig"`
	RolloutPercentage int                 `json:"rolloutPercentage"`
	Models            map[string]ModelCfg `json:"models"`
}

// RateLimits holds static per-provider caps.
type RateLimits struct {
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
}

// RetryCfg bounds the router's backoff between fallback attempts.
type RetryCfg struct {
	MaxRetries     int `json:"maxRetries"`
	InitialDelayMs int `json:"initialDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs"`
}

// ModelCfg describes one model offered by a provider.
type ModelCfg struct {
	Active            bool      `json:"active"`
	RolloutPercentage int       `json:"rolloutPercentage"`
	TokenCost         TokenCost `json:"tokenCost"`
	Priority          int       `json:"priority"`
	Capabilities      []string  `json:"capabilities,omitempty"`
	ContextSize       int       `json:"contextSize"`
	MaxOutputTokens   int       `json:"maxOutputTokens"`
	StreamingSupport  bool      `json:"streamingSupport"`
	FunctionCalling   bool      `json:"functionCalling"`
	Vision            bool      `json:"vision"`
}

// HasCapabilities reports whether the model's capability set contains every
// tag in required.
func (m ModelCfg) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(m.Capabilities))
	for _, c := range m.Capabilities {
		set[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// TokenCost is the per-1k-token price of a model. The JSON form is either a
// flat number applied to both directions or {"prompt": x, "completion": y}.
type TokenCost struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
}

func (t *TokenCost) UnmarshalJSON(data []byte) error {
	var flat float64
	if err := json.Unmarshal(data, &flat); err == nil {
		t.Prompt = flat
		t.Completion = flat
		return nil
	}
	var split struct {
		Prompt     float64 `json:"prompt"`
		Completion float64 `json:"completion"`
	}
	if err := json.Unmarshal(data, &split); err != nil {
		return fmt.Errorf("tokenCost must be a number or {prompt, completion}: %w", err)
	}
	t.Prompt = split.Prompt
	t.Completion = split.Completion
	return nil
}

func (t TokenCost) MarshalJSON() ([]byte, error) {
	if t.Prompt == t.Completion {
		return json.Marshal(t.Prompt)
	}
	return json.Marshal(struct {
		Prompt     float64 `json:"prompt"`
		Completion float64 `json:"completion"`
	}{t.Prompt, t.Completion})
}

// EstimateCostUSD computes the expected cost of a call from per-1k prices.
func (t TokenCost) EstimateCostUSD(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1000.0)*t.Prompt + (float64(outputTokens)/1000.0)*t.Completion
}

// RoutingCfg carries the scoring weights and routing defaults.
type RoutingCfg struct {
	Weights         Weights       `json:"weights"`
	DefaultProvider string        `json:"defaultProvider"`
	DefaultModel    string        `json:"defaultModel"`
	Rules           []RoutingRule `json:"rules,omitempty"`
}

// Weights are the scoring coefficients. They are expected to sum to 1.0.
type Weights struct {
	Cost         float64 `json:"cost"`
	Quality      float64 `json:"quality"`
	Latency      float64 `json:"latency"`
	Availability float64 `json:"availability"`
}

// RoutingRule is a declarative override (match on capability tag, force a
// provider). Parsed and carried on the snapshot; selection does not evaluate
// rules yet.
type RoutingRule struct {
	Capability string `json:"capability"`
	Provider   string `json:"provider"`
}

// Parse decodes a snapshot blob and applies defaults.
func Parse(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config snapshot: %w", err)
	}
	if s.Providers == nil {
		s.Providers = map[string]ProviderCfg{}
	}
	if s.Routing.Weights == (Weights{}) {
		s.Routing.Weights = Weights{Cost: 0.25, Quality: 0.25, Latency: 0.25, Availability: 0.25}
	}
	return &s, nil
}
