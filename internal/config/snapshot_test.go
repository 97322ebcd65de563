package config

import (
	"context"
	"errors"
	"testing"
)

const sampleSnapshot = `{
	"version": "v42",
	"providers": {
		"openai": {
			"active": true,
			"secretId": "openai-key",
			"defaultModel": "gpt-4o",
			"rateLimits": {"rpm": 500, "tpm": 90000},
			"retryConfig": {"maxRetries": 2, "initialDelayMs": 100, "maxDelayMs": 2000},
			"rolloutPercentage": 100,
			"models": {
				"gpt-4o": {
					"active": true,
					"rolloutPercentage": 100,
					"tokenCost": {"prompt": 0.005, "completion": 0.015},
					"priority": 1,
					"capabilities": ["chat", "vision"],
					"contextSize": 128000,
					"maxOutputTokens": 4096,
					"streamingSupport": true
				},
				"gpt-4o-mini": {
					"active": true,
					"rolloutPercentage": 50,
					"tokenCost": 0.001,
					"priority": 2,
					"capabilities": ["chat"],
					"contextSize": 128000,
					"maxOutputTokens": 4096
				}
			}
		}
	},
	"routing": {
		"weights": {"cost": 0.4, "quality": 0.2, "latency": 0.2, "availability": 0.2},
		"defaultProvider": "openai",
		"defaultModel": "gpt-4o"
	}
}`

func TestParseSnapshot(t *testing.T) {
	s, err := Parse([]byte(sampleSnapshot))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Version != "v42" {
		t.Errorf("version = %q, want v42", s.Version)
	}
	p, ok := s.Providers["openai"]
	if !ok {
		t.Fatal("missing openai provider")
	}
	if !p.Active || p.DefaultModel != "gpt-4o" || p.RateLimits.TPM != 90000 {
		t.Errorf("unexpected provider cfg: %+v", p)
	}

	// Split token cost.
	m := p.Models["gpt-4o"]
	if m.TokenCost.Prompt != 0.005 || m.TokenCost.Completion != 0.015 {
		t.Errorf("gpt-4o tokenCost = %+v", m.TokenCost)
	}
	// Flat token cost applies to both directions.
	mini := p.Models["gpt-4o-mini"]
	if mini.TokenCost.Prompt != 0.001 || mini.TokenCost.Completion != 0.001 {
		t.Errorf("gpt-4o-mini tokenCost = %+v", mini.TokenCost)
	}

	if s.Routing.Weights.Cost != 0.4 {
		t.Errorf("weights.cost = %v, want 0.4", s.Routing.Weights.Cost)
	}
}

func TestParseSnapshotDefaults(t *testing.T) {
	s, err := Parse([]byte(`{"version":"v1"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Providers == nil {
		t.Error("providers map not initialized")
	}
	w := s.Routing.Weights
	if w.Cost != 0.25 || w.Quality != 0.25 || w.Latency != 0.25 || w.Availability != 0.25 {
		t.Errorf("default weights = %+v, want equal 0.25", w)
	}
}

func TestParseSnapshotInvalid(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestHasCapabilities(t *testing.T) {
	m := ModelCfg{Capabilities: []string{"chat", "vision"}}
	cases := []struct {
		name     string
		required []string
		want     bool
	}{
		{"empty requirement", nil, true},
		{"subset", []string{"chat"}, true},
		{"exact", []string{"chat", "vision"}, true},
		{"missing", []string{"function-calling"}, false},
		{"partial", []string{"chat", "audio"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.HasCapabilities(tc.required); got != tc.want {
				t.Errorf("HasCapabilities(%v) = %v, want %v", tc.required, got, tc.want)
			}
		})
	}
}

func TestEstimateCostUSD(t *testing.T) {
	tc := TokenCost{Prompt: 0.005, Completion: 0.015}
	got := tc.EstimateCostUSD(1000, 2000)
	want := 0.005 + 2*0.015
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("EstimateCostUSD = %v, want %v", got, want)
	}
}

func TestRolloutBucketStable(t *testing.T) {
	b1 := RolloutBucket("fam-1", "req-1")
	b2 := RolloutBucket("fam-1", "req-1")
	if b1 != b2 {
		t.Errorf("bucket not stable: %d vs %d", b1, b2)
	}
	if b1 < 0 || b1 >= 100 {
		t.Errorf("bucket out of range: %d", b1)
	}
}

func TestRolloutAllows(t *testing.T) {
	for bucket := 0; bucket < 100; bucket++ {
		if RolloutAllows(0, bucket) {
			t.Fatalf("0%% admitted bucket %d", bucket)
		}
		if !RolloutAllows(100, bucket) {
			t.Fatalf("100%% rejected bucket %d", bucket)
		}
	}
	if !RolloutAllows(50, 49) {
		t.Error("bucket 49 should pass a 50% gate")
	}
	if RolloutAllows(50, 50) {
		t.Error("bucket 50 should fail a 50% gate")
	}
}

type fakeSource struct {
	docs  map[string][]byte
	calls int
	err   error
}

func (f *fakeSource) GetConfigSnapshot(_ context.Context, id string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.docs[id], nil
}

func TestLoaderCachesSnapshots(t *testing.T) {
	src := &fakeSource{docs: map[string][]byte{"active": []byte(sampleSnapshot)}}
	l := NewLoader(src)
	ctx := context.Background()

	s1, err := l.Load(ctx, "active")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s2, err := l.Load(ctx, "active")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s1 != s2 {
		t.Error("second load did not return the cached snapshot")
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}

	l.Invalidate("active")
	if _, err := l.Load(ctx, "active"); err != nil {
		t.Fatalf("Load after invalidate: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source called %d times after invalidate, want 2", src.calls)
	}
}

func TestLoaderNotFound(t *testing.T) {
	l := NewLoader(&fakeSource{docs: map[string][]byte{}})
	_, err := l.Load(context.Background(), "missing")
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("err = %v, want ErrSnapshotNotFound", err)
	}
}
