// Package secrets resolves provider API keys by secret id. Sources return a
// current key and, during rotation windows, the previous key so that
// in-flight rotations do not break live traffic.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Record holds the active credential material for one secret id.
type Record struct {
	Current  string `json:"current"`
	Previous string `json:"previous,omitempty"`
}

// Source fetches secret records by id.
type Source interface {
	GetSecret(ctx context.Context, secretID string) (Record, error)
}

// EnvSource resolves secrets from environment variables. The secret id is
// upper-cased with dashes replaced by underscores: secret id "openai-key"
// reads OPENAI_KEY, with an optional OPENAI_KEY_PREVIOUS rotation companion.
type EnvSource struct{}

func (EnvSource) GetSecret(_ context.Context, secretID string) (Record, error) {
	name := strings.ToUpper(strings.ReplaceAll(secretID, "-", "_"))
	current := os.Getenv(name)
	if current == "" {
		return Record{}, fmt.Errorf("secret %q: environment variable %s not set", secretID, name)
	}
	return Record{
		Current:  current,
		Previous: os.Getenv(name + "_PREVIOUS"),
	}, nil
}

// KeyVault is the slice of the credential vault the source needs.
type KeyVault interface {
	Get(key string) (string, error)
}

// VaultSource resolves secrets from the encrypted vault. Each vault entry is
// either a bare key string or a JSON record with current/previous fields.
type VaultSource struct {
	Vault KeyVault
}

func (s VaultSource) GetSecret(_ context.Context, secretID string) (Record, error) {
	raw, err := s.Vault.Get(secretID)
	if err != nil {
		return Record{}, fmt.Errorf("secret %q: %w", secretID, err)
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return Record{}, fmt.Errorf("secret %q: malformed record: %w", secretID, err)
		}
		if rec.Current == "" {
			return Record{}, fmt.Errorf("secret %q: record has no current key", secretID)
		}
		return rec, nil
	}
	return Record{Current: raw}, nil
}

type call struct {
	done chan struct{}
	rec  Record
	err  error
}

// Loader wraps a Source with caching and single-flight fetches. Concurrent
// requests for the same secret id share one in-flight fetch; the shared call
// is cleared on completion so a failed fetch does not poison later requests.
type Loader struct {
	source Source

	mu     sync.Mutex
	cache  map[string]Record
	flight map[string]*call
}

// NewLoader creates a Loader over the given source.
func NewLoader(source Source) *Loader {
	return &Loader{
		source: source,
		cache:  make(map[string]Record),
		flight: make(map[string]*call),
	}
}

// Get returns the record for secretID, fetching it on first use. Waiters
// whose context is cancelled return early; the fetch itself continues for
// the remaining waiters.
func (l *Loader) Get(ctx context.Context, secretID string) (Record, error) {
	l.mu.Lock()
	if rec, ok := l.cache[secretID]; ok {
		l.mu.Unlock()
		return rec, nil
	}
	if c, ok := l.flight[secretID]; ok {
		l.mu.Unlock()
		select {
		case <-c.done:
			return c.rec, c.err
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	l.flight[secretID] = c
	l.mu.Unlock()

	c.rec, c.err = l.source.GetSecret(ctx, secretID)

	l.mu.Lock()
	delete(l.flight, secretID)
	if c.err == nil {
		l.cache[secretID] = c.rec
	}
	l.mu.Unlock()
	close(c.done)
	return c.rec, c.err
}

// Invalidate drops the cached record for secretID so the next Get refetches.
// Called after an upstream auth failure that may indicate a rotation.
func (l *Loader) Invalidate(secretID string) {
	l.mu.Lock()
	delete(l.cache, secretID)
	l.mu.Unlock()
}
