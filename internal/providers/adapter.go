package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/secrets"
)

const defaultOutputTokens = 500

// Base carries the plumbing shared by every provider adapter: client-side
// token throttling, credential resolution with rotation handling, and the
// HTTP client.
type Base struct {
	Provider string
	SecretID string
	Secrets  *secrets.Loader
	Bucket   *TokenBucket
	Client   *http.Client
}

// NewBase wires a Base with a default-timeout HTTP client.
func NewBase(provider, secretID string, loader *secrets.Loader, tpm int) Base {
	return Base{
		Provider: provider,
		SecretID: secretID,
		Secrets:  loader,
		Bucket:   NewTokenBucket(tpm),
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Throttle checks the request's estimated token spend against the local
// bucket. A rejection is a local RATE_LIMIT: retryable, made before any
// upstream call, and never counted against provider health.
func (b *Base) Throttle(req router.Request) *router.ProviderError {
	out := req.MaxTokens
	if out <= 0 {
		out = defaultOutputTokens
	}
	need := EstimateTokens(PromptChars(req), out)
	if !b.Bucket.Allow(need) {
		return &router.ProviderError{
			Code:      router.ErrRateLimit,
			Message:   fmt.Sprintf("client-side token budget exhausted (needed %d tokens)", need),
			Provider:  b.Provider,
			Retryable: true,
			Local:     true,
		}
	}
	return nil
}

// Keys resolves the adapter's credential record. A secrets failure is
// reported as a non-retryable AUTH error; the request never reaches the
// upstream.
func (b *Base) Keys(ctx context.Context) (secrets.Record, *router.ProviderError) {
	rec, err := b.Secrets.Get(ctx, b.SecretID)
	if err != nil {
		return secrets.Record{}, &router.ProviderError{
			Code:       router.ErrAuth,
			Message:    fmt.Sprintf("secret %s unavailable: %v", b.SecretID, err),
			Provider:   b.Provider,
			StatusCode: 500,
			Err:        err,
		}
	}
	return rec, nil
}

// CallWithRotation executes call with the current key. On an upstream auth
// failure it invalidates the cached record and, when the rotation window
// provides a previous key, retries exactly once with it.
func (b *Base) CallWithRotation(ctx context.Context, rec secrets.Record, call func(key string) ([]byte, error)) ([]byte, error) {
	body, err := call(rec.Current)
	if err == nil {
		return body, nil
	}
	if Classify(b.Provider, err).Code != router.ErrAuth {
		return nil, err
	}
	b.Secrets.Invalidate(b.SecretID)
	if rec.Previous == "" {
		return nil, err
	}
	body, err = call(rec.Previous)
	if err != nil {
		return nil, err
	}
	return body, nil
}
