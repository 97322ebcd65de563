package providers

import (
	"sync"
	"time"
)

// TokenBucket throttles estimated token spend against a provider's
// tokens-per-minute cap before any upstream call is made. Refill is
// continuous against the wall clock rather than stepped per minute.
type TokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// NewTokenBucket creates a bucket sized to tpm tokens per minute. A zero or
// negative tpm disables throttling (Allow always succeeds).
func NewTokenBucket(tpm int) *TokenBucket {
	b := &TokenBucket{nowFunc: time.Now}
	if tpm > 0 {
		b.capacity = float64(tpm)
		b.tokens = float64(tpm)
		b.perSec = float64(tpm) / 60.0
	}
	b.last = b.nowFunc()
	return b
}

// Allow reports whether n estimated tokens fit in the bucket and, if so,
// consumes them. An unsized bucket always allows.
func (b *TokenBucket) Allow(n int) bool {
	if b.capacity == 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.perSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}

	need := float64(n)
	if need > b.tokens {
		return false
	}
	b.tokens -= need
	return true
}

// EstimateTokens estimates the token spend of a call: chars/4 for the prompt
// plus the requested output budget.
func EstimateTokens(promptChars, maxOutputTokens int) int {
	return promptChars/4 + maxOutputTokens
}
