// Package providers holds the shared plumbing for provider adapters: the
// HTTP transport with tracing, the error-normalization table, client-side
// token throttling, and message assembly.
package providers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors that Classify can inspect.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter parses a Retry-After header (delta-seconds or HTTP-date)
// into the RetryAfter field. Unparseable values are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
		return
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfter = d
		}
	}
}
