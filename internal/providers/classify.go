package providers

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/tjj9020/kinable-sub001/internal/router"
)

// contentMarkers are substrings that mark a 400 response as a content
// rejection rather than a malformed request. Providers phrase these
// differently; the list covers the OpenAI and Anthropic vocabularies.
var contentMarkers = []string{
	"content_policy",
	"content_filter",
	"content management policy",
	"moderation",
	"safety",
	"harmful",
}

// Classify maps a raw adapter failure onto the normalized error taxonomy.
//
//	401/403        -> AUTH, not retryable
//	404            -> CAPABILITY (unknown model or endpoint)
//	429            -> RATE_LIMIT, retryable, carries Retry-After
//	400            -> CONTENT if the body names a content policy, else CAPABILITY
//	409/422        -> CONTENT
//	5xx            -> TIMEOUT, retryable (treated as provider unavailability)
//	conn/deadline  -> TIMEOUT, retryable
//	anything else  -> UNKNOWN, not retryable
func Classify(provider string, err error) *router.ProviderError {
	var se *StatusError
	if errors.As(err, &se) {
		return classifyStatus(provider, se, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &router.ProviderError{
			Code: router.ErrTimeout, Message: "request deadline exceeded",
			Provider: provider, Retryable: true, Err: err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &router.ProviderError{
			Code: router.ErrTimeout, Message: "request canceled",
			Provider: provider, Err: err,
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &router.ProviderError{
			Code: router.ErrTimeout, Message: err.Error(),
			Provider: provider, Retryable: true, Err: err,
		}
	}
	// Transport-level failures surface as wrapped url.Errors; treat any
	// "connection"-ish failure as provider unavailability.
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "EOF") || strings.Contains(msg, "broken pipe") {
		return &router.ProviderError{
			Code: router.ErrTimeout, Message: msg,
			Provider: provider, Retryable: true, Err: err,
		}
	}

	return &router.ProviderError{
		Code: router.ErrUnknown, Message: msg, Provider: provider, Err: err,
	}
}

func classifyStatus(provider string, se *StatusError, err error) *router.ProviderError {
	pe := &router.ProviderError{
		Message:    se.Body,
		Provider:   provider,
		StatusCode: se.StatusCode,
		RetryAfter: se.RetryAfter,
		Err:        err,
	}
	switch {
	case se.StatusCode == 401 || se.StatusCode == 403:
		pe.Code = router.ErrAuth
	case se.StatusCode == 404:
		pe.Code = router.ErrCapability
	case se.StatusCode == 429:
		pe.Code = router.ErrRateLimit
		pe.Retryable = true
	case se.StatusCode == 400:
		if isContentRejection(se.Body) {
			pe.Code = router.ErrContent
		} else {
			pe.Code = router.ErrCapability
		}
	case se.StatusCode == 409 || se.StatusCode == 422:
		pe.Code = router.ErrContent
	case se.StatusCode >= 500:
		pe.Code = router.ErrTimeout
		pe.Retryable = true
	default:
		pe.Code = router.ErrUnknown
	}
	return pe
}

func isContentRejection(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range contentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
