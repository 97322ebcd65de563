package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

type ctxKey int

const identityKey ctxKey = iota

// IdentityFrom returns the admitted identity stored by the middleware.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// ContextWithIdentity stores an identity the way the middleware does. Handler
// tests use it to simulate an admitted request.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// statusForReason maps deny reasons to HTTP statuses: token problems are
// 401, policy denials are 403, store faults are 500.
func statusForReason(reason string) int {
	switch reason {
	case ReasonUnauthorized, ReasonIncompleteIdentity:
		return http.StatusUnauthorized
	case ReasonStoreFault:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

// MiddlewareOption configures the admission middleware.
type MiddlewareOption func(*middlewareCfg)

type middlewareCfg struct {
	denials *prometheus.CounterVec
}

// WithDenyCounter sets a Prometheus counter vector, labeled by deny reason,
// incremented on every rejected request.
func WithDenyCounter(c *prometheus.CounterVec) MiddlewareOption {
	return func(cfg *middlewareCfg) {
		cfg.denials = c
	}
}

// Middleware authorizes every request through the Authorizer and stores the
// admitted Identity in the request context.
func Middleware(a *Authorizer, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareCfg
	for _, o := range opts {
		o(&cfg)
	}
	deny := func(w http.ResponseWriter, reason string) {
		if cfg.denials != nil {
			cfg.denials.WithLabelValues(reason).Inc()
		}
		writeDeny(w, reason)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := bearerToken(r)
			if bearer == "" {
				deny(w, ReasonUnauthorized)
				return
			}
			id, err := a.Authorize(r.Context(), bearer)
			if err != nil {
				reason := ReasonUnauthorized
				if denied, ok := err.(*DenyError); ok {
					reason = denied.Reason
				}
				deny(w, reason)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeDeny(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForReason(reason))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": reason,
		"error":   map[string]string{"code": "ADMISSION_DENIED"},
	})
}
