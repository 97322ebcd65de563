// Package httpapi assembles the HTTP surface: the /v1 generation endpoint
// behind admission, per-family rate limiting, and idempotent replay, plus the
// operator endpoints under /admin/v1.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjj9020/kinable-sub001/internal/admission"
	"github.com/tjj9020/kinable-sub001/internal/events"
	"github.com/tjj9020/kinable-sub001/internal/idempotency"
	"github.com/tjj9020/kinable-sub001/internal/ledger"
	"github.com/tjj9020/kinable-sub001/internal/metrics"
	"github.com/tjj9020/kinable-sub001/internal/ratelimit"
	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/store"
)

type Dependencies struct {
	Engine     *router.Engine
	Authorizer *admission.Authorizer
	Ledger     *ledger.Recorder
	Metrics    *metrics.Registry
	Store      store.Store
	EventBus   *events.Bus

	// RateLimiter and IdemCache are optional; nil disables the middleware.
	RateLimiter *ratelimit.Limiter
	IdemCache   *idempotency.Cache
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		adapters := d.Engine.AdapterNames()
		if len(adapters) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":   "unhealthy",
				"adapters": adapters,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"adapters": adapters,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		var admissionOpts []admission.MiddlewareOption
		if d.Metrics != nil {
			admissionOpts = append(admissionOpts, admission.WithDenyCounter(d.Metrics.AdmissionDenials))
		}
		r.Use(admission.Middleware(d.Authorizer, admissionOpts...))
		// Idempotent replay sits behind admission so cache keys can be scoped
		// to the admitted family, and a replay never consumes rate budget.
		if d.IdemCache != nil {
			r.Use(idempotency.Middleware(d.IdemCache))
		}
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Post("/chat", ChatHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/health", HealthRecordsHandler(d))
		r.Get("/ledger", LedgerHandler(d))
		r.Get("/config/{id}", ConfigGetHandler(d))
		r.Put("/config/{id}", ConfigPutHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
