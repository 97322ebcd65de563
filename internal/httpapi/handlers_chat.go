package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/tjj9020/kinable-sub001/internal/admission"
	"github.com/tjj9020/kinable-sub001/internal/providers"
	"github.com/tjj9020/kinable-sub001/internal/router"
)

const (
	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// ChatRequest is the JSON body for the /v1/chat endpoint. Identity fields
// (family, profile) come from the admission token, never from the body.
type ChatRequest struct {
	Prompt  string           `json:"prompt"`
	History []router.Message `json:"conversationHistory,omitempty"`
	Tools   []router.Tool    `json:"tools,omitempty"`

	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	PreferredProvider    string   `json:"preferredProvider,omitempty"`
	PreferredModel       string   `json:"preferredModel,omitempty"`

	MaxTokens int `json:"maxTokens,omitempty"`
	// A pointer so an explicit 0 is distinguishable from an absent field;
	// only the latter takes the default.
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"streaming,omitempty"`

	EstimatedInputTokens  int `json:"estimatedInputTokens,omitempty"`
	EstimatedOutputTokens int `json:"estimatedOutputTokens,omitempty"`

	ConfigID string `json:"configId,omitempty"`
}

func ChatHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id, ok := admission.IdentityFrom(r.Context())
		if !ok {
			// Admission middleware always runs first; reaching here means a
			// wiring mistake, not a client error.
			writeError(w, http.StatusInternalServerError, string(router.ErrInternal), "identity missing from context")
			return
		}

		var body ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "malformed JSON body")
			return
		}
		if body.Prompt == "" {
			writeError(w, http.StatusBadRequest, string(router.ErrContent), "prompt required")
			return
		}
		if body.MaxTokens <= 0 {
			body.MaxTokens = defaultMaxTokens
		}
		temperature := defaultTemperature
		if body.Temperature != nil {
			temperature = *body.Temperature
		}

		requestID := middleware.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}

		req := router.Request{
			RequestID:             requestID,
			UserID:                id.UserID,
			FamilyID:              id.FamilyID,
			ProfileID:             id.ProfileID,
			Prompt:                body.Prompt,
			History:               body.History,
			Tools:                 body.Tools,
			RequiredCapabilities:  body.RequiredCapabilities,
			PreferredProvider:     body.PreferredProvider,
			PreferredModel:        body.PreferredModel,
			MaxTokens:             body.MaxTokens,
			Temperature:           temperature,
			Stream:                body.Stream,
			EstimatedInputTokens:  body.EstimatedInputTokens,
			EstimatedOutputTokens: body.EstimatedOutputTokens,
			ConfigID:              body.ConfigID,
		}

		// Forward the request ID to upstream providers for tracing.
		ctx := providers.WithRequestID(r.Context(), requestID)

		res, err := d.Engine.Route(ctx, req)
		latencyMs := time.Since(start).Milliseconds()

		if err != nil {
			recordFailure(d, err, latencyMs)
			writeRouteError(w, err)
			return
		}

		if d.Metrics != nil {
			d.Metrics.RequestsTotal.WithLabelValues(res.Meta.Model, res.Meta.Provider, "success").Inc()
			d.Metrics.RequestLatency.WithLabelValues(res.Meta.Model, res.Meta.Provider).Observe(float64(latencyMs))
			d.Metrics.CostUSD.WithLabelValues(res.Meta.Model, res.Meta.Provider).Add(res.CostUSD)
			d.Metrics.TokensTotal.WithLabelValues(res.Meta.Model, res.Meta.Provider, "input").Add(float64(res.Usage.PromptTokens))
			d.Metrics.TokensTotal.WithLabelValues(res.Meta.Model, res.Meta.Provider, "output").Add(float64(res.Usage.CompletionTokens))
		}

		// Accounting is best-effort; the user already has their answer.
		if d.Ledger != nil {
			d.Ledger.RecordSuccess(r.Context(), id.FamilyKey, requestID, res)
		}

		writeSuccess(w, res)
	}
}

// recordFailure counts a failed route on the metrics registry. Failures carry
// the error code as the status label; model and provider come from the error
// when a specific upstream produced it.
func recordFailure(d Dependencies, err error, latencyMs int64) {
	if d.Metrics == nil {
		return
	}
	provider := "none"
	code := string(router.ErrInternal)
	var perr *router.ProviderError
	if errors.As(err, &perr) {
		code = string(perr.Code)
		if perr.Provider != "" {
			provider = perr.Provider
		}
	} else {
		slog.Debug("unclassified route error", "error", err)
	}
	d.Metrics.RequestsTotal.WithLabelValues("none", provider, code).Inc()
	d.Metrics.RequestLatency.WithLabelValues("none", provider).Observe(float64(latencyMs))
}
