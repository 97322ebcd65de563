// Package anthropic implements the router.Adapter contract for the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/providers"
	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/secrets"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Adapter implements router.Adapter for Anthropic.
type Adapter struct {
	base    providers.Base
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API endpoint, for tests and proxies.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.base.Client = &http.Client{Timeout: d} }
}

// New creates an Anthropic adapter.
func New(secretID string, loader *secrets.Loader, tpm int, opts ...Option) *Adapter {
	a := &Adapter{
		base:    providers.NewBase("anthropic", secretID, loader, tpm),
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) CanFulfill(_ string, req router.Request) bool {
	return req.Prompt != ""
}

func (a *Adapter) Generate(ctx context.Context, model string, req router.Request) (*router.Result, error) {
	if pe := a.base.Throttle(req); pe != nil {
		return nil, pe
	}
	rec, pe := a.base.Keys(ctx)
	if pe != nil {
		return nil, pe
	}

	// The Messages API takes the system prompt as a top-level field, not as
	// a message turn.
	var system string
	messages := make([]map[string]string, 0, len(req.History)+1)
	for _, m := range providers.BuildMessages(req) {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500 // max_tokens is mandatory for this API
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	// Zero is a valid temperature (deterministic sampling); send it as-is.
	payload["temperature"] = req.Temperature

	ctx = providers.WithRequestID(ctx, req.RequestID)
	body, err := a.base.CallWithRotation(ctx, rec, func(key string) ([]byte, error) {
		return providers.DoRequest(ctx, a.base.Client, a.baseURL+"/v1/messages", payload,
			map[string]string{
				"x-api-key":         key,
				"anthropic-version": apiVersion,
			})
	})
	if err != nil {
		return nil, providers.Classify("anthropic", err)
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (*router.Result, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &router.ProviderError{
			Code: router.ErrUnknown, Provider: "anthropic",
			Message: fmt.Sprintf("malformed response: %v", err), Err: err,
		}
	}
	if len(resp.Content) == 0 {
		return nil, &router.ProviderError{
			Code: router.ErrUnknown, Provider: "anthropic",
			Message: "response contained no content blocks",
		}
	}
	return &router.Result{
		Text: resp.Content[0].Text,
		Usage: router.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
