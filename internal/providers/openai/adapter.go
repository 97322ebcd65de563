// Package openai implements the router.Adapter contract for the OpenAI
// chat completions API.
package openai

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

const defaultBaseURL = "https://api.openai.com"

// Adapter implements router.Adapter for OpenAI.
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

// New creates an OpenAI adapter. tpm caps client-side token spend per
// minute; zero disables the throttle.
func New(secretID string, loader *secrets.Loader, tpm int, opts ...Option) *Adapter {
	a := &Adapter{
		base:    providers.NewBase("openai", secretID, loader, tpm),
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return "openai" }

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

	msgs := providers.BuildMessages(req)
	messages := make([]map[string]string, len(msgs))
	for i, m := range msgs {
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	// Zero is a valid temperature (deterministic sampling); send it as-is.
	payload["temperature"] = req.Temperature

	ctx = providers.WithRequestID(ctx, req.RequestID)
	body, err := a.base.CallWithRotation(ctx, rec, func(key string) ([]byte, error) {
		return providers.DoRequest(ctx, a.base.Client, a.baseURL+"/v1/chat/completions", payload,
			map[string]string{"Authorization": "Bearer " + key})
	})
	if err != nil {
		return nil, providers.Classify("openai", err)
	}
	return parseResponse(body)
}

func parseResponse(body []byte) (*router.Result, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &router.ProviderError{
			Code: router.ErrUnknown, Provider: "openai",
			Message: fmt.Sprintf("malformed response: %v", err), Err: err,
		}
	}
	if len(resp.Choices) == 0 {
		return nil, &router.ProviderError{
			Code: router.ErrUnknown, Provider: "openai",
			Message: "response contained no choices",
		}
	}
	return &router.Result{
		Text: resp.Choices[0].Message.Content,
		Usage: router.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
