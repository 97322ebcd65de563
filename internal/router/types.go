package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Adapter is the interface that provider adapters must implement for the
// engine. Defined here to avoid an import cycle with the providers package.
type Adapter interface {
	Name() string
	CanFulfill(model string, req Request) bool
	Generate(ctx context.Context, model string, req Request) (*Result, error)
}

// ErrorCode is the normalized provider error taxonomy. Adapters map raw
// upstream failures onto these codes so the engine can make routing
// decisions without provider-specific knowledge.
type ErrorCode string

const (
	ErrRateLimit  ErrorCode = "RATE_LIMIT"
	ErrAuth       ErrorCode = "AUTH"
	ErrContent    ErrorCode = "CONTENT"
	ErrCapability ErrorCode = "CAPABILITY"
	ErrTimeout    ErrorCode = "TIMEOUT"
	ErrUnknown    ErrorCode = "UNKNOWN"

	// Engine-level codes, never produced by adapters.
	ErrNoModelAvailable ErrorCode = "NO_MODEL_AVAILABLE"
	ErrInternal         ErrorCode = "INTERNAL_ERROR"
)

// ProviderError is a normalized upstream failure.
type ProviderError struct {
	Code       ErrorCode
	Message    string
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	// Local marks failures raised before any upstream call (client-side
	// throttling); they carry no signal about provider health.
	Local bool
	Err   error
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Message is a single turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a function the model may call. Only its presence matters to
// routing: models without function calling are filtered out.
type Tool struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Request is one generation request flowing through the engine.
type Request struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	FamilyID  string `json:"familyId"`
	ProfileID string `json:"profileId"`

	Prompt  string    `json:"prompt"`
	History []Message `json:"conversationHistory,omitempty"`
	Tools   []Tool    `json:"tools,omitempty"`

	RequiredCapabilities []string `json:"requiredCapabilities,omitempty"`
	PreferredProvider    string   `json:"preferredProvider,omitempty"`
	PreferredModel       string   `json:"preferredModel,omitempty"`

	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"streaming"`

	// Client-supplied token estimates; admission-only hints, billing always
	// trusts the usage the upstream reports.
	EstimatedInputTokens  int `json:"estimatedInputTokens,omitempty"`
	EstimatedOutputTokens int `json:"estimatedOutputTokens,omitempty"`

	// ConfigID overrides the instance's active config snapshot.
	ConfigID string `json:"configId,omitempty"`
}

// Usage is the token accounting reported by the upstream provider.
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Meta describes which upstream fulfilled the request and how.
type Meta struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Features  []string  `json:"features,omitempty"`
	Region    string    `json:"region"`
	LatencyMs int64     `json:"latency"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is a successful generation.
type Result struct {
	Text    string  `json:"text"`
	Usage   Usage   `json:"tokenUsage"`
	Meta    Meta    `json:"meta"`
	CostUSD float64 `json:"-"`
}
