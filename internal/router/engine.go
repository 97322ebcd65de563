// Package router implements weighted provider selection with circuit-aware
// fallback. The engine scores every (provider, model) candidate from the
// active config snapshot, then walks the ranked list until one upstream
// succeeds or the list is exhausted.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/tjj9020/kinable-sub001/internal/config"
	"github.com/tjj9020/kinable-sub001/internal/events"
	"github.com/tjj9020/kinable-sub001/internal/store"
)

// SnapshotLoader supplies the active config snapshot.
type SnapshotLoader interface {
	Load(ctx context.Context, id string) (*config.Snapshot, error)
}

// Circuit is the breaker surface the engine consumes. Defined here to avoid
// an import cycle with the circuitbreaker package's tests.
type Circuit interface {
	IsAllowed(ctx context.Context, key string) (bool, error)
	RecordSuccess(ctx context.Context, key string, latency time.Duration) error
	RecordFailure(ctx context.Context, key string) error
	Observe(ctx context.Context, key string) (store.CircuitStatus, float64)
}

// EngineConfig carries the engine's fixed wiring.
type EngineConfig struct {
	ActiveConfigID string
	Region         string
}

// Engine routes generation requests across registered provider adapters.
type Engine struct {
	cfg      EngineConfig
	loader   SnapshotLoader
	circuit  Circuit
	adapters map[string]Adapter
	bus      *events.Bus
	logger   *slog.Logger

	// nowFunc and sleepFunc are used for testing.
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an Engine. The bus may be nil when event streaming is
// disabled.
func NewEngine(cfg EngineConfig, loader SnapshotLoader, circuit Circuit, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		loader:    loader,
		circuit:   circuit,
		adapters:  make(map[string]Adapter),
		bus:       bus,
		logger:    logger,
		nowFunc:   time.Now,
		sleepFunc: sleepCtx,
	}
}

// RegisterAdapter registers a provider adapter. Not goroutine-safe; call
// during startup before serving.
func (e *Engine) RegisterAdapter(a Adapter) {
	e.adapters[a.Name()] = a
}

// AdapterNames returns the registered adapter names, for health reporting.
func (e *Engine) AdapterNames() []string {
	names := make([]string, 0, len(e.adapters))
	for name := range e.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// candidate is one scored (provider, model) pair.
type candidate struct {
	provider string
	model    string
	pcfg     config.ProviderCfg
	mcfg     config.ModelCfg
	status   store.CircuitStatus
	score    float64
}

// Route selects and calls upstream providers until one succeeds.
//
// Candidates come from the active snapshot: active providers and models that
// pass their rollout gates, satisfy the required capabilities, and whose
// adapter reports it can fulfill the request. Candidates are scored on cost,
// quality, observed latency, and circuit availability, then attempted in
// order. No candidate is ever attempted twice within one request.
func (e *Engine) Route(ctx context.Context, req Request) (*Result, error) {
	configID := e.cfg.ActiveConfigID
	if req.ConfigID != "" {
		configID = req.ConfigID
	}
	snap, err := e.loader.Load(ctx, configID)
	if err != nil {
		// Covers both a missing snapshot and a store fault; neither is
		// retryable against the same cache.
		return nil, &ProviderError{Code: ErrUnknown, Message: "config snapshot unavailable", Err: err}
	}

	cands := e.enumerate(ctx, snap, req)
	if len(cands) == 0 {
		return nil, &ProviderError{Code: ErrNoModelAvailable, Message: "no eligible model for request"}
	}
	e.scoreAndSort(cands, snap.Routing.Weights, req)

	var lastErr error
	for attempt, c := range cands {
		if ctx.Err() != nil {
			break
		}
		key := store.HealthKey(c.provider, e.cfg.Region)

		allowed, cbErr := e.circuit.IsAllowed(ctx, key)
		if cbErr != nil {
			// A breaker store fault must not take the whole fleet down.
			e.logger.Warn("circuit check failed, allowing request", "circuit", key, "error", cbErr)
			allowed = true
		}
		if !allowed {
			e.logger.Debug("circuit open, skipping candidate",
				"provider", c.provider, "model", c.model)
			continue
		}

		adapter := e.adapters[c.provider]
		e.logger.Info("routing request",
			"request_id", req.RequestID,
			"provider", c.provider,
			"model", c.model,
			"attempt", attempt+1,
			"candidates", len(cands),
		)

		start := e.nowFunc()
		result, genErr := adapter.Generate(ctx, c.model, req)
		latency := e.nowFunc().Sub(start)

		if genErr == nil {
			if err := e.circuit.RecordSuccess(ctx, key, latency); err != nil {
				e.logger.Warn("record success failed", "circuit", key, "error", err)
			}
			result.Meta.Provider = c.provider
			result.Meta.Model = c.model
			result.Meta.Region = e.cfg.Region
			result.Meta.LatencyMs = latency.Milliseconds()
			result.Meta.Timestamp = e.nowFunc().UTC()
			result.CostUSD = c.mcfg.TokenCost.EstimateCostUSD(result.Usage.PromptTokens, result.Usage.CompletionTokens)
			e.publish(events.Event{
				Type:      events.EventRouteSuccess,
				RequestID: req.RequestID,
				FamilyID:  req.FamilyID,
				Provider:  c.provider,
				Model:     c.model,
				LatencyMs: float64(latency.Milliseconds()),
				CostUSD:   result.CostUSD,
				Attempt:   attempt + 1,
			})
			return result, nil
		}

		perr := asProviderError(genErr, c.provider)
		lastErr = perr
		e.logger.Warn("provider attempt failed",
			"request_id", req.RequestID,
			"provider", c.provider,
			"model", c.model,
			"code", string(perr.Code),
			"retryable", perr.Retryable,
			"error", perr.Message,
		)

		switch perr.Code {
		case ErrContent, ErrCapability:
			// The request itself is at fault; no other provider will fare
			// better and provider health is not implicated.
			e.publish(routeErrorEvent(req, c, perr, attempt+1))
			return nil, perr
		default:
			if !perr.Local {
				if err := e.circuit.RecordFailure(ctx, key); err != nil {
					e.logger.Warn("record failure failed", "circuit", key, "error", err)
				}
			}
			e.publish(routeErrorEvent(req, c, perr, attempt+1))
		}

		if perr.Retryable && attempt < len(cands)-1 {
			delay := backoffDelay(c.pcfg.Retry, attempt, perr.RetryAfter)
			if delay > 0 {
				if err := e.sleepFunc(ctx, delay); err != nil {
					break
				}
			}
		}
		e.publish(events.Event{
			Type:      events.EventRouteFallback,
			RequestID: req.RequestID,
			Provider:  c.provider,
			Model:     c.model,
			ErrorCode: string(perr.Code),
			Attempt:   attempt + 1,
		})
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &ProviderError{Code: ErrNoModelAvailable, Message: "all eligible providers unavailable"}
}

// enumerate builds the unscored candidate list for a request.
func (e *Engine) enumerate(ctx context.Context, snap *config.Snapshot, req Request) []*candidate {
	bucket := config.RolloutBucket(req.FamilyID, req.RequestID)

	var cands []*candidate
	for pname, pcfg := range snap.Providers {
		if !pcfg.Active {
			continue
		}
		adapter, ok := e.adapters[pname]
		if !ok {
			continue
		}
		if !config.RolloutAllows(pcfg.RolloutPercentage, bucket) {
			continue
		}
		for mname, mcfg := range pcfg.Models {
			if !mcfg.Active {
				continue
			}
			if !config.RolloutAllows(mcfg.RolloutPercentage, bucket) {
				continue
			}
			if !mcfg.HasCapabilities(req.RequiredCapabilities) {
				continue
			}
			if req.Stream && !mcfg.StreamingSupport {
				continue
			}
			if len(req.Tools) > 0 && !mcfg.FunctionCalling {
				continue
			}
			if req.PreferredModel != "" && mname != req.PreferredModel {
				continue
			}
			if !adapter.CanFulfill(mname, req) {
				continue
			}
			status, avgLatency := e.circuit.Observe(ctx, store.HealthKey(pname, e.cfg.Region))
			cands = append(cands, &candidate{
				provider: pname,
				model:    mname,
				pcfg:     pcfg,
				mcfg:     mcfg,
				status:   status,
				score:    avgLatency, // stashed until scoring normalizes it
			})
		}
	}

	// A preferred provider narrows the field only when it is present; an
	// unavailable preference silently falls back to the full list.
	if req.PreferredProvider != "" {
		var preferred []*candidate
		for _, c := range cands {
			if c.provider == req.PreferredProvider {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			return preferred
		}
	}
	return cands
}

// scoreAndSort computes the weighted score for each candidate and orders the
// list best-first. All components are normalized to [0, 1] where higher is
// better; ties break on model priority, then provider name for determinism.
func (e *Engine) scoreAndSort(cands []*candidate, w config.Weights, req Request) {
	outTokens := req.EstimatedOutputTokens
	if outTokens <= 0 {
		outTokens = req.MaxTokens
	}
	if outTokens <= 0 {
		outTokens = 512
	}
	inTokens := estimateTokens(req)

	var maxCost, maxLatency float64
	maxPriority := 1
	costs := make([]float64, len(cands))
	latencies := make([]float64, len(cands))
	for i, c := range cands {
		costs[i] = c.mcfg.TokenCost.EstimateCostUSD(inTokens, outTokens)
		latencies[i] = c.score // avg latency stashed by enumerate
		if costs[i] > maxCost {
			maxCost = costs[i]
		}
		if latencies[i] > maxLatency {
			maxLatency = latencies[i]
		}
		if c.mcfg.Priority > maxPriority {
			maxPriority = c.mcfg.Priority
		}
	}

	for i, c := range cands {
		cCost := 1 - safeNorm(costs[i], maxCost)
		// No recorded latency means no signal, not instant: unprobed
		// providers score the neutral midpoint instead of outranking every
		// measured one.
		cLatency := 0.5
		if latencies[i] > 0 {
			cLatency = 1 - safeNorm(latencies[i], maxLatency)
		}
		cQuality := 1.0
		if maxPriority > 1 {
			cQuality = 1 - safeNorm(float64(c.mcfg.Priority-1), float64(maxPriority-1))
		}
		c.score = w.Cost*cCost + w.Quality*cQuality + w.Latency*cLatency + w.Availability*availabilityScore(c.status)
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].mcfg.Priority != cands[j].mcfg.Priority {
			return cands[i].mcfg.Priority < cands[j].mcfg.Priority
		}
		return cands[i].provider < cands[j].provider
	})
}

// availabilityScore maps circuit state to a scoring component.
func availabilityScore(s store.CircuitStatus) float64 {
	switch s {
	case store.StatusOpen:
		return 0.0
	case store.StatusHalfOpen:
		return 0.5
	default:
		return 1.0
	}
}

// estimateTokens estimates the prompt token count. A client-supplied
// estimate wins; otherwise the chars/4 heuristic over prompt and history.
func estimateTokens(req Request) int {
	if req.EstimatedInputTokens > 0 {
		return req.EstimatedInputTokens
	}
	total := len(req.Prompt) / 4
	for _, m := range req.History {
		total += len(m.Content) / 4
	}
	return total
}

func safeNorm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > max {
		return 1
	}
	return v / max
}

// backoffDelay computes the pause before the next fallback attempt:
// exponential from the provider's retry config with 50-150% jitter, capped
// at the configured maximum. An upstream Retry-After hint wins when longer.
func backoffDelay(rc config.RetryCfg, attempt int, retryAfter time.Duration) time.Duration {
	base := time.Duration(rc.InitialDelayMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := time.Duration(rc.MaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	// Add jitter: 50-150% of delay.
	delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// asProviderError normalizes any adapter failure to a ProviderError.
func asProviderError(err error, provider string) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = provider
		}
		return perr
	}
	return &ProviderError{
		Code:     ErrUnknown,
		Message:  err.Error(),
		Provider: provider,
		Err:      err,
	}
}

func routeErrorEvent(req Request, c *candidate, perr *ProviderError, attempt int) events.Event {
	return events.Event{
		Type:      events.EventRouteError,
		RequestID: req.RequestID,
		FamilyID:  req.FamilyID,
		Provider:  c.provider,
		Model:     c.model,
		ErrorCode: string(perr.Code),
		ErrorMsg:  perr.Message,
		Attempt:   attempt,
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
