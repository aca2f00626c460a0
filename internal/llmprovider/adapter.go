// Package llmprovider adapts the llm.Provider chat interface to the
// four translation operations the pipeline calls, with retry, token
// accounting, cost estimation, and confidence clamping.
package llmprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/llm"
	"github.com/Onegaishimas/bin2nlp/llm/budget"
	"github.com/Onegaishimas/bin2nlp/llm/retry"
	"github.com/Onegaishimas/bin2nlp/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Adapter wraps one llm.Provider instance with the operation-level
// contract the translation pipeline depends on.
type Adapter struct {
	provider llm.Provider
	cfg      llmtypes.ProviderConfig
	policy   *retry.RetryPolicy
	tokenize types.Tokenizer
	budget   *budget.Controller
	logger   *zap.Logger
}

// New builds an Adapter. If cfg.Kind is KindOpenAI an authoritative
// tiktoken tokenizer is used; every other kind falls back to the chars/4
// heuristic tokenizer.
func New(provider llm.Provider, cfg llmtypes.ProviderConfig, policy *retry.RetryPolicy, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.DefaultRetryPolicy()
	}

	var tok types.Tokenizer
	if cfg.Kind == llmtypes.KindOpenAI {
		if t, err := newTiktokenTokenizer(cfg.DefaultModel); err == nil {
			tok = t
		}
	}
	if tok == nil {
		tok = types.NewEstimateTokenizer()
	}

	return &Adapter{
		provider: provider,
		cfg:      cfg,
		policy:   policy,
		tokenize: tok,
		logger:   logger.With(zap.String("component", "llmprovider"), zap.String("provider", cfg.Name)),
	}
}

// Name returns the wrapped provider's identifier.
func (a *Adapter) Name() string { return a.provider.Name() }

// WithBudget attaches a shared cost controller. Every call is then
// checked against the controller's ceilings before dispatch and recorded
// after completion; a refusal surfaces as ErrCostLimit without touching
// the backend. Call before the adapter sees traffic.
func (a *Adapter) WithBudget(ctrl *budget.Controller) *Adapter {
	a.budget = ctrl
	return a
}

// call executes req with the adapter's retry policy. Authentication errors
// are never retried; an explicit retry_after on a rate-limited error is
// honored as a floor on the computed backoff delay. Budget refusals are
// terminal: a breached ceiling will not clear within a retry loop.
func (a *Adapter) call(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if a.budget != nil {
		estimated := a.tokenize.CountMessagesTokens(req.Messages) + req.MaxTokens
		var estimatedCost float64
		if a.cfg.CostPerInputK != 0 || a.cfg.CostPerOutputK != 0 {
			estimatedCost = float64(estimated)/1000*a.cfg.CostPerInputK +
				float64(req.MaxTokens)/1000*a.cfg.CostPerOutputK
		}
		if err := a.budget.Check(estimated, estimatedCost); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= a.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.backoffDelay(attempt, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := a.provider.Completion(ctx, req)
		if err == nil {
			if a.budget != nil {
				usage := budget.Usage{
					Tokens:   resp.Usage.TotalTokens,
					Model:    resp.Model,
					Provider: a.provider.Name(),
				}
				if cost := a.estimateCost(resp.Usage); cost != nil {
					usage.Cost = *cost
				}
				a.budget.Record(usage)
			}
			return resp, nil
		}
		lastErr = err

		if terr, ok := types.AsError(err); ok {
			if terr.Code == types.ErrAuthentication || terr.Code == types.ErrProviderAuth {
				return nil, err
			}
			if !terr.Retryable {
				return nil, err
			}
		} else if !llm.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llmprovider: exhausted %d retries: %w", a.policy.MaxRetries, lastErr)
}

func (a *Adapter) backoffDelay(attempt int, lastErr error) time.Duration {
	result := a.policy.Delay(attempt)
	if terr, ok := types.AsError(lastErr); ok && terr.RetryAfter > 0 {
		floor := time.Duration(terr.RetryAfter * float64(time.Second))
		if floor > result {
			result = floor
		}
	}
	return result
}

func (a *Adapter) newRequest(messages []types.Message) *llm.ChatRequest {
	return &llm.ChatRequest{
		TraceID:     uuid.NewString(),
		Model:       a.cfg.DefaultModel,
		Messages:    messages,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Timeout:     a.cfg.Timeout,
	}
}

func (a *Adapter) metadata(resp *llm.ChatResponse, elapsed time.Duration) llmtypes.ProviderMetadata {
	meta := llmtypes.ProviderMetadata{
		Provider:         a.provider.Name(),
		Model:            resp.Model,
		TokensUsed:       resp.Usage.TotalTokens,
		InputTokens:      resp.Usage.PromptTokens,
		OutputTokens:     resp.Usage.CompletionTokens,
		ProcessingTimeMS: elapsed.Milliseconds(),
	}
	if cost := a.estimateCost(resp.Usage); cost != nil {
		meta.CostEstimate = cost
	}
	return meta
}

// estimateCost returns nil when both cost rates are unconfigured
// (local models, custom endpoints); selection treats an unknown cost as
// no preference.
func (a *Adapter) estimateCost(usage llm.ChatUsage) *float64 {
	if a.cfg.CostPerInputK == 0 && a.cfg.CostPerOutputK == 0 {
		return nil
	}
	cost := float64(usage.PromptTokens)/1000*a.cfg.CostPerInputK + float64(usage.CompletionTokens)/1000*a.cfg.CostPerOutputK
	return &cost
}

func firstChoiceText(resp *llm.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

// extractJSON pulls the first top-level JSON object or array out of text,
// tolerating a markdown code fence around it (the common way models wrap
// structured output despite being asked not to).
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}

// HealthCheck sends a minimal completion and reports latency/availability.
// It never returns an error: every failure mode is captured in the
// returned ProviderHealth.
func (a *Adapter) HealthCheck(ctx context.Context) llmtypes.ProviderHealth {
	start := time.Now()
	req := a.newRequest([]types.Message{types.NewMessage(types.RoleUser, "reply OK")})
	req.MaxTokens = 8

	resp, err := a.provider.Completion(ctx, req)
	latency := time.Since(start)

	if err != nil {
		return llmtypes.ProviderHealth{
			IsHealthy:     false,
			LastProbeTime: start,
			LatencyMS:     float64(latency.Milliseconds()),
			ErrorMessage:  err.Error(),
		}
	}

	health := llmtypes.ProviderHealth{
		IsHealthy:        true,
		WithinRateLimits: true,
		LastProbeTime:    start,
		LatencyMS:        float64(latency.Milliseconds()),
	}
	if cost := a.estimateCost(resp.Usage); cost != nil {
		perToken := *cost / float64(maxInt(resp.Usage.TotalTokens, 1))
		health.CostPerToken = &perToken
	}
	if models, err := a.provider.ListModels(ctx); err == nil {
		for _, m := range models {
			health.AvailableModels = append(health.AvailableModels, m.ID)
		}
	}
	return health
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
