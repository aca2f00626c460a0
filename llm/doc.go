/*
Package llm defines the unified chat-completion contract the provider
backends implement.

# Overview

The translation service talks to several heterogeneous LLM backends
(OpenAI, Anthropic, Gemini, and anything OpenAI-compatible including a
local Ollama). This package holds the one interface they all satisfy and
the request/response shapes that cross it; everything provider-specific
lives in llm/providers/*.

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

The higher-level four-operation translation surface (function, import,
string, summary) is built on top of this contract by
internal/llmprovider; provider selection, statistics, and circuit
breaking live in internal/selector.

# Error codes

Providers report failures using the service-wide types.ErrorCode space.
The aliases in this package (ErrRateLimited, ErrContentFiltered,
ErrModelOverloaded, ...) give provider code the vocabulary its HTTP
mapping naturally reaches for; no translation step sits between an
adapter error and the retry/circuit-breaking decisions made above it.

Use IsRetryable to check whether an error is worth retrying:

	if llm.IsRetryable(err) {
	    // schedule a backoff attempt
	}

See the subpackages:
  - llm/factory: provider construction by kind
  - llm/middleware: request rewriters shared by the adapters
  - llm/retry: retry policies and backoff
  - llm/circuitbreaker: per-provider failure isolation
  - llm/budget: token/cost ceilings on outbound traffic
  - llm/providers/*: backend implementations
*/
package llm
