// Package factory provides a centralized factory for creating LLM Provider
// instances by name. It imports all provider sub-packages and maps string
// names to their constructors, breaking the import cycle that would occur
// if this logic lived in the llm package directly.
//
// The provider set is bounded to the four backend kinds the translation
// service targets: OpenAI-compatible, Anthropic, Gemini, and local Ollama.
// Ollama (and any other OpenAI-compatible endpoint: vLLM, LM Studio,
// OpenRouter, Groq, ...) is reached through the generic openaicompat path —
// it speaks the same wire shape, only the base URL and auth differ.
package factory

import (
	"fmt"
	"time"

	"github.com/Onegaishimas/bin2nlp/llm"
	"github.com/Onegaishimas/bin2nlp/llm/providers"
	claude "github.com/Onegaishimas/bin2nlp/llm/providers/anthropic"
	"github.com/Onegaishimas/bin2nlp/llm/providers/gemini"
	"github.com/Onegaishimas/bin2nlp/llm/providers/openai"
	"github.com/Onegaishimas/bin2nlp/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// ProviderConfig is the generic configuration accepted by the factory function.
// It uses a flat structure with an Extra map for provider-specific fields.
type ProviderConfig struct {
	APIKey  string         `json:"api_key" yaml:"api_key"`
	APIKeys []string       `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	BaseURL string         `json:"base_url" yaml:"base_url"`
	Model   string         `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Extra   map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// NewProviderFromConfig creates a Provider instance based on the provider
// kind and a generic ProviderConfig. It maps the kind to the appropriate
// constructor.
//
// Built-in kinds: openai, anthropic (alias claude), gemini (alias
// gemini-vertex), and ollama, which uses the OpenAI-compatible adapter with
// base_url defaulting to http://localhost:11434. Any other kind falls
// through to the generic OpenAI-compatible adapter, which requires base_url.
func NewProviderFromConfig(name string, cfg ProviderConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base := providers.BaseProviderConfig{
		APIKey:  cfg.APIKey,
		APIKeys: cfg.APIKeys,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}

	switch name {
	case "openai":
		oc := providers.OpenAIConfig{BaseProviderConfig: base}
		if cfg.Extra != nil {
			if v, ok := cfg.Extra["organization"].(string); ok {
				oc.Organization = v
			}
			if v, ok := cfg.Extra["use_responses_api"].(bool); ok {
				oc.UseResponsesAPI = v
			}
		}
		return openai.NewOpenAIProvider(oc, logger), nil

	case "anthropic", "claude":
		cc := providers.ClaudeConfig{BaseProviderConfig: base}
		if cfg.Extra != nil {
			if v, ok := cfg.Extra["auth_type"].(string); ok {
				cc.AuthType = v
			}
			if v, ok := cfg.Extra["anthropic_version"].(string); ok {
				cc.AnthropicVersion = v
			}
		}
		return claude.NewClaudeProvider(cc, logger), nil

	case "gemini", "gemini-vertex":
		gc := providers.GeminiConfig{BaseProviderConfig: base}
		if cfg.Extra != nil {
			if v, ok := cfg.Extra["project_id"].(string); ok {
				gc.ProjectID = v
			}
			if v, ok := cfg.Extra["region"].(string); ok {
				gc.Region = v
			}
			if v, ok := cfg.Extra["auth_type"].(string); ok {
				gc.AuthType = v
			}
		}
		if name == "gemini-vertex" && gc.AuthType == "" {
			gc.AuthType = "oauth"
		}
		return gemini.NewGeminiProvider(gc, logger), nil

	case "ollama":
		oc := openaicompat.Config{
			ProviderName: "ollama",
			APIKey:       cfg.APIKey,
			APIKeys:      cfg.APIKeys,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}
		if oc.BaseURL == "" {
			oc.BaseURL = "http://localhost:11434"
		}
		if cfg.Extra != nil {
			if v, ok := cfg.Extra["endpoint_path"].(string); ok {
				oc.EndpointPath = v
			}
		}
		return openaicompat.New(oc, logger), nil

	default:
		// Generic OpenAI-compatible provider: any name + base_url works.
		// Covers vLLM, LM Studio, OpenRouter, Groq, and similar endpoints.
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("unknown provider %q: built-in provider not found, and base_url is required for generic OpenAI-compatible provider", name)
		}
		oc := openaicompat.Config{
			ProviderName: name,
			APIKey:       cfg.APIKey,
			APIKeys:      cfg.APIKeys,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		}
		if cfg.Extra != nil {
			if v, ok := cfg.Extra["endpoint_path"].(string); ok {
				oc.EndpointPath = v
			}
			if v, ok := cfg.Extra["models_endpoint"].(string); ok {
				oc.ModelsEndpoint = v
			}
			if v, ok := cfg.Extra["auth_header"].(string); ok {
				oc.AuthHeaderName = v
			}
			if v, ok := cfg.Extra["supports_tools"].(bool); ok {
				oc.SupportsTools = &v
			}
		}
		logger.Info("creating generic OpenAI-compatible provider",
			zap.String("provider", name),
			zap.String("base_url", cfg.BaseURL))
		return openaicompat.New(oc, logger), nil
	}
}

// SupportedProviders returns the list of built-in provider kinds. Any other
// kind is treated as a generic OpenAI-compatible provider, requiring
// base_url in the configuration.
func SupportedProviders() []string {
	return []string{"openai", "anthropic", "gemini", "ollama"}
}
