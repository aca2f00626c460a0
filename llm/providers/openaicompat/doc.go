// Package openaicompat provides a shared base implementation for every
// OpenAI-compatible LLM backend.
//
// A local Ollama, vLLM, LM Studio, OpenRouter, or any other endpoint
// speaking the OpenAI Chat Completions wire shape differs only in base
// URL, auth header, and model naming. Instead of duplicating the HTTP
// handling, SSE parsing, message conversion, and error mapping per
// backend, callers instantiate this provider with a Config and override
// only what differs:
//
//   - Provider name and default model
//   - Base URL and endpoint path
//   - Header building via BuildHeaders (if not Authorization: Bearer)
//   - Request hooks for endpoint-specific fields
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "ollama",
//	    BaseURL:      "http://localhost:11434",
//	    DefaultModel: "llama3.1",
//	}, logger)
package openaicompat
