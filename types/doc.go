// Copyright (c) bin2nlp Authors.
// Licensed under the MIT License.

// Package types provides the shared, dependency-free type vocabulary used
// across the service: chat messages for LLM calls, token usage, the
// structured error taxonomy, and request-scoped context helpers. It has
// zero dependencies on other internal packages so every layer can import it
// without risk of a cycle.
package types
