// Package api provides the wire-level request/response documentation for
// the bin2nlp HTTP API.
//
// # API Overview
//
// bin2nlp exposes decompilation-plus-LLM-translation as an HTTP service:
//   - Upload a binary and receive an opaque file reference
//   - Submit a job against that reference with an analysis configuration
//   - Poll, list, or act on (cancel/retry/reset) jobs
//   - Fetch the assembled translation result once a job completes
//   - Inspect configured LLM provider health and circuit state
//
// # Authentication
//
// Every endpoint except /health, /healthz, /ready, /version, and /metrics
// requires an API key via the X-API-Key header:
//
//	X-API-Key: b2n_xxxxxxxxxxxxxxxxxxxx
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
