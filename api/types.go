// Package api holds the wire-level request/response types for the HTTP
// surface: the envelope every handler writes through, and one DTO pair per
// external interface operation.
package api

import (
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
)

// =============================================================================
// 📦 Response envelope
// =============================================================================

// Response is the canonical API envelope every handler writes through.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the error object of the API's error envelope.
type ErrorInfo struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	Details    any     `json:"details,omitempty"`
	Field      string  `json:"field,omitempty"`
	Retryable  bool    `json:"retryable,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	HTTPStatus int     `json:"-"`
}

// =============================================================================
// 📤 Upload
// =============================================================================

// UploadResponse is returned once a file body has been staged to disk and
// assigned an opaque `upload://` reference.
type UploadResponse struct {
	FileReference    string  `json:"file_reference"`
	Filename         string  `json:"filename"`
	SizeBytes        int64   `json:"size_bytes"`
	FormatTag        string  `json:"format_tag"`
	FormatConfidence float64 `json:"format_confidence"`
	Warning          string  `json:"warning,omitempty"`
}

// =============================================================================
// 📋 Jobs
// =============================================================================

// AnalysisConfigRequest is the client-supplied analysis configuration
// embedded in JobCreationRequest.
type AnalysisConfigRequest struct {
	Depth          string   `json:"depth"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	FocusAreas     []string `json:"focus_areas,omitempty"`
	MaxFunctions   int      `json:"max_functions,omitempty"`
	MaxStrings     int      `json:"max_strings,omitempty"`
	QualityLevel   string   `json:"quality_level,omitempty"`
	AnalysisIntent string   `json:"analysis_intent,omitempty"`
}

// PreferencesRequest carries the optional provider-selection overrides:
// excluded providers, a preferred default, per-operation pins, and the two
// scoring-bias flags.
type PreferencesRequest struct {
	Excluded             []string          `json:"excluded,omitempty"`
	PreferredProvider    string            `json:"preferred_provider,omitempty"`
	OperationPreferences map[string]string `json:"operation_preferences,omitempty"`
	CostOptimization     bool              `json:"cost_optimization,omitempty"`
	PerformancePriority  bool              `json:"performance_priority,omitempty"`
}

// JobCreationRequest is the POST /jobs body.
type JobCreationRequest struct {
	FileReference  string                `json:"file_reference"`
	Filename       string                `json:"filename"`
	AnalysisConfig AnalysisConfigRequest `json:"analysis_config"`
	Priority       string                `json:"priority,omitempty"`
	CallbackURL    string                `json:"callback_url,omitempty"`
	CorrelationID  string                `json:"correlation_id,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	Preferences    *PreferencesRequest   `json:"preferences,omitempty"`
}

// JobCreationResponse is the POST /jobs response.
type JobCreationResponse struct {
	JobID               string    `json:"job_id"`
	Status              string    `json:"status"`
	PositionInQueue     int       `json:"position_in_queue"`
	EstimatedCompletion time.Time `json:"estimated_completion,omitempty"`
}

// JobStatusResponse is the GET /jobs/{id} response: the Job projected onto
// the wire as-is, since Job's own JSON tags already match the external
// shape.
type JobStatusResponse = jobs.Job

// JobListResponse is the GET /jobs response.
type JobListResponse struct {
	Jobs   []*jobs.Job `json:"jobs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// JobActionRequest is the POST /jobs/{id}/actions body.
type JobActionRequest struct {
	Action          string `json:"action"`
	Reason          string `json:"reason,omitempty"`
	Force           bool   `json:"force,omitempty"`
	ResetRetryCount bool   `json:"reset_retry_count,omitempty"`
	NewPriority     string `json:"new_priority,omitempty"`
}

// JobActionResponse is the POST /jobs/{id}/actions response.
type JobActionResponse struct {
	JobID          string `json:"job_id"`
	Action         string `json:"action"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
}

// =============================================================================
// 🔌 LLM providers
// =============================================================================

// ProviderSummary is one entry of GET /llm-providers.
type ProviderSummary struct {
	ID           string                  `json:"id"`
	Kind         llmtypes.ProviderKind   `json:"kind"`
	CircuitState string                  `json:"circuit_state"`
	Health       llmtypes.ProviderHealth `json:"health"`
	SuccessRate  float64                 `json:"success_rate"`
}

// ProviderListResponse is the GET /llm-providers response.
type ProviderListResponse struct {
	Providers []ProviderSummary `json:"providers"`
}

// ProviderDetailResponse is the GET /llm-providers/{id} response.
type ProviderDetailResponse struct {
	ProviderSummary
	Stats     llmtypes.ProviderStats `json:"stats"`
	LastError string                 `json:"last_error,omitempty"`
}

// ProviderHealthCheckResponse is the POST /llm-providers/{id}/health-check
// response.
type ProviderHealthCheckResponse struct {
	ID     string                  `json:"id"`
	Health llmtypes.ProviderHealth `json:"health"`
}
