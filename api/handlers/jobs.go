package handlers

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/api"
	"github.com/Onegaishimas/bin2nlp/internal/cacheresult"
	"github.com/Onegaishimas/bin2nlp/internal/formatdetect"
	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/pipeline"
	"github.com/Onegaishimas/bin2nlp/internal/promptctx"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
	"github.com/Onegaishimas/bin2nlp/internal/uploads"
	"github.com/Onegaishimas/bin2nlp/types"
)

// =============================================================================
// 📋 任务 Handler
// =============================================================================

// JobsConfig bounds what a JobCreationRequest may ask for.
type JobsConfig struct {
	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int
	MaxRetries            int

	// AllowPrivateCallbacks permits callback URLs resolving to loopback or
	// RFC1918 hosts; off by default so a callback cannot be aimed at
	// internal infrastructure.
	AllowPrivateCallbacks bool
}

// JobsHandler serves the job lifecycle endpoints.
type JobsHandler struct {
	engine  *jobs.Engine
	uploads *uploads.Store
	cfg     JobsConfig
	logger  *zap.Logger
}

// NewJobsHandler builds the handler.
func NewJobsHandler(engine *jobs.Engine, up *uploads.Store, cfg JobsConfig, logger *zap.Logger) *JobsHandler {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 300
	}
	if cfg.MaxTimeoutSeconds <= 0 {
		cfg.MaxTimeoutSeconds = 1800
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &JobsHandler{engine: engine, uploads: up, cfg: cfg, logger: logger}
}

var validDepths = []string{
	string(cacheresult.DepthQuick),
	string(cacheresult.DepthStandard),
	string(cacheresult.DepthComprehensive),
	string(cacheresult.DepthDeep),
}

var validQualities = []string{
	"",
	string(promptctx.QualityBrief),
	string(promptctx.QualityStandard),
	string(promptctx.QualityComprehensive),
}

var validIntents = []string{
	"",
	string(promptctx.IntentMalwareAnalysis),
	string(promptctx.IntentVulnerabilityResearch),
	string(promptctx.IntentReverseEngineering),
	string(promptctx.IntentThreatIntelligence),
	string(promptctx.IntentSoftwareAudit),
	string(promptctx.IntentPerformanceAnalysis),
	string(promptctx.IntentAcademicResearch),
}

// HandleCreate 处理 POST /jobs：校验请求、解析文件引用、入队。
func (h *JobsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.JobCreationRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if appErr := h.validateCreate(&req); appErr != nil {
		WriteError(w, appErr, h.logger)
		return
	}

	staged, err := h.uploads.Resolve(req.FileReference)
	if err != nil {
		writeAppError(w, err, h.logger)
		return
	}
	if staged.Detection.LowConfidence() && staged.Detection.Tag == formatdetect.TagRaw {
		WriteError(w, types.NewError(types.ErrUnprocessable,
			"unsupported file format: content is not a recognized executable"), h.logger)
		return
	}

	job := h.buildJob(&req, staged)
	if _, err := h.engine.Submit(r.Context(), job); err != nil {
		writeAppError(w, err, h.logger)
		return
	}
	position, err := h.engine.QueuePosition(r.Context(), job)
	if err != nil {
		// The job is admitted; a failed snapshot count degrades to 0
		// rather than failing the whole request.
		h.logger.Warn("queue position snapshot failed", zap.Error(err))
		position = 0
	}

	WriteSuccess(w, api.JobCreationResponse{
		JobID:               job.ID,
		Status:              string(job.Status),
		PositionInQueue:     position,
		EstimatedCompletion: jobs.EstimateCompletion(string(job.Config.Depth), enabledExtractions(job.Config)),
	})
}

// validateCreate applies the admission checks from the request alone,
// before any store access.
func (h *JobsHandler) validateCreate(req *api.JobCreationRequest) *types.Error {
	if req.FileReference == "" {
		return fieldError("file_reference is required", "file_reference")
	}
	if _, ok := uploads.ParseRef(req.FileReference); !ok {
		return fieldError("file_reference must have the form upload://{id}", "file_reference")
	}
	if req.Filename == "" || len(req.Filename) > 255 || strings.ContainsAny(req.Filename, "/\\\x00") {
		return fieldError("filename must be a bare file name up to 255 characters", "filename")
	}
	if req.AnalysisConfig.Depth == "" {
		req.AnalysisConfig.Depth = string(cacheresult.DepthStandard)
	}
	if !ValidateEnum(req.AnalysisConfig.Depth, validDepths) {
		return fieldError("depth must be one of quick, standard, comprehensive, deep", "analysis_config.depth")
	}
	if !ValidateEnum(req.AnalysisConfig.QualityLevel, validQualities) {
		return fieldError("quality_level must be one of brief, standard, comprehensive", "analysis_config.quality_level")
	}
	if !ValidateEnum(req.AnalysisConfig.AnalysisIntent, validIntents) {
		return fieldError("analysis_intent is not a recognized intent", "analysis_config.analysis_intent")
	}
	if req.AnalysisConfig.TimeoutSeconds < 0 || req.AnalysisConfig.TimeoutSeconds > h.cfg.MaxTimeoutSeconds {
		return fieldError("timeout_seconds is out of range", "analysis_config.timeout_seconds")
	}
	if req.AnalysisConfig.MaxFunctions < 0 || req.AnalysisConfig.MaxStrings < 0 {
		return fieldError("artifact caps must be non-negative", "analysis_config")
	}
	for _, area := range req.AnalysisConfig.FocusAreas {
		if !ValidateEnum(area, []string{"functions", "imports", "strings"}) {
			return fieldError("focus_areas entries must be functions, imports, or strings", "analysis_config.focus_areas")
		}
	}
	if req.Priority != "" && !jobs.Priority(req.Priority).Valid() {
		return fieldError("priority must be one of low, normal, high, urgent", "priority")
	}
	if req.CallbackURL != "" {
		if appErr := h.validateCallbackURL(req.CallbackURL); appErr != nil {
			return appErr
		}
	}
	return nil
}

// validateCallbackURL enforces the scheme and private-address rules for
// completion callbacks.
func (h *JobsHandler) validateCallbackURL(raw string) *types.Error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fieldError("callback_url must be an absolute http or https URL", "callback_url")
	}
	if h.cfg.AllowPrivateCallbacks {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return fieldError("callback_url must not target a private or loopback address", "callback_url")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fieldError("callback_url must not target a private or loopback address", "callback_url")
		}
	}
	return nil
}

// buildJob translates a validated request into the persisted Job record.
func (h *JobsHandler) buildJob(req *api.JobCreationRequest, staged *uploads.Staged) *jobs.Job {
	timeout := req.AnalysisConfig.TimeoutSeconds
	if timeout == 0 {
		timeout = h.cfg.DefaultTimeoutSeconds
	}

	extractFunctions, extractImports, extractStrings := true, true, true
	if len(req.AnalysisConfig.FocusAreas) > 0 {
		extractFunctions, extractImports, extractStrings = false, false, false
		for _, area := range req.AnalysisConfig.FocusAreas {
			switch area {
			case "functions":
				extractFunctions = true
			case "imports":
				extractImports = true
			case "strings":
				extractStrings = true
			}
		}
	}

	priority := jobs.Priority(req.Priority)
	if req.Priority == "" {
		priority = jobs.PriorityNormal
	}

	var prefs selector.Preferences
	if req.Preferences != nil {
		prefs = selector.Preferences{
			Excluded:            req.Preferences.Excluded,
			PreferredProvider:   req.Preferences.PreferredProvider,
			CostOptimization:    req.Preferences.CostOptimization,
			PerformancePriority: req.Preferences.PerformancePriority,
		}
		if len(req.Preferences.OperationPreferences) > 0 {
			prefs.OperationPreferences = make(map[llmtypes.Operation]string, len(req.Preferences.OperationPreferences))
			for op, id := range req.Preferences.OperationPreferences {
				prefs.OperationPreferences[llmtypes.Operation(op)] = id
			}
		}
	}

	file := staged.File
	file.Filename = req.Filename

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	job := &jobs.Job{
		ID:       uuid.NewString(),
		File:     file,
		Priority: priority,
		Config: pipeline.Config{
			Depth:            cacheresult.Depth(req.AnalysisConfig.Depth),
			ExtractFunctions: extractFunctions,
			ExtractImports:   extractImports,
			ExtractStrings:   extractStrings,
			MaxFunctions:     req.AnalysisConfig.MaxFunctions,
			MaxStrings:       req.AnalysisConfig.MaxStrings,
			TimeoutSeconds:   timeout,
			QualityLevel:     promptctx.QualityLevel(req.AnalysisConfig.QualityLevel),
			AnalysisIntent:   promptctx.AnalysisIntent(req.AnalysisConfig.AnalysisIntent),
			Preferences:      prefs,
			FileTypeTag:      file.Format,
		},
		Preferences:   prefs,
		MaxRetries:    h.cfg.MaxRetries,
		CorrelationID: correlationID,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	}
	if req.CallbackURL != "" {
		cb := req.CallbackURL
		job.CallbackURL = &cb
	}
	return job
}

// HandleGet 处理 GET /jobs/{id}。
func (h *JobsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	WriteSuccess(w, job)
}

// HandleList 处理 GET /jobs，支持 status/tag 过滤与 limit/offset 分页。
func (h *JobsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := jobs.Filter{
		Tag:    q.Get("tag"),
		Limit:  parseIntDefault(q.Get("limit"), 50),
		Offset: parseIntDefault(q.Get("offset"), 0),
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	for _, s := range q["status"] {
		status := jobs.Status(s)
		switch status {
		case jobs.StatusPending, jobs.StatusProcessing, jobs.StatusCompleted,
			jobs.StatusFailed, jobs.StatusCancelled, jobs.StatusTimeout:
			filter.Status = append(filter.Status, status)
		default:
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
				"status filter value is not a recognized job status", h.logger)
			return
		}
	}

	list, err := h.engine.List(r.Context(), filter)
	if err != nil {
		writeAppError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api.JobListResponse{
		Jobs:   list,
		Total:  len(list),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// HandleAction 处理 POST /jobs/{id}/actions。
func (h *JobsHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	id := r.PathValue("id")
	var req api.JobActionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	previous, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeJobError(w, err, h.logger)
		return
	}
	previousStatus := previous.Status

	var job *jobs.Job
	switch req.Action {
	case "cancel":
		job, err = h.engine.Cancel(r.Context(), id, req.Reason, req.Force)
	case "retry":
		job, err = h.engine.Retry(r.Context(), id, req.ResetRetryCount)
	case "reset":
		job, err = h.engine.Reset(r.Context(), id, jobs.Priority(req.NewPriority))
	case "pause", "resume":
		_, err = h.engine.PauseResume(r.Context(), id)
	default:
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation,
			"action must be one of cancel, retry, reset, pause, resume", h.logger)
		return
	}
	if err != nil {
		writeJobError(w, err, h.logger)
		return
	}

	WriteSuccess(w, api.JobActionResponse{
		JobID:          job.ID,
		Action:         req.Action,
		PreviousStatus: string(previousStatus),
		NewStatus:      string(job.Status),
	})
}

// HandleResult 处理 GET /jobs/{id}/result。
func (h *JobsHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetchJob(w, r)
	if !ok {
		return
	}
	if job.Status != jobs.StatusCompleted || job.Result == nil {
		WriteErrorMessage(w, http.StatusConflict, types.ErrConflict,
			"job result is only available once the job has completed", h.logger)
		return
	}
	WriteSuccess(w, job.Result)
}

func (h *JobsHandler) fetchJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrValidation, "job id is required", h.logger)
		return nil, false
	}
	job, err := h.engine.Get(r.Context(), id)
	if err != nil {
		writeJobError(w, err, h.logger)
		return nil, false
	}
	return job, true
}

// writeJobError maps the job engine's sentinel errors onto the error
// envelope; anything unrecognized degrades to a safe internal error.
func writeJobError(w http.ResponseWriter, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteError(w, types.NewError(types.ErrNotFound, "job not found"), logger)
	case errors.Is(err, jobs.ErrUnsupportedAction):
		WriteError(w, types.NewError(types.ErrValidation, "unsupported_action"), logger)
	case errors.Is(err, jobs.ErrTerminal), errors.Is(err, jobs.ErrNotRetryable):
		WriteError(w, types.NewError(types.ErrConflict, err.Error()), logger)
	default:
		writeAppError(w, err, logger)
	}
}

func fieldError(message, field string) *types.Error {
	appErr := types.NewError(types.ErrValidation, message)
	appErr.Field = field
	return appErr
}

func parseIntDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func enabledExtractions(cfg pipeline.Config) int {
	n := 0
	for _, enabled := range []bool{cfg.ExtractFunctions, cfg.ExtractImports, cfg.ExtractStrings} {
		if enabled {
			n++
		}
	}
	return n
}
