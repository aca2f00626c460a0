package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/internal/cacheresult"
	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/metrics"
	"github.com/Onegaishimas/bin2nlp/internal/ratelimit"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
)

// =============================================================================
// 📊 系统状态 Handler（dashboard / alerts）
// =============================================================================

// SystemHandler assembles the live metrics snapshot and serves the
// dashboard and alert views derived from it. Admin-scoped.
type SystemHandler struct {
	engine   *jobs.Engine
	selector *selector.Selector
	cache    *cacheresult.Cache
	limiter  *ratelimit.Limiter
	alerts   *metrics.AlertManager
	logger   *zap.Logger
}

// NewSystemHandler builds the handler.
func NewSystemHandler(engine *jobs.Engine, sel *selector.Selector, cache *cacheresult.Cache,
	limiter *ratelimit.Limiter, alerts *metrics.AlertManager, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		engine:   engine,
		selector: sel,
		cache:    cache,
		limiter:  limiter,
		alerts:   alerts,
		logger:   logger,
	}
}

// HandleDashboard 处理 GET /dashboard：基于当前快照构建面板树。
func (h *SystemHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	snap := h.buildSnapshot(r)
	records := h.alerts.Evaluate(snap)
	alerts := make([]metrics.Alert, 0, len(records))
	for _, rec := range records {
		if rec.Status != metrics.AlertResolved {
			alerts = append(alerts, rec.Alert)
		}
	}
	WriteSuccess(w, metrics.BuildDashboard(snap, alerts))
}

// HandleAlerts 处理 GET /alerts：评估规则并返回跟踪中的告警记录。
func (h *SystemHandler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.alerts.Evaluate(h.buildSnapshot(r)))
}

// buildSnapshot gathers live state from the job store, the selector, the
// cache counters, and the blocked-identifier set. Individual collection
// failures degrade to zero values; the dashboard stays servable while a
// dependency is down.
func (h *SystemHandler) buildSnapshot(r *http.Request) metrics.Snapshot {
	ctx := r.Context()
	snap := metrics.Snapshot{
		TakenAt:       time.Now(),
		Providers:     h.selector.Snapshot(),
		ErrorCounters: map[string]int64{},
	}

	if stats, err := h.engine.Stats(ctx); err == nil {
		js := metrics.JobSnapshot{
			Total:        stats.Total,
			StatusCounts: stats.StatusCounts,
		}
		completed := stats.StatusCounts[jobs.StatusCompleted]
		failed := stats.StatusCounts[jobs.StatusFailed] + stats.StatusCounts[jobs.StatusTimeout]
		if completed+failed > 0 {
			js.SuccessRatePct = 100 * float64(completed) / float64(completed+failed)
		}
		snap.Jobs = js
	} else {
		h.logger.Warn("job stats unavailable for snapshot", zap.Error(err))
	}

	if stats, err := h.cache.Stats(ctx); err == nil {
		snap.Cache = metrics.CacheSnapshot{
			Hits:          counterValue(stats, "hits"),
			Misses:        counterValue(stats, "misses"),
			Invalidations: counterValue(stats, "invalidations"),
		}
		snap.ErrorCounters["cache"] = counterValue(stats, "errors")
	} else {
		h.logger.Warn("cache stats unavailable for snapshot", zap.Error(err))
	}

	if blocked, err := h.limiter.Blocked(ctx); err == nil {
		snap.RateLimitBlockedKeys = len(blocked)
	}

	return snap
}

func counterValue(stats map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(stats[field], 10, 64)
	return n
}
