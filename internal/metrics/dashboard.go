package metrics

import (
	"fmt"

	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
)

// Status buckets a single dashboard metric's health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Metric is one value shown on a dashboard panel.
type Metric struct {
	Name              string  `json:"name"`
	CurrentValue      string  `json:"current_value"`
	Unit              string  `json:"unit"`
	Status            Status  `json:"status"`
	Description       string  `json:"description,omitempty"`
	ThresholdWarning  float64 `json:"threshold_warning,omitempty"`
	ThresholdCritical float64 `json:"threshold_critical,omitempty"`
}

// Panel groups related metrics under one heading.
type Panel struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ChartType   string   `json:"chart_type"` // "gauge", "line", "bar", "table"
	Metrics     []Metric `json:"metrics"`
}

// Dashboard is the full tree BuildDashboard returns: panels, not raw
// Prometheus text, so a UI can render it directly.
type Dashboard struct {
	ID                  string  `json:"id"`
	Title               string  `json:"title"`
	Description         string  `json:"description"`
	RefreshIntervalSecs int     `json:"refresh_interval_seconds"`
	Panels              []Panel `json:"panels"`
}

// BuildDashboard is a pure function: given a metric snapshot and the
// alerts already evaluated against it, it returns the operator-facing
// overview dashboard. It never reads global state itself, so it's
// trivial to unit test with a hand-built Snapshot.
func BuildDashboard(snap Snapshot, alerts []Alert) Dashboard {
	return Dashboard{
		ID:                  "system_overview",
		Title:               "bin2nlp System Overview",
		Description:         "Job throughput, LLM provider health, and cache performance",
		RefreshIntervalSecs: 30,
		Panels: []Panel{
			systemHealthPanel(snap, alerts),
			jobPerformancePanel(snap.Jobs),
			providerPanel(snap.Providers),
			cachePanel(snap.Cache),

			alertsPanel(alerts),
		},
	}
}

func systemHealthPanel(snap Snapshot, alerts []Alert) Panel {
	metrics := []Metric{}

	activeAlerts := len(alerts)
	metrics = append(metrics, Metric{
		Name:              "Active Alerts",
		CurrentValue:      fmt.Sprintf("%d", activeAlerts),
		Unit:              "count",
		Status:            countStatus(activeAlerts, 1, 5),
		ThresholdWarning:  1,
		ThresholdCritical: 5,
		Description:       "Number of active system alerts",
	})

	healthy, total := 0, len(snap.Providers)
	for _, p := range snap.Providers {
		if p.CircuitState == "Closed" {
			healthy++
		}
	}
	pct := 100.0
	if total > 0 {
		pct = 100 * float64(healthy) / float64(total)
	}
	metrics = append(metrics, Metric{
		Name:              "Provider Circuit Health",
		CurrentValue:      fmt.Sprintf("%.0f%%", pct),
		Unit:              "percent",
		Status:            pctStatusDescending(pct, 90, 70),
		ThresholdWarning:  90,
		ThresholdCritical: 70,
		Description:       fmt.Sprintf("%d/%d providers with a closed circuit", healthy, total),
	})

	if snap.RateLimitBlockedKeys > 0 {
		metrics = append(metrics, Metric{
			Name:         "Rate Limit Pressure",
			CurrentValue: fmt.Sprintf("%d", snap.RateLimitBlockedKeys),
			Unit:         "blocked identifiers",
			Status:       countStatus(snap.RateLimitBlockedKeys, 1, 10),
			Description:  "API keys currently rejected by the rate limiter",
		})
	}

	return Panel{
		ID:          "system_health",
		Title:       "System Health",
		Description: "Overall health indicators",
		ChartType:   "gauge",
		Metrics:     metrics,
	}
}

func jobPerformancePanel(js JobSnapshot) Panel {
	metrics := []Metric{
		{
			Name:         "Total Jobs",
			CurrentValue: fmt.Sprintf("%d", js.Total),
			Unit:         "count",
			Status:       StatusHealthy,
			Description:  "Jobs ever created, all statuses",
		},
	}
	for _, st := range []jobs.Status{jobs.StatusPending, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed} {
		metrics = append(metrics, Metric{
			Name:         string(st) + " jobs",
			CurrentValue: fmt.Sprintf("%d", js.StatusCounts[st]),
			Unit:         "count",
			Status:       StatusHealthy,
		})
	}
	if js.AvgDurationMS > 0 {
		secs := js.AvgDurationMS / 1000
		metrics = append(metrics, Metric{
			Name:              "Avg Job Duration",
			CurrentValue:      fmt.Sprintf("%.1fs", secs),
			Unit:              "seconds",
			Status:            pctStatusAscending(secs, 30, 120),
			ThresholdWarning:  30,
			ThresholdCritical: 120,
			Description:       "Average end-to-end job duration",
		})
	}
	if js.SuccessRatePct > 0 {
		metrics = append(metrics, Metric{
			Name:              "Job Success Rate",
			CurrentValue:      fmt.Sprintf("%.1f%%", js.SuccessRatePct),
			Unit:              "percent",
			Status:            pctStatusDescending(js.SuccessRatePct, 95, 90),
			ThresholdWarning:  95,
			ThresholdCritical: 90,
		})
	}
	return Panel{
		ID:          "job_performance",
		Title:       "Job Pipeline",
		Description: "Decompile + translate pipeline throughput",
		ChartType:   "bar",
		Metrics:     metrics,
	}
}

func providerPanel(providers []selector.ProviderSnapshot) Panel {
	metrics := make([]Metric, 0, len(providers))
	for _, p := range providers {
		status := StatusHealthy
		switch p.CircuitState {
		case "Open":
			status = StatusCritical
		case "HalfOpen":
			status = StatusWarning
		}
		if status == StatusHealthy && p.Stats.TotalRequests >= 10 && p.Stats.SuccessRate() < 80 {
			status = StatusWarning
		}
		metrics = append(metrics, Metric{
			Name:         p.ID,
			CurrentValue: fmt.Sprintf("%s (%.1f%%)", p.CircuitState, p.Stats.SuccessRate()),
			Unit:         "state",
			Status:       status,
			Description:  fmt.Sprintf("%s provider, %d requests, avg %.0fms", p.Kind, p.Stats.TotalRequests, p.Stats.LatencyEMAms),
		})
	}
	return Panel{
		ID:          "providers",
		Title:       "LLM Provider Status",
		Description: "Circuit state and success rate per registered provider",
		ChartType:   "table",
		Metrics:     metrics,
	}
}

func alertsPanel(alerts []Alert) Panel {
	counts := map[Severity]int{}
	for _, a := range alerts {
		counts[a.Severity]++
	}
	metrics := []Metric{
		{
			Name:         "Active Alerts",
			CurrentValue: fmt.Sprintf("%d", len(alerts)),
			Unit:         "count",
			Status:       countStatus(len(alerts), 1, 5),
		},
		{
			Name:         "Critical Alerts",
			CurrentValue: fmt.Sprintf("%d", counts[SeverityCritical]),
			Unit:         "count",
			Status:       countStatus(counts[SeverityCritical], 1, 1),
		},
	}
	return Panel{
		ID:          "alerts_summary",
		Title:       "Alert Summary",
		Description: "Current alert status",
		ChartType:   "gauge",
		Metrics:     metrics,
	}
}

func cachePanel(c CacheSnapshot) Panel {
	rate := c.HitRatePct()
	metrics := []Metric{
		{Name: "Cache Hits", CurrentValue: fmt.Sprintf("%d", c.Hits), Unit: "count", Status: StatusHealthy},
		{Name: "Cache Misses", CurrentValue: fmt.Sprintf("%d", c.Misses), Unit: "count", Status: StatusHealthy},
	}
	if rate >= 0 {
		metrics = append(metrics, Metric{
			Name:              "Cache Hit Rate",
			CurrentValue:      fmt.Sprintf("%.1f%%", rate),
			Unit:              "percent",
			Status:            pctStatusDescending(rate, 40, 15),
			ThresholdWarning:  40,
			ThresholdCritical: 15,
			Description:       "Share of result requests served without calling a provider",
		})
	}
	return Panel{
		ID:          "cache",
		Title:       "Result Cache",
		Description: "Translation result cache effectiveness",
		ChartType:   "gauge",
		Metrics:     metrics,
	}
}

// countStatus maps a raw count onto healthy/warning/critical given
// ascending thresholds (warning reached at warnAt, critical at critAt).
func countStatus(count int, warnAt, critAt int) Status {
	switch {
	case count >= critAt:
		return StatusCritical
	case count >= warnAt:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// pctStatusAscending is for metrics where higher is worse (latency).
func pctStatusAscending(value, warnAt, critAt float64) Status {
	switch {
	case value >= critAt:
		return StatusCritical
	case value >= warnAt:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// pctStatusDescending is for metrics where lower is worse (success rate,
// hit rate, circuit health).
func pctStatusDescending(value, warnAt, critAt float64) Status {
	switch {
	case value < critAt:
		return StatusCritical
	case value < warnAt:
		return StatusWarning
	default:
		return StatusHealthy
	}
}
