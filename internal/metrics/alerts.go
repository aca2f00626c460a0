package metrics

import (
	"fmt"
	"time"
)

// Severity ranks an alert's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach detected in a Snapshot. IDs are
// deterministic (derived from the thing that triggered them) so the same
// condition across two snapshots produces the same ID, letting the
// AlertManager update and resolve by ID instead of duplicating.
type Alert struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Severity    Severity               `json:"severity"`
	TriggeredAt time.Time              `json:"triggered_at"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// EvaluateAlerts is a pure function over a Snapshot: same snapshot in,
// same alert list out, no hidden state. Thresholds mirror the ones the
// original alerting module used for decompilation/LLM performance and
// circuit breaker health, adapted to this service's job/provider model.
func EvaluateAlerts(snap Snapshot) []Alert {
	var alerts []Alert
	alerts = append(alerts, jobAlerts(snap)...)
	alerts = append(alerts, providerAlerts(snap)...)
	alerts = append(alerts, cacheAlerts(snap)...)
	alerts = append(alerts, errorCounterAlerts(snap)...)
	return alerts
}

func jobAlerts(snap Snapshot) []Alert {
	var alerts []Alert
	js := snap.Jobs

	if js.AvgDurationMS > 0 {
		secs := js.AvgDurationMS / 1000
		if secs > 120 {
			alerts = append(alerts, Alert{
				ID:          "job_duration_slow",
				Name:        "Slow Job Pipeline",
				Description: fmt.Sprintf("average job duration is %.1fs (threshold 120s)", secs),
				Severity:    SeverityHigh,
				TriggeredAt: snap.TakenAt,
				Context:     map[string]interface{}{"avg_duration_seconds": secs, "threshold_seconds": 120},
			})
		}
	}

	if js.SuccessRatePct > 0 && js.SuccessRatePct < 90 {
		alerts = append(alerts, Alert{
			ID:          "job_failure_rate_high",
			Name:        "High Job Failure Rate",
			Description: fmt.Sprintf("job success rate is %.1f%% (threshold 90%%)", js.SuccessRatePct),
			Severity:    SeverityHigh,
			TriggeredAt: snap.TakenAt,
			Context:     map[string]interface{}{"success_rate": js.SuccessRatePct, "threshold": 90},
		})
	}

	return alerts
}

func providerAlerts(snap Snapshot) []Alert {
	var alerts []Alert
	for _, p := range snap.Providers {
		switch p.CircuitState {
		case "Open":
			alerts = append(alerts, Alert{
				ID:          "circuit_open_" + p.ID,
				Name:        fmt.Sprintf("Circuit Breaker Open: %s", p.ID),
				Description: fmt.Sprintf("provider %q is circuit-broken; requests are failing over to the next candidate", p.ID),
				Severity:    SeverityCritical,
				TriggeredAt: snap.TakenAt,
				Context: map[string]interface{}{
					"provider_id":          p.ID,
					"consecutive_failures": p.Stats.ConsecutiveFailures,
					"last_error":           p.LastError,
				},
			})
		default:
			if p.Stats.TotalRequests >= 10 && p.Stats.SuccessRate() < 80 {
				alerts = append(alerts, Alert{
					ID:          "provider_degraded_" + p.ID,
					Name:        fmt.Sprintf("Provider Performance Degraded: %s", p.ID),
					Description: fmt.Sprintf("provider %q has a %.1f%% success rate over %d requests", p.ID, p.Stats.SuccessRate(), p.Stats.TotalRequests),
					Severity:    SeverityMedium,
					TriggeredAt: snap.TakenAt,
					Context: map[string]interface{}{
						"provider_id":    p.ID,
						"success_rate":   p.Stats.SuccessRate(),
						"total_requests": p.Stats.TotalRequests,
					},
				})
			}
		}

		if !p.Health.IsHealthy {
			alerts = append(alerts, Alert{
				ID:          "provider_unhealthy_" + p.ID,
				Name:        fmt.Sprintf("Provider Health Check Failing: %s", p.ID),
				Description: fmt.Sprintf("last health probe for %q failed: %s", p.ID, p.Health.ErrorMessage),
				Severity:    SeverityMedium,
				TriggeredAt: snap.TakenAt,
				Context:     map[string]interface{}{"provider_id": p.ID, "error": p.Health.ErrorMessage},
			})
		}
	}
	return alerts
}

func cacheAlerts(snap Snapshot) []Alert {
	rate := snap.Cache.HitRatePct()
	if rate < 0 {
		return nil
	}
	total := snap.Cache.Hits + snap.Cache.Misses
	if total < 50 {
		return nil // too little traffic to judge
	}
	if rate < 15 {
		return []Alert{{
			ID:          "cache_hit_rate_low",
			Name:        "Low Cache Hit Rate",
			Description: fmt.Sprintf("result cache hit rate is %.1f%% over %d lookups (threshold 15%%)", rate, total),
			Severity:    SeverityLow,
			TriggeredAt: snap.TakenAt,
			Context:     map[string]interface{}{"hit_rate": rate, "total_lookups": total},
		}}
	}
	return nil
}

func errorCounterAlerts(snap Snapshot) []Alert {
	var alerts []Alert
	for name, count := range snap.ErrorCounters {
		if count > 50 {
			alerts = append(alerts, Alert{
				ID:          "high_error_count_" + name,
				Name:        fmt.Sprintf("High Error Count: %s", name),
				Description: fmt.Sprintf("error counter %q has reached %d", name, count),
				Severity:    SeverityHigh,
				TriggeredAt: snap.TakenAt,
				Context:     map[string]interface{}{"counter": name, "count": count, "threshold": 50},
			})
		}
	}
	return alerts
}
