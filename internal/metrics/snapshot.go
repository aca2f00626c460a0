package metrics

import (
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
)

// JobSnapshot summarizes the job store for a single dashboard refresh.
type JobSnapshot struct {
	Total          int64
	StatusCounts   map[jobs.Status]int64
	AvgDurationMS  float64 // 0 means unknown, not zero duration
	SuccessRatePct float64 // 0 means unknown
}

// CacheSnapshot summarizes the result cache's counters.
type CacheSnapshot struct {
	Hits          int64
	Misses        int64
	Invalidations int64
}

// Snapshot is the single input BuildDashboard and EvaluateAlerts both
// consume. Assembling it touches live state (the job store, the
// selector's provider registry, the cache); everything downstream of it
// is a pure function of its fields.
type Snapshot struct {
	TakenAt time.Time

	Jobs                 JobSnapshot
	Providers            []selector.ProviderSnapshot
	Cache                CacheSnapshot
	RateLimitBlockedKeys int
	ErrorCounters        map[string]int64
}

// HitRatePct returns the cache hit rate as a percentage, or -1 if no
// lookups have occurred yet.
func (c CacheSnapshot) HitRatePct() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return -1
	}
	return 100 * float64(c.Hits) / float64(total)
}
