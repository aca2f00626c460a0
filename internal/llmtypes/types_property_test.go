package llmtypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Clamped confidence always lands in [0,1], with a 0.5 floor whenever the
// output was non-empty.
func TestClampConfidenceBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.Float64Range(-10, 10).Draw(t, "raw")
		nonEmpty := rapid.Bool().Draw(t, "nonEmpty")

		c := ClampConfidence(raw, nonEmpty)
		require.GreaterOrEqual(t, c, 0.0)
		require.LessOrEqual(t, c, 1.0)
		if nonEmpty {
			require.GreaterOrEqual(t, c, 0.5)
		}
	})
}

// SuccessRate stays in [0,100] and total counters stay consistent under
// any interleaving of successes and failures.
func TestProviderStatsCountersConsistent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var stats ProviderStats
		now := time.Now()

		n := rapid.IntRange(0, 200).Draw(t, "events")
		for i := 0; i < n; i++ {
			if rapid.Bool().Draw(t, "ok") {
				stats.RecordSuccess(
					int64(rapid.IntRange(0, 10000).Draw(t, "tokens")),
					rapid.Float64Range(0, 1).Draw(t, "cost"),
					rapid.Float64Range(0, 5000).Draw(t, "latency"),
					now)
			} else {
				stats.RecordFailure(now)
			}
		}

		require.Equal(t, stats.TotalRequests, stats.SuccessfulRequests+stats.FailedRequests)
		rate := stats.SuccessRate()
		require.GreaterOrEqual(t, rate, 0.0)
		require.LessOrEqual(t, rate, 100.0)
		require.GreaterOrEqual(t, stats.ConsecutiveFailures, 0)
		require.GreaterOrEqual(t, stats.LatencyEMAms, 0.0)
	})
}

// Tier policy validity is monotone: scaling every window limit by the
// same positive factor preserves validity.
func TestTierPolicyValidityScales(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		perMinute := rapid.IntRange(0, 1000).Draw(t, "perMinute")
		hourSlack := rapid.IntRange(0, 100000).Draw(t, "hourSlack")
		daySlack := rapid.IntRange(0, 1000000).Draw(t, "daySlack")

		p := TierPolicy{
			PerMinute: perMinute,
			PerHour:   perMinute*60 + hourSlack,
			Burst:     rapid.IntRange(0, 100).Draw(t, "burst"),
		}
		p.PerDay = p.PerHour + daySlack
		require.True(t, p.Valid())

		factor := rapid.IntRange(2, 10).Draw(t, "factor")
		scaled := TierPolicy{
			PerMinute: p.PerMinute * factor,
			PerHour:   p.PerHour * factor,
			PerDay:    p.PerDay * factor,
			Burst:     p.Burst,
		}
		require.True(t, scaled.Valid())
	})
}
