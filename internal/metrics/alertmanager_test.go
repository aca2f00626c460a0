package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
)

// breachedSnapshot returns a snapshot with one circuit-open provider so
// exactly one critical alert triggers.
func breachedSnapshot(at time.Time) Snapshot {
	return Snapshot{
		TakenAt: at,
		Providers: []selector.ProviderSnapshot{{
			ID:           "openai",
			Kind:         llmtypes.KindOpenAI,
			CircuitState: "Open",
			Health:       llmtypes.ProviderHealth{IsHealthy: true},
		}},
	}
}

func healthySnapshot(at time.Time) Snapshot {
	return Snapshot{
		TakenAt: at,
		Providers: []selector.ProviderSnapshot{{
			ID:           "openai",
			Kind:         llmtypes.KindOpenAI,
			CircuitState: "Closed",
			Health:       llmtypes.ProviderHealth{IsHealthy: true},
		}},
	}
}

func TestEvaluateSameBreachKeepsSameID(t *testing.T) {
	m := NewAlertManager()
	t0 := time.Now()

	first := m.Evaluate(breachedSnapshot(t0))
	require.Len(t, first, 1)
	assert.Equal(t, "circuit_open_openai", first[0].ID)
	assert.Equal(t, AlertActive, first[0].Status)

	second := m.Evaluate(breachedSnapshot(t0.Add(time.Minute)))
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].TriggeredAt, second[0].TriggeredAt, "re-evaluation must not reset triggered_at")
}

func TestEvaluateResolvesCeasedBreach(t *testing.T) {
	m := NewAlertManager()
	t0 := time.Now()

	m.Evaluate(breachedSnapshot(t0))
	resolved := m.Evaluate(healthySnapshot(t0.Add(time.Minute)))
	require.Len(t, resolved, 1)
	assert.Equal(t, AlertResolved, resolved[0].Status)
	require.NotNil(t, resolved[0].ResolvedAt)
	assert.Equal(t, t0.Add(time.Minute), *resolved[0].ResolvedAt)

	// The next evaluation no longer reports the resolved record.
	assert.Empty(t, m.Evaluate(healthySnapshot(t0.Add(2*time.Minute))))
}

func TestAcknowledgeAndSilence(t *testing.T) {
	m := NewAlertManager()
	m.Evaluate(breachedSnapshot(time.Now()))

	require.True(t, m.Acknowledge("circuit_open_openai", "oncall"))
	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, AlertAcknowledged, active[0].Status)
	assert.Equal(t, "oncall", active[0].AcknowledgedBy)

	require.True(t, m.Silence("circuit_open_openai"))
	assert.Equal(t, AlertSilenced, m.Active()[0].Status)

	assert.False(t, m.Acknowledge("no_such_alert", "oncall"))
}

func TestAcknowledgedStatusSurvivesReEvaluation(t *testing.T) {
	m := NewAlertManager()
	t0 := time.Now()
	m.Evaluate(breachedSnapshot(t0))
	require.True(t, m.Acknowledge("circuit_open_openai", "oncall"))

	records := m.Evaluate(breachedSnapshot(t0.Add(time.Minute)))
	require.Len(t, records, 1)
	assert.Equal(t, AlertAcknowledged, records[0].Status)
}
