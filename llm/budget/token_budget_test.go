package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Onegaishimas/bin2nlp/types"
)

func TestCheckPerRequestCeilings(t *testing.T) {
	ctrl := NewController(Config{MaxTokensPerRequest: 100, MaxCostPerRequest: 1.0}, nil)

	assert.NoError(t, ctrl.Check(100, 1.0))

	err := ctrl.Check(101, 0)
	require.Error(t, err)
	appErr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrCostLimit, appErr.Code)

	err = ctrl.Check(10, 1.5)
	require.Error(t, err)
}

func TestRecordConsumesWindows(t *testing.T) {
	ctrl := NewController(Config{MaxTokensPerMinute: 100}, nil)

	ctrl.Record(Usage{Tokens: 90, Model: "m", Provider: "p"})
	assert.NoError(t, ctrl.Check(10, 0))

	err := ctrl.Check(11, 0)
	require.Error(t, err)
	appErr, _ := types.AsError(err)
	assert.Equal(t, types.ErrCostLimit, appErr.Code)
}

func TestDailyCostCeiling(t *testing.T) {
	ctrl := NewController(Config{MaxCostPerDay: 2.0}, nil)

	ctrl.Record(Usage{Tokens: 10, Cost: 1.5})
	assert.NoError(t, ctrl.Check(10, 0.5))
	assert.Error(t, ctrl.Check(10, 0.51))

	status := ctrl.Status()
	assert.InDelta(t, 1.5, status.CostUsedDay, 1e-6)
}

func TestAutoThrottleOnMinuteExhaustion(t *testing.T) {
	ctrl := NewController(Config{
		MaxTokensPerMinute: 10,
		AutoThrottle:       true,
		ThrottleDelay:      50 * time.Millisecond,
	}, nil)

	ctrl.Record(Usage{Tokens: 10})
	require.Error(t, ctrl.Check(1, 0)) // exhausts and throttles
	assert.True(t, ctrl.Status().IsThrottled)

	// Even a zero-cost call is refused while throttled.
	assert.Error(t, ctrl.Check(0, 0))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ctrl.Status().IsThrottled)
}

func TestAlertFiresOncePerWindow(t *testing.T) {
	ctrl := NewController(Config{MaxTokensPerMinute: 100, AlertThreshold: 0.5}, nil)

	fired := make(chan string, 4)
	ctrl.OnAlert(func(window string, utilization float64) {
		fired <- window
	})

	ctrl.Record(Usage{Tokens: 60})
	select {
	case w := <-fired:
		assert.Equal(t, "minute", w)
	case <-time.After(time.Second):
		t.Fatal("expected a threshold alert")
	}

	ctrl.Record(Usage{Tokens: 10})
	select {
	case <-fired:
		t.Fatal("alert must fire once per window occupancy")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestZeroConfigDisablesCeilings(t *testing.T) {
	ctrl := NewController(Config{}, nil)
	ctrl.Record(Usage{Tokens: 1 << 30, Cost: 1e9})
	assert.NoError(t, ctrl.Check(1<<30, 1e9))
}
