package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// limiterTestingT is the minimal subset of testing.T/rapid.T that
// newTestLimiter needs, so it can be shared between table-driven tests
// and rapid property tests.
type limiterTestingT interface {
	Cleanup(func())
	Errorf(format string, args ...interface{})
	FailNow()
}

func newTestLimiter(t limiterTestingT, policies map[llmtypes.Tier]llmtypes.TierPolicy) (*Limiter, kvstore.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.NewWithClient(client, nil)

	lim, err := New(store, policies, nil)
	require.NoError(t, err)
	return lim, store, mr
}

func tightPolicy() map[llmtypes.Tier]llmtypes.TierPolicy {
	return map[llmtypes.Tier]llmtypes.TierPolicy{
		llmtypes.TierBasic: {PerMinute: 2, PerHour: 120, PerDay: 2880, Burst: 1},
	}
}

func TestLimiter_AdmitsWithinLimit(t *testing.T) {
	lim, _, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	res, err := lim.Check(ctx, "user-1", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(2), res.Limit)
	require.Equal(t, int64(1), res.Remaining)
}

func TestLimiter_BurstAllowsOneOverage(t *testing.T) {
	lim, _, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := lim.Check(ctx, "user-2", llmtypes.TierBasic, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be within the base per-minute limit", i)
	}

	// 3rd request exceeds per_minute=2 but the burst allowance of 1 admits it.
	res, err := lim.Check(ctx, "user-2", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed, "burst allowance should admit the 3rd request")

	// 4th request has exhausted both the window and the burst allowance.
	res, err = lim.Check(ctx, "user-2", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, float64(0))
}

func TestLimiter_BlockedSetTracksRejections(t *testing.T) {
	lim, store, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := lim.Check(ctx, "user-3", llmtypes.TierBasic, 1)
		require.NoError(t, err)
	}

	blocked, err := lim.Blocked(ctx)
	require.NoError(t, err)
	require.Contains(t, blocked, "user-3")

	members, err := store.SMembers(ctx, "ratelimit:blocked")
	require.NoError(t, err)
	require.Contains(t, members, "user-3")
}

func TestLimiter_UnknownTierFallsBackToBasic(t *testing.T) {
	lim, _, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	res, err := lim.Check(ctx, "user-7", llmtypes.Tier("nonexistent"), 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(llmtypes.DefaultTierPolicies()[llmtypes.TierBasic].PerMinute), res.Limit)
}

func TestLimiter_RejectsInvalidPolicy(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.NewWithClient(client, nil)

	bad := map[llmtypes.Tier]llmtypes.TierPolicy{
		llmtypes.TierBasic: {PerMinute: 100, PerHour: 10, PerDay: 10, Burst: 1},
	}
	_, err = New(store, bad, nil)
	require.Error(t, err)
}

func TestLimiter_FailsOpenWhenStoreUnavailable(t *testing.T) {
	lim, _, mr := newTestLimiter(t, tightPolicy())
	mr.Close()

	var failedScope string
	lim.OnError(func(scope string) { failedScope = scope })

	res, err := lim.Check(context.Background(), "user-4", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed, "unavailable KV store must fail open, never fail closed")
	require.Equal(t, "rate_limiter", failedScope)
}

func TestLimiter_DefaultPoliciesAreValid(t *testing.T) {
	for tier, p := range llmtypes.DefaultTierPolicies() {
		require.True(t, p.Valid(), "built-in policy for tier %q must satisfy the window ordering invariant", tier)
	}
}

func TestLimiter_CostGreaterThanOneConsumesProportionally(t *testing.T) {
	lim, _, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	res, err := lim.Check(ctx, "user-5", llmtypes.TierBasic, 2)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)
}

func TestLimiter_IndependentIdentifiersDoNotShareBudget(t *testing.T) {
	lim, _, _ := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := lim.Check(ctx, "alice", llmtypes.TierBasic, 1)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := lim.Check(ctx, "bob", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed, "bob's budget must be independent of alice's")
}

func TestLimiter_ResetAfterWindowElapses(t *testing.T) {
	lim, _, mr := newTestLimiter(t, tightPolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := lim.Check(ctx, "user-6", llmtypes.TierBasic, 1)
		require.NoError(t, err)
	}
	res, err := lim.Check(ctx, "user-6", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	mr.FastForward(2 * time.Minute)

	res, err = lim.Check(ctx, "user-6", llmtypes.TierBasic, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed, "a fresh minute window should admit again")
}
