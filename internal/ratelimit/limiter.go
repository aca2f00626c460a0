// Package ratelimit implements per-identifier sliding-window throttling
// across minute/hour/day windows with a burst allowance and tier-based
// quota policy, built on top of internal/kvstore's atomic scripts.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// window names a sliding-window bucket checked by Check.
type window struct {
	name string
	dur  time.Duration
}

var windows = []window{
	{"minute", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Result is the outcome of a Check call.
type Result struct {
	Allowed      bool
	CurrentUsage int64
	Limit        int64
	Remaining    int64
	ResetAt      time.Time
	RetryAfter   float64 // seconds, only set when Allowed is false
}

// Limiter applies per-identifier sliding-window throttling across the
// minute/hour/day windows, with a burst allowance consulted only after a
// window denies.
type Limiter struct {
	store    kvstore.Store
	policies map[llmtypes.Tier]llmtypes.TierPolicy
	logger   *zap.Logger

	onError func(scope string) // metrics hook, may be nil
}

// New builds a Limiter from an immutable tier policy table. Policies are
// validated eagerly: an invalid policy (violating per_minute*60 <= per_hour
// <= per_day) is a configuration error, not a runtime one.
func New(store kvstore.Store, policies map[llmtypes.Tier]llmtypes.TierPolicy, logger *zap.Logger) (*Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policies == nil {
		policies = llmtypes.DefaultTierPolicies()
	}
	for tier, p := range policies {
		if !p.Valid() {
			return nil, fmt.Errorf("ratelimit: invalid policy for tier %q: %+v", tier, p)
		}
	}
	return &Limiter{
		store:    store,
		policies: policies,
		logger:   logger.With(zap.String("component", "ratelimit")),
	}, nil
}

// OnError registers a callback invoked whenever the limiter fails open
// because the KV store is unavailable. Used to wire a metrics counter.
func (l *Limiter) OnError(fn func(scope string)) {
	l.onError = fn
}

func limitFor(p llmtypes.TierPolicy, w window) int64 {
	switch w.name {
	case "minute":
		return int64(p.PerMinute)
	case "hour":
		return int64(p.PerHour)
	case "day":
		return int64(p.PerDay)
	default:
		return 0
	}
}

// Check evaluates one request of the given cost against identifier's tier
// policy. It fails open (Allowed=true, Limit=unbounded) if the KV store is
// unreachable: an unavailable store must never lock callers out.
func (l *Limiter) Check(ctx context.Context, identifier string, tier llmtypes.Tier, cost int64) (Result, error) {
	if cost <= 0 {
		cost = 1
	}
	policy, ok := l.policies[tier]
	if !ok {
		policy = llmtypes.DefaultTierPolicies()[llmtypes.TierBasic]
	}
	now := time.Now()

	var (
		mostRestrictive  window
		restrictiveCount int64
		restrictiveLimit int64
	)

	for _, w := range windows {
		key := fmt.Sprintf("ratelimit:%s:%s", identifier, w.name)
		count, err := l.store.SlidingWindowCount(ctx, key, now, w.dur)
		if err != nil {
			l.failOpen("rate_limiter")
			return Result{Allowed: true, Limit: math.MaxInt64}, nil
		}

		limit := limitFor(policy, w)
		if count+cost > limit {
			admitted, burstErr := l.store.BurstTryConsume(ctx, "burst:"+identifier, w.dur, int64(policy.Burst), cost, now)
			if burstErr != nil {
				l.failOpen("rate_limiter")
				return Result{Allowed: true, Limit: math.MaxInt64}, nil
			}
			if !admitted {
				oldest := now
				if members, zerr := l.store.ZRangeWithScores(ctx, key, 0, 0); zerr == nil && len(members) > 0 {
					oldest = time.Unix(int64(members[0].Score), 0)
				}
				retryAfter := oldest.Add(w.dur).Sub(now).Seconds()
				if retryAfter < 1 {
					retryAfter = 1
				}
				l.markBlocked(ctx, identifier)
				return Result{
					Allowed:      false,
					CurrentUsage: count,
					Limit:        limit,
					Remaining:    0,
					ResetAt:      now.Add(time.Duration(retryAfter) * time.Second),
					RetryAfter:   retryAfter,
				}, nil
			}
			// Burst admitted this window's overage; still must record below.
		}

		if mostRestrictive.dur == 0 || float64(limit-count)/float64(maxInt64(limit, 1)) < restrictiveFraction(restrictiveLimit, restrictiveCount) {
			mostRestrictive = w
			restrictiveCount = count
			restrictiveLimit = limit
		}
	}

	// All windows passed (directly or via burst): record the request.
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	for _, w := range windows {
		key := fmt.Sprintf("ratelimit:%s:%s", identifier, w.name)
		if err := l.store.ZAdd(ctx, key, float64(now.Unix()), member); err != nil {
			l.failOpen("rate_limiter")
			return Result{Allowed: true, Limit: math.MaxInt64}, nil
		}
		_ = l.store.Expire(ctx, key, 2*w.dur)
	}
	l.unmarkBlocked(ctx, identifier)

	remaining := restrictiveLimit - restrictiveCount - cost
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:      true,
		CurrentUsage: restrictiveCount + cost,
		Limit:        restrictiveLimit,
		Remaining:    remaining,
		ResetAt:      now.Add(mostRestrictive.dur),
	}, nil
}

func restrictiveFraction(limit, count int64) float64 {
	if limit == 0 {
		return math.MaxFloat64
	}
	return float64(limit-count) / float64(limit)
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func (l *Limiter) failOpen(scope string) {
	l.logger.Warn("kv store unavailable, failing open", zap.String("scope", scope))
	if l.onError != nil {
		l.onError(scope)
	}
}

func (l *Limiter) markBlocked(ctx context.Context, identifier string) {
	_ = l.store.SAdd(ctx, "ratelimit:blocked", identifier)
}

func (l *Limiter) unmarkBlocked(ctx context.Context, identifier string) {
	_ = l.store.SRem(ctx, "ratelimit:blocked", identifier)
}

// Blocked returns identifiers currently marked blocked, for admin visibility.
func (l *Limiter) Blocked(ctx context.Context) ([]string, error) {
	return l.store.SMembers(ctx, "ratelimit:blocked")
}
