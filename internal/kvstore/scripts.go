package kvstore

import (
	"context"
	"fmt"
	"time"
)

// slidingWindowCountLua purges entries older than now-window from the
// sorted set at KEYS[1], returns the current member count, and refreshes
// the key's TTL to 2x the window so stale keys are reclaimed automatically.
//
// KEYS[1] = sorted-set key
// ARGV[1] = now (float seconds)
// ARGV[2] = window (float seconds)
const slidingWindowCountLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
redis.call('EXPIRE', key, math.ceil(window * 2))
return count
`

// burstAllowanceTryConsumeLua reads the burst struct stored at KEYS[1] as
// two fields in a hash (used, window_start), resets it if the window has
// elapsed, and atomically admits the call only if used+cost <= limit.
//
// KEYS[1] = burst hash key
// ARGV[1] = now (float seconds)
// ARGV[2] = window (float seconds)
// ARGV[3] = limit
// ARGV[4] = cost
const burstAllowanceTryConsumeLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local used = tonumber(redis.call('HGET', key, 'used') or '0')
local windowStart = tonumber(redis.call('HGET', key, 'window_start') or '0')

if windowStart == 0 or (now - windowStart) >= window then
  used = 0
  windowStart = now
end

if used + cost > limit then
  redis.call('HSET', key, 'used', used, 'window_start', windowStart)
  redis.call('EXPIRE', key, math.ceil(window * 2))
  return 0
end

used = used + cost
redis.call('HSET', key, 'used', used, 'window_start', windowStart)
redis.call('EXPIRE', key, math.ceil(window * 2))
return 1
`

// SlidingWindowCount runs the sliding_window_count script.
func (s *redisStore) SlidingWindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	res, err := s.slidingWindowScript.Run(ctx, s.client, []string{key},
		float64(now.UnixNano())/1e9, window.Seconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: sliding_window_count: %v", ErrScript, classify(err))
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: sliding_window_count: unexpected result type %T", ErrScript, res)
	}
	return count, nil
}

// BurstTryConsume runs the burst_allowance_try_consume script. Returns true
// if the burst allowance admitted the call.
func (s *redisStore) BurstTryConsume(ctx context.Context, key string, window time.Duration, limit, cost int64, now time.Time) (bool, error) {
	res, err := s.burstAllowanceScript.Run(ctx, s.client, []string{key},
		float64(now.UnixNano())/1e9, window.Seconds(), limit, cost).Result()
	if err != nil {
		return false, fmt.Errorf("%w: burst_allowance_try_consume: %v", ErrScript, classify(err))
	}
	admitted, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("%w: burst_allowance_try_consume: unexpected result type %T", ErrScript, res)
	}
	return admitted == 1, nil
}
