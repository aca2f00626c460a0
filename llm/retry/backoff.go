// Package retry defines the retry policy the provider adapters execute:
// exponential backoff with optional jitter, bounded attempts.
//
// The policy is data, not behavior. The adapter layer owns the loop so it
// can weave in the rules a policy alone cannot express: authentication
// errors are never retried regardless of attempts remaining, and an
// explicit retry_after from a rate-limited backend raises the floor of
// the computed delay.
package retry

import (
	"math/rand"
	"time"
)

// RetryPolicy tunes one adapter's retry loop.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first call.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// Multiplier scales the delay between consecutive retries.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`

	// Jitter randomizes each delay by ±25% so synchronized workers do not
	// hammer a recovering backend in lockstep.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy allows three retries after the first call, with
// jittered exponential backoff.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Delay computes the backoff before the given retry attempt (1-based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
