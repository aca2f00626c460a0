// Package circuitbreaker isolates a failing LLM backend: after a run of
// consecutive failures the circuit opens and calls fail fast until a
// cooling interval elapses, after which a bounded number of half-open
// probes decide whether to close it again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/types"
)

// State is the breaker's position in its Closed -> Open -> HalfOpen cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Config tunes one breaker instance.
type Config struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int

	// Timeout bounds a single wrapped call.
	Timeout time.Duration

	// ResetTimeout is how long the circuit stays open before a half-open
	// probe is allowed.
	ResetTimeout time.Duration

	// HalfOpenMaxCalls bounds concurrent probes while half-open.
	HalfOpenMaxCalls int

	// OnStateChange, if set, is invoked (on its own goroutine) on every
	// transition.
	OnStateChange func(from State, to State)
}

// DefaultConfig returns conservative general-purpose tuning.
func DefaultConfig() *Config {
	return &Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker wraps calls to one backend.
type CircuitBreaker interface {
	// Call runs fn unless the circuit is open.
	Call(ctx context.Context, fn func() error) error

	// CallWithResult runs fn and returns its result unless the circuit is
	// open.
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// State reports the current state.
	State() State

	// Reset force-closes the circuit and clears the failure count.
	Reset()
}

type breaker struct {
	config *Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// NewCircuitBreaker builds a breaker, filling zero config fields with the
// defaults.
func NewCircuitBreaker(config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Threshold <= 0 {
		config.Threshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &breaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		b.afterCall(false)
		return nil, fmt.Errorf("circuitbreaker: call timed out: %w", callCtx.Err())

	case res := <-resultCh:
		// A caller-side mistake (bad request, bad credentials, filtered
		// content) says nothing about the backend's availability, so it
		// must not push the circuit toward open.
		success := res.err == nil || isClientError(res.err)
		b.afterCall(success)
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

type callResult struct {
	result any
	err    error
}

// clientErrorCodes are the error kinds that reflect the request rather
// than the backend's health.
var clientErrorCodes = map[types.ErrorCode]bool{
	types.ErrValidation:      true,
	types.ErrAuthentication:  true,
	types.ErrAuthorization:   true,
	types.ErrCostLimit:       true,
	types.ErrContentFiltered: true,
}

func isClientError(err error) bool {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		return clientErrorCodes[appErr.Code]
	}
	return false
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			b.logger.Info("circuit entering half-open probe state")
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCallCount++
		return nil

	default:
		return fmt.Errorf("circuitbreaker: unknown state %v", b.state)
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		// A single successful probe closes the circuit and clears the
		// failure run.
		b.logger.Info("circuit recovered",
			zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("success response while circuit open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.logger.Warn("circuit opened",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.Threshold))
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		b.logger.Warn("half-open probe failed, reopening circuit",
			zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateOpen)
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("failure response while circuit open")
	}
}

func (b *breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, newState)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.logger.Info("circuit reset", zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(oldState, StateClosed)
	}
}

// Sentinel errors callers can match on.
var (
	ErrCircuitOpen            = errors.New("circuitbreaker: circuit is open")
	ErrTooManyCallsInHalfOpen = errors.New("circuitbreaker: too many half-open probes in flight")
)
