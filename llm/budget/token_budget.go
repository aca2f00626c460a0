package budget

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/types"
)

// Config bounds outbound LLM traffic per process. Zero values disable the
// corresponding ceiling.
type Config struct {
	MaxTokensPerRequest int           `json:"max_tokens_per_request" yaml:"max_tokens_per_request"`
	MaxTokensPerMinute  int           `json:"max_tokens_per_minute" yaml:"max_tokens_per_minute"`
	MaxTokensPerHour    int           `json:"max_tokens_per_hour" yaml:"max_tokens_per_hour"`
	MaxTokensPerDay     int           `json:"max_tokens_per_day" yaml:"max_tokens_per_day"`
	MaxCostPerRequest   float64       `json:"max_cost_per_request" yaml:"max_cost_per_request"`
	MaxCostPerDay       float64       `json:"max_cost_per_day" yaml:"max_cost_per_day"`
	AlertThreshold      float64       `json:"alert_threshold" yaml:"alert_threshold"` // 0.0-1.0
	AutoThrottle        bool          `json:"auto_throttle" yaml:"auto_throttle"`
	ThrottleDelay       time.Duration `json:"throttle_delay" yaml:"throttle_delay"`
}

// DefaultConfig returns ceilings loose enough for a busy deployment while
// still catching a runaway fan-out.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerRequest: 100000,
		MaxTokensPerMinute:  500000,
		MaxTokensPerHour:    5000000,
		MaxTokensPerDay:     50000000,
		MaxCostPerRequest:   10.0,
		MaxCostPerDay:       1000.0,
		AlertThreshold:      0.8,
		AutoThrottle:        true,
		ThrottleDelay:       time.Second,
	}
}

// Usage is one completed LLM call for budget accounting.
type Usage struct {
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
	Model    string  `json:"model"`
	Provider string  `json:"provider"`
}

// Status is a point-in-time view of the process's budget consumption.
type Status struct {
	TokensUsedMinute int64      `json:"tokens_used_minute"`
	TokensUsedHour   int64      `json:"tokens_used_hour"`
	TokensUsedDay    int64      `json:"tokens_used_day"`
	CostUsedDay      float64    `json:"cost_used_day"`
	IsThrottled      bool       `json:"is_throttled"`
	ThrottleUntil    *time.Time `json:"throttle_until,omitempty"`
}

// AlertFunc is invoked (on its own goroutine) when a window crosses the
// alert threshold, once per window occupancy.
type AlertFunc func(window string, utilization float64)

// Controller tracks token and cost consumption across minute/hour/day
// windows and refuses calls that would breach a ceiling. Refusals carry
// types.ErrCostLimit so callers surface them as the cost-limit failure
// kind rather than as a transient provider error.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	alert  AlertFunc

	tokensMinute int64
	tokensHour   int64
	tokensDay    int64
	costDayMicro int64 // cost * 1e6 so it can live in an atomic

	mu            sync.Mutex
	minuteStart   time.Time
	hourStart     time.Time
	dayStart      time.Time
	throttleUntil time.Time
	alerted       map[string]bool
}

// NewController builds a Controller for cfg.
func NewController(cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Controller{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "budget")),
		minuteStart: now,
		hourStart:   now,
		dayStart:    now.Truncate(24 * time.Hour),
		alerted:     make(map[string]bool),
	}
}

// OnAlert registers the threshold callback. One callback; last wins.
func (c *Controller) OnAlert(fn AlertFunc) {
	c.mu.Lock()
	c.alert = fn
	c.mu.Unlock()
}

// Check reports whether a call with the given estimates may proceed. The
// returned error, when non-nil, is a types.Error with ErrCostLimit.
func (c *Controller) Check(estimatedTokens int, estimatedCost float64) error {
	c.rollWindows()

	c.mu.Lock()
	throttledUntil := c.throttleUntil
	c.mu.Unlock()
	if time.Now().Before(throttledUntil) {
		return costLimitError(fmt.Sprintf("LLM traffic throttled until %s", throttledUntil.Format(time.RFC3339)))
	}

	if c.cfg.MaxTokensPerRequest > 0 && estimatedTokens > c.cfg.MaxTokensPerRequest {
		return costLimitError("estimated tokens exceed the per-request ceiling")
	}
	if c.cfg.MaxCostPerRequest > 0 && estimatedCost > c.cfg.MaxCostPerRequest {
		return costLimitError("estimated cost exceeds the per-request ceiling")
	}

	if over(c.cfg.MaxTokensPerMinute, atomic.LoadInt64(&c.tokensMinute), estimatedTokens) {
		c.applyThrottle()
		return costLimitError("minute token budget exhausted")
	}
	if over(c.cfg.MaxTokensPerHour, atomic.LoadInt64(&c.tokensHour), estimatedTokens) {
		return costLimitError("hour token budget exhausted")
	}
	if over(c.cfg.MaxTokensPerDay, atomic.LoadInt64(&c.tokensDay), estimatedTokens) {
		return costLimitError("day token budget exhausted")
	}
	if c.cfg.MaxCostPerDay > 0 {
		spent := float64(atomic.LoadInt64(&c.costDayMicro)) / 1e6
		if spent+estimatedCost > c.cfg.MaxCostPerDay {
			return costLimitError("daily cost budget exhausted")
		}
	}
	return nil
}

// Record folds one completed call into the counters.
func (c *Controller) Record(u Usage) {
	c.rollWindows()
	atomic.AddInt64(&c.tokensMinute, int64(u.Tokens))
	atomic.AddInt64(&c.tokensHour, int64(u.Tokens))
	atomic.AddInt64(&c.tokensDay, int64(u.Tokens))
	atomic.AddInt64(&c.costDayMicro, int64(u.Cost*1e6))
	c.checkThresholds()
}

// Status returns current consumption.
func (c *Controller) Status() Status {
	c.rollWindows()
	status := Status{
		TokensUsedMinute: atomic.LoadInt64(&c.tokensMinute),
		TokensUsedHour:   atomic.LoadInt64(&c.tokensHour),
		TokensUsedDay:    atomic.LoadInt64(&c.tokensDay),
		CostUsedDay:      float64(atomic.LoadInt64(&c.costDayMicro)) / 1e6,
	}
	c.mu.Lock()
	if time.Now().Before(c.throttleUntil) {
		until := c.throttleUntil
		status.IsThrottled = true
		status.ThrottleUntil = &until
	}
	c.mu.Unlock()
	return status
}

func (c *Controller) rollWindows() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.minuteStart) >= time.Minute {
		atomic.StoreInt64(&c.tokensMinute, 0)
		c.minuteStart = now
		delete(c.alerted, "minute")
	}
	if now.Sub(c.hourStart) >= time.Hour {
		atomic.StoreInt64(&c.tokensHour, 0)
		c.hourStart = now
		delete(c.alerted, "hour")
	}
	if dayStart := now.Truncate(24 * time.Hour); dayStart.After(c.dayStart) {
		atomic.StoreInt64(&c.tokensDay, 0)
		atomic.StoreInt64(&c.costDayMicro, 0)
		c.dayStart = dayStart
		delete(c.alerted, "day")
		delete(c.alerted, "cost")
	}
}

func (c *Controller) applyThrottle() {
	if !c.cfg.AutoThrottle {
		return
	}
	c.mu.Lock()
	c.throttleUntil = time.Now().Add(c.cfg.ThrottleDelay)
	c.mu.Unlock()
	c.logger.Warn("LLM traffic throttled", zap.Duration("delay", c.cfg.ThrottleDelay))
}

func (c *Controller) checkThresholds() {
	if c.cfg.AlertThreshold <= 0 {
		return
	}
	checks := []struct {
		window string
		used   float64
		limit  float64
	}{
		{"minute", float64(atomic.LoadInt64(&c.tokensMinute)), float64(c.cfg.MaxTokensPerMinute)},
		{"hour", float64(atomic.LoadInt64(&c.tokensHour)), float64(c.cfg.MaxTokensPerHour)},
		{"day", float64(atomic.LoadInt64(&c.tokensDay)), float64(c.cfg.MaxTokensPerDay)},
		{"cost", float64(atomic.LoadInt64(&c.costDayMicro)) / 1e6, c.cfg.MaxCostPerDay},
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chk := range checks {
		if chk.limit <= 0 || c.alerted[chk.window] {
			continue
		}
		util := chk.used / chk.limit
		if util < c.cfg.AlertThreshold {
			continue
		}
		c.alerted[chk.window] = true
		c.logger.Warn("budget threshold crossed",
			zap.String("window", chk.window), zap.Float64("utilization", util))
		if c.alert != nil {
			go c.alert(chk.window, util)
		}
	}
}

func over(limit int, used int64, incoming int) bool {
	return limit > 0 && int(used)+incoming > limit
}

func costLimitError(message string) error {
	return types.NewError(types.ErrCostLimit, message)
}
