// Package selector implements the provider registry, composite scoring,
// per-provider circuit breaking, and health-check scheduling that sits
// between the translation pipeline and the LLM provider adapters.
package selector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/llmprovider"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/llm/circuitbreaker"
	"go.uber.org/zap"
)

// AllProvidersUnavailable is raised by Select when no candidate survives
// filtering. LastErrors carries the last-seen error per configured
// provider, if any, for diagnostics.
type AllProvidersUnavailable struct {
	LastErrors map[string]string
}

func (e *AllProvidersUnavailable) Error() string {
	return fmt.Sprintf("selector: all %d configured providers are unavailable", len(e.LastErrors))
}

// Preferences steers Select.
type Preferences struct {
	Excluded             []string
	PreferredProvider    string
	OperationPreferences map[llmtypes.Operation]string
	CostOptimization     bool
	PerformancePriority  bool
}

func (p Preferences) excludes(id string) bool {
	for _, e := range p.Excluded {
		if e == id {
			return true
		}
	}
	return false
}

// entry is one registered provider's full runtime state.
type entry struct {
	id      string
	kind    llmtypes.ProviderKind
	adapter *llmprovider.Adapter
	breaker circuitbreaker.CircuitBreaker

	mu           sync.Mutex
	stats        llmtypes.ProviderStats
	health       llmtypes.ProviderHealth
	lastProbedAt time.Time
	lastError    string
}

// circuitConfig is the per-provider circuit tuning: 5 consecutive failures opens it, 10 minutes before a half-open probe.
func circuitConfig() *circuitbreaker.Config {
	return &circuitbreaker.Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     10 * time.Minute,
		HalfOpenMaxCalls: 1,
	}
}

// healthCheckInterval bounds how often a provider is re-probed.
const healthCheckInterval = 5 * time.Minute

// Selector owns the provider registry and runtime provider state.
type Selector struct {
	mu        sync.RWMutex
	providers map[string]*entry
	order     []string // stable iteration / tie-break order
	logger    *zap.Logger
}

// New builds an empty Selector; providers are registered via Register at
// startup from immutable config. Registering after startup isn't a
// supported runtime operation, so Register is not safe to
// call concurrently with Select.
func New(logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		providers: make(map[string]*entry),
		logger:    logger.With(zap.String("component", "selector")),
	}
}

// Register adds a provider instance to the registry.
func (s *Selector) Register(id string, kind llmtypes.ProviderKind, adapter *llmprovider.Adapter) {
	s.providers[id] = &entry{
		id:      id,
		kind:    kind,
		adapter: adapter,
		breaker: circuitbreaker.NewCircuitBreaker(circuitConfig(), s.logger),
		health:  llmtypes.ProviderHealth{IsHealthy: true, WithinRateLimits: true},
	}
	s.order = append(s.order, id)
	sort.Strings(s.order)
}

// Adapter returns the registered adapter for id, or nil.
func (s *Selector) Adapter(id string) *llmprovider.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.providers[id]; ok {
		return e.adapter
	}
	return nil
}

// Breaker returns the per-provider circuit breaker for id, or nil. Callers
// wrap their adapter invocation in it so a run of failures opens the
// circuit and removes the provider from the candidate set until
// circuitConfig's ResetTimeout elapses.
func (s *Selector) Breaker(id string) circuitbreaker.CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.providers[id]; ok {
		return e.breaker
	}
	return nil
}

// IDs returns the registered provider ids in stable order.
func (s *Selector) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// RecordSuccess updates stats for id. The circuit breaker tracks its own
// outcome via Call/CallWithResult; this does not change its state.
func (s *Selector) RecordSuccess(id string, tokens int64, costUSD, latencyMS float64) {
	s.mu.RLock()
	e, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.RecordSuccess(tokens, costUSD, latencyMS, time.Now())
}

// RecordFailure updates stats for id. The circuit breaker itself tracks
// consecutive failures independently via Call/CallWithResult; this just
// keeps ProviderStats.ConsecutiveFailures in sync for scoring purposes.
func (s *Selector) RecordFailure(id string, errMsg string) {
	s.mu.RLock()
	e, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.RecordFailure(time.Now())
	e.lastError = errMsg
}

// Probe runs a health check for id if more than healthCheckInterval has
// elapsed since the last probe, regardless of caller concurrency.
func (s *Selector) Probe(ctx context.Context, id string) {
	s.probe(ctx, id, false)
}

// ForceProbe runs a health check for id immediately, ignoring the probe
// interval. Backs the on-demand health-check endpoint.
func (s *Selector) ForceProbe(ctx context.Context, id string) {
	s.probe(ctx, id, true)
}

func (s *Selector) probe(ctx context.Context, id string, force bool) {
	s.mu.RLock()
	e, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	due := force || time.Since(e.lastProbedAt) >= healthCheckInterval
	if due {
		e.lastProbedAt = time.Now()
	}
	e.mu.Unlock()
	if !due {
		return
	}

	health := e.adapter.HealthCheck(ctx)
	e.mu.Lock()
	e.health = health
	e.mu.Unlock()
}

// ProbeAll runs Probe concurrently across every registered provider.
func (s *Selector) ProbeAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Probe(ctx, id)
		}(id)
	}
	wg.Wait()
}

// ProviderSnapshot is a point-in-time, read-only view of one registered
// provider's runtime state, for the metrics/dashboard surface.
type ProviderSnapshot struct {
	ID           string
	Kind         llmtypes.ProviderKind
	CircuitState string
	Stats        llmtypes.ProviderStats
	Health       llmtypes.ProviderHealth
	LastError    string
}

// Snapshot returns a copy of every registered provider's current stats,
// health, and circuit state, in stable id order.
func (s *Selector) Snapshot() []ProviderSnapshot {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	out := make([]ProviderSnapshot, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		e, ok := s.providers[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		snap := ProviderSnapshot{
			ID:           e.id,
			Kind:         e.kind,
			CircuitState: e.breaker.State().String(),
			Stats:        e.stats,
			Health:       e.health,
			LastError:    e.lastError,
		}
		e.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func (s *Selector) isCandidate(e *entry, prefs Preferences) bool {
	if prefs.excludes(e.id) {
		return false
	}
	if e.breaker.State() == circuitbreaker.StateOpen {
		// The breaker only leaves Open inside a call, so once ResetTimeout
		// has passed since the last recorded use the provider is offered
		// again and that call becomes the half-open probe.
		e.mu.Lock()
		since := time.Since(e.stats.LastUsed)
		e.mu.Unlock()
		if since <= circuitConfig().ResetTimeout {
			return false
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.IsHealthy && e.health.WithinRateLimits
}

// Select picks a provider for op.
func (s *Selector) Select(op llmtypes.Operation, prefs Preferences) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]*entry, 0, len(s.providers))
	lastErrors := make(map[string]string)
	for _, id := range s.order {
		e := s.providers[id]
		e.mu.Lock()
		if e.lastError != "" {
			lastErrors[id] = e.lastError
		}
		e.mu.Unlock()
		if s.isCandidate(e, prefs) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return "", &AllProvidersUnavailable{LastErrors: lastErrors}
	}

	if prefs.PreferredProvider != "" {
		for _, e := range candidates {
			if e.id == prefs.PreferredProvider {
				return e.id, nil
			}
		}
	}
	if pref, ok := prefs.OperationPreferences[op]; ok && pref != "" {
		for _, e := range candidates {
			if e.id == pref {
				return e.id, nil
			}
		}
	}
	if prefs.CostOptimization {
		return pickBy(candidates, costKey), nil
	}
	if prefs.PerformancePriority {
		return pickBy(candidates, latencyKey), nil
	}
	return s.pickByCompositeScore(candidates, op), nil
}

type sortKey struct {
	primary float64
	latency float64
	id      string
}

func costKey(e *entry) sortKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	cost := 0.0
	if e.health.CostPerToken != nil {
		cost = *e.health.CostPerToken
	}
	return sortKey{primary: cost, latency: e.health.LatencyMS, id: e.id}
}

func latencyKey(e *entry) sortKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	cost := 0.0
	if e.health.CostPerToken != nil {
		cost = *e.health.CostPerToken
	}
	return sortKey{primary: e.health.LatencyMS, latency: cost, id: e.id}
}

func pickBy(candidates []*entry, keyFn func(*entry) sortKey) string {
	best := candidates[0]
	bestKey := keyFn(best)
	for _, e := range candidates[1:] {
		k := keyFn(e)
		if k.primary < bestKey.primary ||
			(k.primary == bestKey.primary && k.latency < bestKey.latency) ||
			(k.primary == bestKey.primary && k.latency == bestKey.latency && k.id < bestKey.id) {
			best, bestKey = e, k
		}
	}
	return best.id
}

func (s *Selector) pickByCompositeScore(candidates []*entry, op llmtypes.Operation) string {
	bestID := ""
	bestScore := -1.0
	for _, e := range candidates {
		score := compositeScore(e, op)
		if score > bestScore || (score == bestScore && e.id < bestID) {
			bestScore, bestID = score, e.id
		}
	}
	return bestID
}

func compositeScore(e *entry, op llmtypes.Operation) float64 {
	e.mu.Lock()
	stats := e.stats
	health := e.health
	e.mu.Unlock()

	base := stats.SuccessRate() / 100
	penalty := min(0.3, 0.1*float64(stats.ConsecutiveFailures))

	latencyBonus := max(0, (1000-health.LatencyMS)/1000) * 0.2

	costPerToken := 0.0001
	if health.CostPerToken != nil {
		costPerToken = *health.CostPerToken
	}
	costBonus := max(0, (0.0001-costPerToken)/0.0001) * 0.1

	var hoursSinceUse float64 = 24
	if !stats.LastUsed.IsZero() {
		hoursSinceUse = time.Since(stats.LastUsed).Hours()
	}
	recencyBonus := max(0, (24-hoursSinceUse)/24) * 0.05

	affinity := operationAffinity(e.kind, op)

	score := base - penalty + latencyBonus + costBonus + recencyBonus + affinity
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
