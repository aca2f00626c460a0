// Package pipeline implements the fan-out from one decompilation
// artifact set to the four LLM translation operations, with
// partial-failure tolerance, result aggregation, and cache
// write-through. Function-level calls run concurrently under a bounded
// errgroup; imports, strings, and the summary run in parallel lanes
// beside them.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/cacheresult"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/promptctx"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config is the per-run translation configuration; it doubles as the
// cache fingerprint input via ToCacheConfig.
type Config struct {
	Depth            cacheresult.Depth
	ExtractFunctions bool
	ExtractImports   bool
	ExtractStrings   bool
	MaxFunctions     int
	MaxStrings       int
	TimeoutSeconds   int
	QualityLevel     promptctx.QualityLevel
	AnalysisIntent   promptctx.AnalysisIntent
	Preferences      selector.Preferences
	FileTypeTag      string
}

// ToCacheConfig projects the fields that determine cache identity —
// only knobs that change the output participate in the fingerprint.
func (c Config) ToCacheConfig(fileHash, provider, model string) cacheresult.Config {
	return cacheresult.Config{
		FileHash:         fileHash,
		Depth:            c.Depth,
		ExtractFunctions: c.ExtractFunctions,
		ExtractImports:   c.ExtractImports,
		ExtractStrings:   c.ExtractStrings,
		MaxFunctions:     c.MaxFunctions,
		MaxStrings:       c.MaxStrings,
		LLMProvider:      provider,
		LLMModel:         model,
	}
}

// ProviderUsage aggregates per-provider totals across one pipeline run.
type ProviderUsage struct {
	Requests   int     `json:"requests"`
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

// Result is the DecompilationResult the job engine persists and the API
// returns from GET /jobs/{id}/result.
type Result struct {
	FileInfo           llmtypes.FileInfo              `json:"file_info"`
	Functions          []llmtypes.FunctionTranslation `json:"functions"`
	Imports            []llmtypes.ImportTranslation   `json:"imports"`
	Strings            []llmtypes.StringTranslation   `json:"strings"`
	OverallSummary     *llmtypes.OverallSummary       `json:"overall_summary,omitempty"`
	ProvidersUsed      map[llmtypes.Operation]string  `json:"providers_used"`
	ProviderUsage      map[string]*ProviderUsage      `json:"provider_usage"`
	TotalLLMTokensUsed int64                          `json:"total_llm_tokens_used"`
	TotalCostUSD       float64                        `json:"total_cost_usd"`
	TotalLatencyMS     int64                          `json:"total_latency_ms"`
	Errors             []string                       `json:"errors,omitempty"`
	PartialResults     bool                           `json:"partial_results"`
	Success            bool                           `json:"success"`
	CacheHit           bool                           `json:"cache_hit"`
}

// Pipeline orchestrates the four translation operations over one
// artifact set.
type Pipeline struct {
	selector    *selector.Selector
	cache       *cacheresult.Cache
	builder     *promptctx.Builder
	parallelism int
	logger      *zap.Logger
}

// New builds a Pipeline. parallelism bounds concurrent function
// translation calls; 0 defaults to 4.
func New(sel *selector.Selector, cache *cacheresult.Cache, builder *promptctx.Builder, parallelism int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Pipeline{
		selector:    sel,
		cache:       cache,
		builder:     builder,
		parallelism: parallelism,
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// Run executes the full fan-out over set under cfg, probing the cache
// first. ctx's deadline, if any, bounds every operation; per-operation
// calls are cancelled together when it expires and whatever already
// completed is returned.
func (p *Pipeline) Run(ctx context.Context, fileHash string, set llmtypes.ArtifactSet, cfg Config) (*Result, error) {
	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	// The cache key uses the summary op's provider as representative,
	// matching writeCache.
	provider := cfg.Preferences.PreferredProvider
	if id, err := p.selector.Select(llmtypes.OpGenerateOverallSummary, cfg.Preferences); err == nil {
		provider = id
	}
	model := ""
	cacheCfg := cfg.ToCacheConfig(fileHash, provider, model)

	if data, hit, err := p.cache.Get(ctx, fileHash, cacheCfg); err == nil && hit {
		var cached Result
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			cached.CacheHit = true
			return &cached, nil
		}
	}

	res := &Result{
		FileInfo:      set.FileInfo,
		ProvidersUsed: make(map[llmtypes.Operation]string),
		ProviderUsage: make(map[string]*ProviderUsage),
	}
	var mu sync.Mutex
	addError := func(msg string) {
		mu.Lock()
		res.Errors = append(res.Errors, msg)
		mu.Unlock()
	}
	recordProvider := func(op llmtypes.Operation, id string, meta llmtypes.ProviderMetadata, elapsed time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		res.ProvidersUsed[op] = id
		u, ok := res.ProviderUsage[id]
		if !ok {
			u = &ProviderUsage{}
			res.ProviderUsage[id] = u
		}
		u.Requests++
		u.TokensUsed += int64(meta.TokensUsed)
		if meta.CostEstimate != nil {
			u.CostUSD += *meta.CostEstimate
		}
		res.TotalLLMTokensUsed += int64(meta.TokensUsed)
		if meta.CostEstimate != nil {
			res.TotalCostUSD += *meta.CostEstimate
		}
		res.TotalLatencyMS += elapsed.Milliseconds()
	}

	var wg sync.WaitGroup
	anySuccess := false
	markSuccess := func() {
		mu.Lock()
		anySuccess = true
		mu.Unlock()
	}

	if cfg.ExtractFunctions && len(set.Functions) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runFunctions(ctx, set, cfg, res, &mu, addError, recordProvider); err == nil {
				markSuccess()
			}
		}()
	}
	if cfg.ExtractImports && len(set.Imports) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runImports(ctx, set, cfg, res, &mu, addError, recordProvider); err == nil {
				markSuccess()
			}
		}()
	}
	if cfg.ExtractStrings && len(set.Strings) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.runStrings(ctx, set, cfg, res, &mu, addError, recordProvider); err == nil {
				markSuccess()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.runSummary(ctx, set, cfg, res, &mu, addError, recordProvider); err == nil {
			markSuccess()
		}
	}()
	wg.Wait()

	res.PartialResults = len(res.Errors) > 0
	res.Success = anySuccess

	if res.Success {
		if err := p.writeCache(ctx, fileHash, cfg, res); err != nil {
			p.logger.Warn("pipeline: cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

type providerRecorder func(op llmtypes.Operation, id string, meta llmtypes.ProviderMetadata, elapsed time.Duration)

func (p *Pipeline) selectAndBreak(op llmtypes.Operation, prefs selector.Preferences) (string, error) {
	id, err := p.selector.Select(op, prefs)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Pipeline) runFunctions(ctx context.Context, set llmtypes.ArtifactSet, cfg Config, res *Result, mu *sync.Mutex, addError func(string), record providerRecorder) error {
	id, err := p.selectAndBreak(llmtypes.OpTranslateFunction, cfg.Preferences)
	if err != nil {
		addError(fmt.Sprintf("translate_function: provider selection failed: %v", err))
		return err
	}
	adapter := p.selector.Adapter(id)
	breaker := p.selector.Breaker(id)
	ctxBundle := p.builder.Build(llmtypes.OpTranslateFunction, set, cfg.AnalysisIntent, cfg.QualityLevel)

	functions := set.Functions
	if cfg.MaxFunctions > 0 && len(functions) > cfg.MaxFunctions {
		functions = functions[:cfg.MaxFunctions]
	}

	results := make([]llmtypes.FunctionTranslation, len(functions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	anyOK := false
	for i, fn := range functions {
		i, fn := i, fn
		g.Go(func() error {
			start := time.Now()
			var t llmtypes.FunctionTranslation
			callErr := breaker.Call(gctx, func() error {
				var innerErr error
				t, innerErr = adapter.TranslateFunction(gctx, fn, ctxBundle)
				return innerErr
			})
			elapsed := time.Since(start)
			if callErr != nil {
				p.selector.RecordFailure(id, callErr.Error())
				addError(fmt.Sprintf("translate_function(%s): %v", fn.Name, callErr))
				return nil
			}
			p.selector.RecordSuccess(id, int64(t.Provider.TokensUsed), costOf(t.Provider), float64(t.Provider.ProcessingTimeMS))
			record(llmtypes.OpTranslateFunction, id, t.Provider, elapsed)
			mu.Lock()
			results[i] = t
			anyOK = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	res.Functions = results
	mu.Unlock()
	if !anyOK {
		return fmt.Errorf("no function translations succeeded")
	}
	return nil
}

func (p *Pipeline) runImports(ctx context.Context, set llmtypes.ArtifactSet, cfg Config, res *Result, mu *sync.Mutex, addError func(string), record providerRecorder) error {
	id, err := p.selectAndBreak(llmtypes.OpExplainImports, cfg.Preferences)
	if err != nil {
		addError(fmt.Sprintf("explain_imports: provider selection failed: %v", err))
		return err
	}
	adapter := p.selector.Adapter(id)
	breaker := p.selector.Breaker(id)
	ctxBundle := p.builder.Build(llmtypes.OpExplainImports, set, cfg.AnalysisIntent, cfg.QualityLevel)

	start := time.Now()
	var out []llmtypes.ImportTranslation
	callErr := breaker.Call(ctx, func() error {
		var innerErr error
		out, innerErr = adapter.ExplainImports(ctx, set.Imports, ctxBundle)
		return innerErr
	})
	elapsed := time.Since(start)
	if callErr != nil {
		p.selector.RecordFailure(id, callErr.Error())
		addError(fmt.Sprintf("explain_imports: %v", callErr))
		return callErr
	}
	p.selector.RecordSuccess(id, sumTokens(out, func(t llmtypes.ImportTranslation) llmtypes.ProviderMetadata { return t.Provider }), 0, elapsed.Seconds()*1000)
	for _, t := range out {
		record(llmtypes.OpExplainImports, id, t.Provider, 0)
	}
	mu.Lock()
	res.Imports = out
	mu.Unlock()
	return nil
}

func (p *Pipeline) runStrings(ctx context.Context, set llmtypes.ArtifactSet, cfg Config, res *Result, mu *sync.Mutex, addError func(string), record providerRecorder) error {
	id, err := p.selectAndBreak(llmtypes.OpInterpretStrings, cfg.Preferences)
	if err != nil {
		addError(fmt.Sprintf("interpret_strings: provider selection failed: %v", err))
		return err
	}
	adapter := p.selector.Adapter(id)
	breaker := p.selector.Breaker(id)
	ctxBundle := p.builder.Build(llmtypes.OpInterpretStrings, set, cfg.AnalysisIntent, cfg.QualityLevel)

	strs := set.Strings
	if cfg.MaxStrings > 0 && len(strs) > cfg.MaxStrings {
		strs = strs[:cfg.MaxStrings]
	}

	start := time.Now()
	var out []llmtypes.StringTranslation
	callErr := breaker.Call(ctx, func() error {
		var innerErr error
		out, innerErr = adapter.InterpretStrings(ctx, strs, ctxBundle)
		return innerErr
	})
	elapsed := time.Since(start)
	if callErr != nil {
		p.selector.RecordFailure(id, callErr.Error())
		addError(fmt.Sprintf("interpret_strings: %v", callErr))
		return callErr
	}
	p.selector.RecordSuccess(id, sumTokens(out, func(t llmtypes.StringTranslation) llmtypes.ProviderMetadata { return t.Provider }), 0, elapsed.Seconds()*1000)
	for _, t := range out {
		record(llmtypes.OpInterpretStrings, id, t.Provider, 0)
	}
	mu.Lock()
	res.Strings = out
	mu.Unlock()
	return nil
}

func (p *Pipeline) runSummary(ctx context.Context, set llmtypes.ArtifactSet, cfg Config, res *Result, mu *sync.Mutex, addError func(string), record providerRecorder) error {
	id, err := p.selectAndBreak(llmtypes.OpGenerateOverallSummary, cfg.Preferences)
	if err != nil {
		addError(fmt.Sprintf("generate_overall_summary: provider selection failed: %v", err))
		return err
	}
	adapter := p.selector.Adapter(id)
	breaker := p.selector.Breaker(id)
	ctxBundle := p.builder.Build(llmtypes.OpGenerateOverallSummary, set, cfg.AnalysisIntent, cfg.QualityLevel)

	start := time.Now()
	var summary llmtypes.OverallSummary
	callErr := breaker.Call(ctx, func() error {
		var innerErr error
		summary, innerErr = adapter.GenerateOverallSummary(ctx, set, ctxBundle)
		return innerErr
	})
	elapsed := time.Since(start)
	if callErr != nil {
		p.selector.RecordFailure(id, callErr.Error())
		addError(fmt.Sprintf("generate_overall_summary: %v", callErr))
		return callErr
	}
	p.selector.RecordSuccess(id, int64(summary.Provider.TokensUsed), costOf(summary.Provider), float64(elapsed.Milliseconds()))
	record(llmtypes.OpGenerateOverallSummary, id, summary.Provider, elapsed)
	mu.Lock()
	res.OverallSummary = &summary
	mu.Unlock()
	return nil
}

func (p *Pipeline) writeCache(ctx context.Context, fileHash string, cfg Config, res *Result) error {
	provider := ""
	if id, ok := res.ProvidersUsed[llmtypes.OpGenerateOverallSummary]; ok {
		provider = id
	}
	cacheCfg := cfg.ToCacheConfig(fileHash, provider, "")
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("pipeline: marshal result: %w", err)
	}
	return p.cache.Set(ctx, fileHash, cacheCfg, data, cfg.FileTypeTag, 0)
}

func costOf(m llmtypes.ProviderMetadata) float64 {
	if m.CostEstimate != nil {
		return *m.CostEstimate
	}
	return 0
}

func sumTokens[T any](items []T, meta func(T) llmtypes.ProviderMetadata) int64 {
	var total int64
	for _, it := range items {
		total += int64(meta(it).TokensUsed)
	}
	return total
}
