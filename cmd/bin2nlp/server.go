package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Onegaishimas/bin2nlp/api/handlers"
	"github.com/Onegaishimas/bin2nlp/config"
	"github.com/Onegaishimas/bin2nlp/internal/auth"
	"github.com/Onegaishimas/bin2nlp/internal/cacheresult"
	"github.com/Onegaishimas/bin2nlp/internal/decompile"
	"github.com/Onegaishimas/bin2nlp/internal/jobs"
	"github.com/Onegaishimas/bin2nlp/internal/kvstore"
	"github.com/Onegaishimas/bin2nlp/internal/llmprovider"
	"github.com/Onegaishimas/bin2nlp/internal/llmtypes"
	"github.com/Onegaishimas/bin2nlp/internal/metrics"
	"github.com/Onegaishimas/bin2nlp/internal/pipeline"
	"github.com/Onegaishimas/bin2nlp/internal/promptctx"
	"github.com/Onegaishimas/bin2nlp/internal/ratelimit"
	"github.com/Onegaishimas/bin2nlp/internal/selector"
	"github.com/Onegaishimas/bin2nlp/internal/server"
	"github.com/Onegaishimas/bin2nlp/internal/uploads"
	"github.com/Onegaishimas/bin2nlp/llm/budget"
	"github.com/Onegaishimas/bin2nlp/llm/factory"
	"github.com/Onegaishimas/bin2nlp/llm/retry"
)

// Service 聚合服务的全部进程级资源，按依赖顺序构建、逆序关闭。
type Service struct {
	cfg       *config.Config
	logger    *zap.Logger
	kv        kvstore.Store
	engine    *jobs.Engine
	selector  *selector.Selector
	collector *metrics.Collector
	manager   *server.Manager

	engineCancel context.CancelFunc
}

// buildService wires every component from config. Nothing is started yet;
// Run does that.
func buildService(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	kv, err := kvstore.New(kvstore.Config{
		Addr:     fmt.Sprintf("%s:%d", cfg.KV.Host, cfg.KV.Port),
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
		PoolSize: cfg.KV.MaxConnections,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting KV store: %w", err)
	}

	collector := metrics.NewCollector("bin2nlp", logger)

	authStore := auth.NewStore(kv, cfg.Security.APIKeyPrefix)

	limiter, err := ratelimit.New(kv, tierPolicies(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}
	limiter.OnError(func(scope string) { collector.RecordKVError("ratelimit_" + scope) })

	cache := cacheresult.New(kv,
		time.Duration(cfg.Cache.AnalysisResultTTLSeconds)*time.Second, collector, logger)

	sel := selector.New(logger)
	if err := registerProviders(sel, cfg, logger); err != nil {
		return nil, err
	}

	pl := pipeline.New(sel, cache, promptctx.New(), 4, logger)

	uploadDir := cfg.Analysis.TempDirectory
	if uploadDir == "" {
		uploadDir = os.TempDir()
	}
	maxUpload := int64(cfg.Analysis.MaxFileSizeMB) << 20
	uploadStore, err := uploads.NewStore(uploadDir, maxUpload, logger)
	if err != nil {
		return nil, fmt.Errorf("preparing upload directory: %w", err)
	}

	decompiler, err := decompile.NewRunner(decompile.Config{
		Command: decompilerCommand(),
		Timeout: time.Duration(cfg.Analysis.MaxTimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring decompiler: %w", err)
	}

	engineCfg := jobs.DefaultEngineConfig()
	engineCfg.Workers = cfg.API.Workers
	engineCfg.JobTimeout = time.Duration(cfg.Analysis.MaxTimeoutSeconds) * time.Second
	engine := jobs.New(jobs.NewStore(kv), pl, decompiler, nil, engineCfg, logger)

	alertManager := metrics.NewAlertManager()

	mux := buildRoutes(routeDeps{
		cfg:          cfg,
		logger:       logger,
		kv:           kv,
		engine:       engine,
		selector:     sel,
		cache:        cache,
		limiter:      limiter,
		uploads:      uploadStore,
		alerts:       alertManager,
		collector:    collector,
		authStore:    authStore,
		maxUploadLen: maxUpload,
	})

	handler := Chain(mux,
		Recovery(logger),
		RequestID(),
		SecurityHeaders(cfg.Security.EnforceHTTPS),
		RequestLogger(logger, collector),
		PerIPRateLimit(cfg.API.RateLimitRPS, cfg.API.RateLimitBurst, logger),
		APIKeyAuth(authStore, logger, "/health", "/healthz", "/ready", "/version", "/metrics"),
		TieredRateLimit(limiter, collector, logger),
	)

	manager := server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		ReadTimeout:     cfg.API.ReadTimeout,
		WriteTimeout:    cfg.API.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, logger)

	return &Service{
		cfg:       cfg,
		logger:    logger,
		kv:        kv,
		engine:    engine,
		selector:  sel,
		collector: collector,
		manager:   manager,
	}, nil
}

type routeDeps struct {
	cfg          *config.Config
	logger       *zap.Logger
	kv           kvstore.Store
	engine       *jobs.Engine
	selector     *selector.Selector
	cache        *cacheresult.Cache
	limiter      *ratelimit.Limiter
	uploads      *uploads.Store
	alerts       *metrics.AlertManager
	collector    *metrics.Collector
	authStore    *auth.Store
	maxUploadLen int64
}

// buildRoutes 注册全部 HTTP 端点及其 scope 要求。
func buildRoutes(deps routeDeps) *http.ServeMux {
	uploadHandler := handlers.NewUploadHandler(deps.uploads, deps.maxUploadLen, deps.logger)
	jobsHandler := handlers.NewJobsHandler(deps.engine, deps.uploads, handlers.JobsConfig{
		DefaultTimeoutSeconds: deps.cfg.Analysis.DefaultTimeoutSeconds,
		MaxTimeoutSeconds:     deps.cfg.Analysis.MaxTimeoutSeconds,
	}, deps.logger)
	providersHandler := handlers.NewProvidersHandler(deps.selector, deps.logger)
	systemHandler := handlers.NewSystemHandler(deps.engine, deps.selector, deps.cache,
		deps.limiter, deps.alerts, deps.logger)

	healthHandler := handlers.NewHealthHandler(deps.logger)
	healthHandler.RegisterCheck(handlers.NewKVHealthCheck("kv_store", deps.kv.Ping))

	mux := http.NewServeMux()

	// 公共端点
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	// 上传
	mux.HandleFunc("POST /upload", RequireScope(auth.ScopeUploadCreate, uploadHandler.HandleUpload))

	// 任务生命周期
	mux.HandleFunc("POST /jobs", RequireScope(auth.ScopeJobsCreate, jobsHandler.HandleCreate))
	mux.HandleFunc("GET /jobs", RequireScope(auth.ScopeJobsRead, jobsHandler.HandleList))
	mux.HandleFunc("GET /jobs/{id}", RequireScope(auth.ScopeJobsRead, jobsHandler.HandleGet))
	mux.HandleFunc("POST /jobs/{id}/actions", RequireScope(auth.ScopeJobsCancel, jobsHandler.HandleAction))
	mux.HandleFunc("GET /jobs/{id}/result", RequireScope(auth.ScopeAnalysisRead, jobsHandler.HandleResult))

	// LLM provider 检视
	mux.HandleFunc("GET /llm-providers", RequireScope(auth.ScopeProvidersRead, providersHandler.HandleList))
	mux.HandleFunc("GET /llm-providers/{id}", RequireScope(auth.ScopeProvidersRead, providersHandler.HandleGet))
	mux.HandleFunc("POST /llm-providers/{id}/health-check", RequireScope(auth.ScopeProvidersRead, providersHandler.HandleHealthCheck))

	// 管理面
	mux.HandleFunc("GET /dashboard", RequireScope(auth.ScopeAdminRead, systemHandler.HandleDashboard))
	mux.HandleFunc("GET /alerts", RequireScope(auth.ScopeAdminRead, systemHandler.HandleAlerts))

	return mux
}

// tierPolicies builds the tier table, applying the SECURITY_* default
// overrides onto the basic tier.
func tierPolicies(cfg *config.Config) map[llmtypes.Tier]llmtypes.TierPolicy {
	policies := llmtypes.DefaultTierPolicies()
	if cfg.Security.DefaultRateLimitPerMinute > 0 || cfg.Security.DefaultRateLimitPerDay > 0 {
		basic := policies[llmtypes.TierBasic]
		if cfg.Security.DefaultRateLimitPerMinute > 0 {
			basic.PerMinute = cfg.Security.DefaultRateLimitPerMinute
			if hour := basic.PerMinute * 60; basic.PerHour < hour {
				basic.PerHour = hour
			}
		}
		if cfg.Security.DefaultRateLimitPerDay > 0 {
			basic.PerDay = cfg.Security.DefaultRateLimitPerDay
			if basic.PerHour > basic.PerDay {
				basic.PerHour = basic.PerDay
			}
		}
		policies[llmtypes.TierBasic] = basic
	}
	return policies
}

// providerEnv describes one provider kind's bootstrap environment.
type providerEnv struct {
	id      string
	kind    llmtypes.ProviderKind
	keyVar  string
	baseVar string
	model   string
}

// providerEnvs is the fixed set of backends the service registers when
// their credentials are present. Ollama needs no key, only a reachable
// base URL.
var providerEnvs = []providerEnv{
	{id: "openai", kind: llmtypes.KindOpenAI, keyVar: "OPENAI_API_KEY", model: "gpt-4o-mini"},
	{id: "anthropic", kind: llmtypes.KindAnthropic, keyVar: "ANTHROPIC_API_KEY", model: "claude-sonnet-5-20260115"},
	{id: "gemini", kind: llmtypes.KindGemini, keyVar: "GEMINI_API_KEY", model: "gemini-2.0-flash"},
	{id: "ollama", kind: llmtypes.KindOllama, baseVar: "OLLAMA_BASE_URL", model: "llama3.1"},
}

// registerProviders builds an adapter per configured backend and hands it
// to the selector. Registration is a startup-only operation; at least one
// provider must come up or the service refuses to start.
func registerProviders(sel *selector.Selector, cfg *config.Config, logger *zap.Logger) error {
	policy := retry.DefaultRetryPolicy()
	policy.MaxRetries = cfg.LLM.MaxRetries

	// One cost controller shared across every backend: the ceilings bound
	// the process's total outbound spend, not a single provider's.
	costControl := budget.NewController(budget.DefaultConfig(), logger)

	registered := 0
	for _, pe := range providerEnvs {
		apiKey := os.Getenv(pe.keyVar)
		baseURL := ""
		if pe.baseVar != "" {
			baseURL = os.Getenv(pe.baseVar)
		}
		if pe.keyVar != "" && apiKey == "" {
			continue
		}
		if pe.keyVar == "" && baseURL == "" {
			continue
		}

		model := os.Getenv("LLM_" + strings.ToUpper(pe.id) + "_MODEL")
		if model == "" {
			model = pe.model
		}

		provider, err := factory.NewProviderFromConfig(pe.id, factory.ProviderConfig{
			APIKey:  apiKey,
			BaseURL: baseURL,
			Model:   model,
			Timeout: cfg.LLM.Timeout,
		}, logger)
		if err != nil {
			logger.Warn("skipping provider: initialization failed",
				zap.String("provider", pe.id), zap.Error(err))
			continue
		}

		adapter := llmprovider.New(provider, llmtypes.ProviderConfig{
			Kind:         pe.kind,
			Name:         pe.id,
			APIKey:       apiKey,
			BaseURL:      baseURL,
			DefaultModel: model,
			Timeout:      cfg.LLM.Timeout,
		}, policy, logger).WithBudget(costControl)
		sel.Register(pe.id, pe.kind, adapter)
		registered++
		logger.Info("provider registered", zap.String("provider", pe.id), zap.String("model", model))
	}

	if registered == 0 {
		return fmt.Errorf("no LLM providers configured: set at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, or OLLAMA_BASE_URL")
	}
	return nil
}

// decompilerCommand resolves the external engine command, overridable for
// deployments that ship the engine under a different name.
func decompilerCommand() string {
	if cmd := os.Getenv("DECOMPILER_COMMAND"); cmd != "" {
		return cmd
	}
	return "b2n-decompile"
}

// Run starts the worker pool and the HTTP server, then blocks until a
// shutdown signal arrives.
func (s *Service) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.engineCancel = cancel

	if n, err := s.engine.RecoverOnStartup(ctx); err != nil {
		s.logger.Warn("startup job recovery failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("re-admitted interrupted jobs", zap.Int("count", n))
	}
	s.engine.Start(ctx)

	if err := s.manager.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	s.logger.Info("bin2nlp listening",
		zap.String("addr", s.manager.Addr()),
		zap.String("environment", s.cfg.App.Environment))

	s.manager.WaitForShutdown()
	return nil
}

// Shutdown tears the service down in reverse dependency order.
func (s *Service) Shutdown() {
	if s.engineCancel != nil {
		s.engineCancel()
	}
	s.engine.Stop()
	if err := s.kv.Close(); err != nil {
		s.logger.Warn("closing KV store", zap.Error(err))
	}
	_ = s.logger.Sync()
}
