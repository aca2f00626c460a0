// =============================================================================
// bin2nlp 主入口
// =============================================================================
// 完整服务入口点：HTTP API、任务 worker 池、健康检查、Prometheus 指标。
//
// 使用方法:
//
//	bin2nlp serve                       # 启动服务
//	bin2nlp serve --config config.yaml  # 指定配置文件
//	bin2nlp version                     # 显示版本信息
//	bin2nlp health                      # 对运行中的实例做健康检查
//
// =============================================================================
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Onegaishimas/bin2nlp/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("bin2nlp %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "health":
		runHealth(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: bin2nlp <command> [flags]

commands:
  serve     start the HTTP service and job workers
  version   print build information
  health    probe a running instance's /healthz`)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "optional YAML config file")
	_ = fs.Parse(args)

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(validateForEnvironment).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	defer svc.Shutdown()

	if err := svc.Run(); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "base URL of the running instance")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "unhealthy: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("ok")
}

// validateForEnvironment fails startup loudly when production-required
// settings are missing, per the deployment contract.
func validateForEnvironment(cfg *config.Config) error {
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("API_PORT %d is out of range", cfg.API.Port)
	}
	if cfg.Analysis.MaxFileSizeMB <= 0 {
		return fmt.Errorf("ANALYSIS_MAX_FILE_SIZE_MB must be positive")
	}
	if cfg.Analysis.DefaultTimeoutSeconds > cfg.Analysis.MaxTimeoutSeconds {
		return fmt.Errorf("ANALYSIS_DEFAULT_TIMEOUT_SECONDS exceeds ANALYSIS_MAX_TIMEOUT_SECONDS")
	}

	if cfg.App.Environment != "production" {
		return nil
	}
	if cfg.KV.Password == "" {
		return fmt.Errorf("KV_PASSWORD is required in production")
	}
	if !cfg.Security.EnforceHTTPS {
		return fmt.Errorf("SECURITY_ENFORCE_HTTPS must be enabled in production")
	}
	if !anyProviderConfigured() {
		return fmt.Errorf("at least one LLM provider credential (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, OLLAMA_BASE_URL) is required in production")
	}
	return nil
}

func anyProviderConfigured() bool {
	for _, v := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "OLLAMA_BASE_URL"} {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

// buildLogger constructs the process logger from LogConfig.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Log.Format == "console" || cfg.App.Environment == "development" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(cfg.Log.OutputPaths) > 0 {
		zc.OutputPaths = cfg.Log.OutputPaths
	}
	zc.DisableCaller = !cfg.Log.EnableCaller
	zc.DisableStacktrace = !cfg.Log.EnableStacktrace

	return zc.Build()
}
