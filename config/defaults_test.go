package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, AppConfig{}, cfg.App)
	assert.NotEqual(t, APIConfig{}, cfg.API)
	assert.NotEqual(t, KVConfig{}, cfg.KV)
	assert.NotEqual(t, AnalysisConfig{}, cfg.Analysis)
	assert.NotEqual(t, SecurityConfig{}, cfg.Security)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, LLMConfig{}, cfg.LLM)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
}

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()
	assert.Equal(t, "development", cfg.Environment)
}

func TestDefaultAPIConfig(t *testing.T) {
	cfg := DefaultAPIConfig()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultKVConfig(t *testing.T) {
	cfg := DefaultKVConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, 0, cfg.DB)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 10, cfg.MaxConnections)
}

func TestDefaultAnalysisConfig(t *testing.T) {
	cfg := DefaultAnalysisConfig()
	assert.Equal(t, 100, cfg.MaxFileSizeMB)
	assert.Equal(t, 300, cfg.DefaultTimeoutSeconds)
	assert.Equal(t, 1800, cfg.MaxTimeoutSeconds)
	assert.Equal(t, 2048, cfg.WorkerMemoryLimitMB)
	assert.NotEmpty(t, cfg.TempDirectory)
}

func TestDefaultSecurityConfig(t *testing.T) {
	cfg := DefaultSecurityConfig()
	assert.Equal(t, 60, cfg.DefaultRateLimitPerMinute)
	assert.Equal(t, 10000, cfg.DefaultRateLimitPerDay)
	assert.Equal(t, "b2n_", cfg.APIKeyPrefix)
	assert.False(t, cfg.EnforceHTTPS)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.Equal(t, 24*60*60, cfg.AnalysisResultTTLSeconds)
	assert.Equal(t, 512, cfg.MaxCacheSizeMB)
}

func TestDefaultLLMConfig(t *testing.T) {
	cfg := DefaultLLMConfig()
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}
