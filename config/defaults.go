// =============================================================================
// Default configuration values
// =============================================================================
package config

import "time"

// DefaultConfig returns configuration populated with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		App:      DefaultAppConfig(),
		API:      DefaultAPIConfig(),
		KV:       DefaultKVConfig(),
		Analysis: DefaultAnalysisConfig(),
		Security: DefaultSecurityConfig(),
		Cache:    DefaultCacheConfig(),
		LLM:      DefaultLLMConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultAppConfig returns default application-wide settings.
func DefaultAppConfig() AppConfig {
	return AppConfig{
		Environment: "development",
	}
}

// DefaultAPIConfig returns default HTTP server settings.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Host:               "0.0.0.0",
		Port:               8080,
		Workers:            4,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       20,
		RateLimitBurst:     40,
	}
}

// DefaultKVConfig returns default KV store connection settings.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		Host:           "localhost",
		Port:           6379,
		DB:             0,
		Password:       "",
		MaxConnections: 10,
	}
}

// DefaultAnalysisConfig returns default decompilation job limits.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		MaxFileSizeMB:         100,
		DefaultTimeoutSeconds: 300,
		MaxTimeoutSeconds:     1800,
		WorkerMemoryLimitMB:   2048,
		TempDirectory:         "/tmp/bin2nlp",
	}
}

// DefaultSecurityConfig returns default API key and rate limit settings.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		DefaultRateLimitPerMinute: 60,
		DefaultRateLimitPerDay:    10000,
		APIKeyPrefix:              "b2n_",
		EnforceHTTPS:              false,
	}
}

// DefaultCacheConfig returns default result cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		AnalysisResultTTLSeconds: 24 * 60 * 60,
		MaxCacheSizeMB:           512,
	}
}

// DefaultLLMConfig returns default LLM provider settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		DefaultProvider: "openai",
		Timeout:         2 * time.Minute,
		MaxRetries:      3,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
