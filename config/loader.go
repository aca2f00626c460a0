// =============================================================================
// Configuration loader
// =============================================================================
// Unified configuration loading: defaults, then an optional YAML file, then
// environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BIN2NLP").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete service configuration.
type Config struct {
	App      AppConfig      `yaml:"app" env:"APP"`
	API      APIConfig      `yaml:"api" env:"API"`
	KV       KVConfig       `yaml:"kv" env:"KV"`
	Analysis AnalysisConfig `yaml:"analysis" env:"ANALYSIS"`
	Security SecurityConfig `yaml:"security" env:"SECURITY"`
	Cache    CacheConfig    `yaml:"cache" env:"CACHE"`
	LLM      LLMConfig      `yaml:"llm" env:"LLM"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
}

// AppConfig carries deployment-wide settings.
type AppConfig struct {
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// CORSAllowedOrigins lists allowed cross-origin request origins ("*"
	// for any). It is loaded and defaulted only: the server's middleware
	// chain has no CORS handler and sets no Access-Control-* headers.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// RateLimitRPS and RateLimitBurst bound the coarse per-IP token bucket
	// applied ahead of API key authentication, independent of the
	// per-key limits in SecurityConfig.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// KVConfig configures the Redis-compatible key/value backend backing job
// state, rate limit counters, and cached analysis results.
type KVConfig struct {
	Host           string `yaml:"host" env:"HOST"`
	Port           int    `yaml:"port" env:"PORT"`
	DB             int    `yaml:"db" env:"DB"`
	Password       string `yaml:"password" env:"PASSWORD"`
	MaxConnections int    `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// AnalysisConfig bounds the decompilation job engine.
type AnalysisConfig struct {
	MaxFileSizeMB         int    `yaml:"max_file_size_mb" env:"MAX_FILE_SIZE_MB"`
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds" env:"DEFAULT_TIMEOUT_SECONDS"`
	MaxTimeoutSeconds     int    `yaml:"max_timeout_seconds" env:"MAX_TIMEOUT_SECONDS"`
	WorkerMemoryLimitMB   int    `yaml:"worker_memory_limit_mb" env:"WORKER_MEMORY_LIMIT_MB"`
	TempDirectory         string `yaml:"temp_directory" env:"TEMP_DIRECTORY"`
}

// SecurityConfig configures API key scoping and rate limit defaults.
type SecurityConfig struct {
	DefaultRateLimitPerMinute int    `yaml:"default_rate_limit_per_minute" env:"DEFAULT_RATE_LIMIT_PER_MINUTE"`
	DefaultRateLimitPerDay    int    `yaml:"default_rate_limit_per_day" env:"DEFAULT_RATE_LIMIT_PER_DAY"`
	APIKeyPrefix              string `yaml:"api_key_prefix" env:"API_KEY_PREFIX"`
	EnforceHTTPS              bool   `yaml:"enforce_https" env:"ENFORCE_HTTPS"`
}

// CacheConfig configures the result cache layer.
type CacheConfig struct {
	AnalysisResultTTLSeconds int `yaml:"analysis_result_ttl_seconds" env:"ANALYSIS_RESULT_TTL_SECONDS"`
	MaxCacheSizeMB           int `yaml:"max_cache_size_mb" env:"MAX_CACHE_SIZE_MB"`
}

// LLMConfig configures the default provider and call defaults. Provider
// credentials are not part of the yaml-tagged tree: the server reads them
// directly from the environment (registerProviders in cmd/bin2nlp), so
// they never appear in a dump of Config.
type LLMConfig struct {
	DefaultProvider string        `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads configuration using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BIN2NLP",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration.
// Priority: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration overrides from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv applies environment variable overrides.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv recursively sets struct fields from env tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue assigns a string env value onto a reflected struct field.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads configuration, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants that default values and env parsing cannot
// enforce on their own.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, "invalid API port")
	}
	if c.Analysis.MaxFileSizeMB <= 0 {
		errs = append(errs, "analysis max_file_size_mb must be positive")
	}
	if c.Analysis.DefaultTimeoutSeconds <= 0 || c.Analysis.MaxTimeoutSeconds <= 0 {
		errs = append(errs, "analysis timeouts must be positive")
	}
	if c.Analysis.DefaultTimeoutSeconds > c.Analysis.MaxTimeoutSeconds {
		errs = append(errs, "analysis default_timeout_seconds must not exceed max_timeout_seconds")
	}
	if c.Security.DefaultRateLimitPerMinute <= 0 {
		errs = append(errs, "security default_rate_limit_per_minute must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Addr returns the host:port the KV client should dial.
func (k *KVConfig) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}
