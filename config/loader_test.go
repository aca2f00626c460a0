package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, 4, cfg.API.Workers)
	assert.Equal(t, 30*time.Second, cfg.API.ReadTimeout)

	assert.Equal(t, "localhost", cfg.KV.Host)
	assert.Equal(t, 6379, cfg.KV.Port)
	assert.Equal(t, 0, cfg.KV.DB)

	assert.Equal(t, 100, cfg.Analysis.MaxFileSizeMB)
	assert.Equal(t, 300, cfg.Analysis.DefaultTimeoutSeconds)
	assert.Equal(t, 1800, cfg.Analysis.MaxTimeoutSeconds)

	assert.Equal(t, 60, cfg.Security.DefaultRateLimitPerMinute)
	assert.Equal(t, "b2n_", cfg.Security.APIKeyPrefix)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, "localhost", cfg.KV.Host)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
api:
  port: 8888
  workers: 8
  read_timeout: 60s

kv:
  host: "kv.example.com"
  password: "secret"
  db: 1

analysis:
  max_file_size_mb: 250

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.API.Port)
	assert.Equal(t, 8, cfg.API.Workers)
	assert.Equal(t, 60*time.Second, cfg.API.ReadTimeout)

	assert.Equal(t, "kv.example.com", cfg.KV.Host)
	assert.Equal(t, "secret", cfg.KV.Password)
	assert.Equal(t, 1, cfg.KV.DB)

	assert.Equal(t, 250, cfg.Analysis.MaxFileSizeMB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	envVars := map[string]string{
		"BIN2NLP_API_PORT":                               "7777",
		"BIN2NLP_API_WORKERS":                            "16",
		"BIN2NLP_KV_HOST":                                "env-kv",
		"BIN2NLP_ANALYSIS_MAX_FILE_SIZE_MB":              "500",
		"BIN2NLP_SECURITY_DEFAULT_RATE_LIMIT_PER_MINUTE": "120",
		"BIN2NLP_LOG_LEVEL":                              "warn",
	}

	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.API.Port)
	assert.Equal(t, 16, cfg.API.Workers)
	assert.Equal(t, "env-kv", cfg.KV.Host)
	assert.Equal(t, 500, cfg.Analysis.MaxFileSizeMB)
	assert.Equal(t, 120, cfg.Security.DefaultRateLimitPerMinute)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
api:
  port: 8888
kv:
  host: "yaml-kv"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("BIN2NLP_API_PORT", "9999")
	os.Setenv("BIN2NLP_KV_HOST", "env-kv")
	defer func() {
		os.Unsetenv("BIN2NLP_API_PORT")
		os.Unsetenv("BIN2NLP_KV_HOST")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.API.Port)
	assert.Equal(t, "env-kv", cfg.KV.Host)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_API_PORT", "6666")
	os.Setenv("MYAPP_KV_HOST", "custom-prefix-kv")
	defer func() {
		os.Unsetenv("MYAPP_API_PORT")
		os.Unsetenv("MYAPP_KV_HOST")
	}()

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.API.Port)
	assert.Equal(t, "custom-prefix-kv", cfg.KV.Host)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.API.Port < 1024 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("BIN2NLP_API_PORT", "80")
	defer os.Unsetenv("BIN2NLP_API_PORT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.API.Port)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
api:
  port: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid API port (negative)",
			modify: func(c *Config) {
				c.API.Port = -1
			},
			wantErr: true,
		},
		{
			name: "invalid API port (too large)",
			modify: func(c *Config) {
				c.API.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid max file size",
			modify: func(c *Config) {
				c.Analysis.MaxFileSizeMB = 0
			},
			wantErr: true,
		},
		{
			name: "default timeout exceeds max timeout",
			modify: func(c *Config) {
				c.Analysis.DefaultTimeoutSeconds = c.Analysis.MaxTimeoutSeconds + 1
			},
			wantErr: true,
		},
		{
			name: "invalid rate limit",
			modify: func(c *Config) {
				c.Security.DefaultRateLimitPerMinute = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestKVConfig_Addr(t *testing.T) {
	kv := KVConfig{Host: "localhost", Port: 6379}
	assert.Equal(t, "localhost:6379", kv.Addr())
}

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
api:
  port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 8080, cfg.API.Port)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("BIN2NLP_KV_HOST", "env-only-kv")
	defer os.Unsetenv("BIN2NLP_KV_HOST")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-only-kv", cfg.KV.Host)
}
