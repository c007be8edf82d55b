package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
log:
  level: debug
  format: console
gateway:
  base_url: https://proxy.internal
  api_key: shared-key
providers:
  openai:
    default_model: gpt-4o-mini
    models: [gpt-4o-mini, gpt-4.1]
    headers:
      OpenAI-Organization: org-1
    timeout: 45s
  anthropic:
    api_key: anthropic-key
    base_url: https://api.anthropic.com
  gemini:
    disabled: true
retry:
  max_retries: 5
  initial_delay: 250ms
  max_delay: 10s
fallback:
  enabled: false
  max_attempts: 1
  categories: [rate_limit, timeout]
`

func noEnv(string) (string, bool) { return "", false }

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 45*time.Second, cfg.Providers.OpenAI.Timeout.Std())
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4.1"}, cfg.Providers.OpenAI.Models)
	assert.True(t, cfg.Providers.Gemini.Disabled)

	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay.Std())
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay.Std())
	// untouched keys keep their defaults
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, 0.25, cfg.Retry.Jitter)

	assert.False(t, cfg.Fallback.Enabled)
	assert.Equal(t, 1, cfg.Fallback.MaxAttempts)
	assert.Equal(t, []string{"rate_limit", "timeout"}, cfg.Fallback.Categories)
}

func TestParse_RejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("retry:\n  initial_delay: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestGatewayDefaultsFillProviders(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	cfg.ApplyEnv(noEnv)
	cfg.ApplyGatewayDefaults()

	assert.Equal(t, "shared-key", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "https://proxy.internal", cfg.Providers.OpenAI.BaseURL)
	assert.Equal(t, "anthropic-key", cfg.Providers.Anthropic.APIKey)
	assert.Equal(t, "https://api.anthropic.com", cfg.Providers.Anthropic.BaseURL)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_OverridesGateway(t *testing.T) {
	cfg := Default()
	cfg.Gateway = GatewayConfig{BaseURL: "https://file", APIKey: "file-key"}

	env := map[string]string{EnvBaseURL: " https://env ", EnvAPIKey: ""}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "https://env", cfg.Gateway.BaseURL)
	assert.Equal(t, "file-key", cfg.Gateway.APIKey, "blank env value must not clear the key")
}

func TestEnabledKeepsRegistrationOrder(t *testing.T) {
	p := ProvidersConfig{Anthropic: ProviderConfig{Disabled: true}}
	enabled := p.Enabled()
	require.Len(t, enabled, 2)
	assert.Equal(t, "openai", enabled[0].Name)
	assert.Equal(t, "gemini", enabled[1].Name)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Gateway.APIKey = "k"
		cfg.ApplyGatewayDefaults()
		return cfg
	}
	require.NoError(t, valid().Validate())

	relayed := valid()
	relayed.Gateway.StreamURL = "https://gateway.internal"
	require.NoError(t, relayed.Validate())

	cases := map[string]func(*Config){
		"bad port":         func(c *Config) { c.Server.Port = 70000 },
		"bad level":        func(c *Config) { c.Log.Level = "trace" },
		"bad format":       func(c *Config) { c.Log.Format = "xml" },
		"missing key":      func(c *Config) { c.Providers.Gemini.APIKey = "" },
		"empty model":      func(c *Config) { c.Providers.OpenAI.Models = []string{" "} },
		"bad header":       func(c *Config) { c.Providers.OpenAI.Headers = Headers{"X_Bad": "1"} },
		"negative retries": func(c *Config) { c.Retry.MaxRetries = -1 },
		"inverted delays":  func(c *Config) { c.Retry.InitialDelay = Duration(time.Minute) },
		"low multiplier":   func(c *Config) { c.Retry.Multiplier = 0.5 },
		"jitter range":     func(c *Config) { c.Retry.Jitter = 1.5 },
		"negative bound":   func(c *Config) { c.Fallback.MaxAttempts = -1 },
		"blank category":   func(c *Config) { c.Fallback.Categories = []string{""} },
		"stream url":       func(c *Config) { c.Gateway.StreamURL = "gateway.internal/v1" },
		"all disabled": func(c *Config) {
			c.Providers.OpenAI.Disabled = true
			c.Providers.Anthropic.Disabled = true
			c.Providers.Gemini.Disabled = true
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvBaseURL, "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "env-key", cfg.Providers.Anthropic.APIKey)
	assert.True(t, cfg.Fallback.Enabled)
}

func TestLoadDotEnv_IgnoresMissingFile(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GATEWAY_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("GATEWAY_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("GATEWAY_TEST_DOTENV"))
}
