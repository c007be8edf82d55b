package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted after the YAML file is parsed.
const (
	EnvBaseURL = "GATEWAY_BASE_URL"
	EnvAPIKey  = "GATEWAY_API_KEY"
)

const (
	defaultPort      = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "json"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Providers ProvidersConfig `yaml:"providers"`
	Retry     RetryConfig     `yaml:"retry"`
	Fallback  FallbackConfig  `yaml:"fallback"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatewayConfig is the proxy backend shared by every adapter. Its values are
// the defaults for each provider's base URL and API key.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// StreamURL, when set, relays streams from another gateway's /v1/stream
	// instead of the local adapters.
	StreamURL string `yaml:"stream_url"`
}

// ProvidersConfig catalogues configured upstream providers.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	DefaultModel string   `yaml:"default_model"`
	Models       []string `yaml:"models"`
	Headers      Headers  `yaml:"headers"`
	Timeout      Duration `yaml:"timeout"`
	Disabled     bool     `yaml:"disabled"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// RetryConfig mirrors retry.Policy in YAML form.
type RetryConfig struct {
	MaxRetries   int      `yaml:"max_retries"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
	Jitter       float64  `yaml:"jitter"`
}

// FallbackConfig controls cross-vendor rerouting.
type FallbackConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxAttempts int      `yaml:"max_attempts"`
	Categories  []string `yaml:"categories"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML accepts "1s"-style strings and bare integers (nanoseconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var n int64
		if nerr := node.Decode(&n); nerr == nil {
			*d = Duration(n)
			return nil
		}
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used for any field the file leaves unset.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: defaultPort},
		Log:    LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: Duration(time.Second),
			MaxDelay:     Duration(30 * time.Second),
			Multiplier:   2,
			Jitter:       0.25,
		},
		Fallback: FallbackConfig{
			Enabled:     true,
			MaxAttempts: 2,
		},
	}
}

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyGatewayDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides the gateway section from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvBaseURL); ok && strings.TrimSpace(v) != "" {
		c.Gateway.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Gateway.APIKey = strings.TrimSpace(v)
	}
}

// ApplyGatewayDefaults fills blank provider credentials and endpoints from the
// gateway section.
func (c *Config) ApplyGatewayDefaults() {
	for _, p := range []*ProviderConfig{&c.Providers.OpenAI, &c.Providers.Anthropic, &c.Providers.Gemini} {
		if strings.TrimSpace(p.APIKey) == "" {
			p.APIKey = c.Gateway.APIKey
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			p.BaseURL = c.Gateway.BaseURL
		}
	}
}

// Enabled returns the providers not marked disabled, keyed by vendor tag, in
// the fixed registration order.
func (p ProvidersConfig) Enabled() []NamedProvider {
	all := []NamedProvider{
		{Name: "openai", Config: p.OpenAI},
		{Name: "anthropic", Config: p.Anthropic},
		{Name: "gemini", Config: p.Gemini},
	}
	out := all[:0]
	for _, np := range all {
		if !np.Config.Disabled {
			out = append(out, np)
		}
	}
	return out
}

// NamedProvider pairs a vendor tag with its configuration.
type NamedProvider struct {
	Name   string
	Config ProviderConfig
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	if u := strings.TrimSpace(c.Gateway.StreamURL); u != "" &&
		!strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("gateway.stream_url must be an http(s) URL, got %q", c.Gateway.StreamURL)
	}

	enabled := c.Providers.Enabled()
	if len(enabled) == 0 {
		return errors.New("providers: at least one provider must be enabled")
	}
	for _, np := range enabled {
		if err := validateProvider(np.Name, np.Config); err != nil {
			return err
		}
	}

	if err := c.Retry.validate(); err != nil {
		return err
	}
	if c.Fallback.MaxAttempts < 0 {
		return fmt.Errorf("fallback.max_attempts must not be negative, got %d", c.Fallback.MaxAttempts)
	}
	for _, cat := range c.Fallback.Categories {
		if strings.TrimSpace(cat) == "" {
			return errors.New("fallback.categories must not contain empty entries")
		}
	}
	return nil
}

func (r RetryConfig) validate() error {
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("retry.initial_delay %s exceeds retry.max_delay %s", r.InitialDelay.Std(), r.MaxDelay.Std())
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", r.Multiplier)
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %g", r.Jitter)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided (or set gateway.api_key / %s)", name, EnvAPIKey)
	}
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}

	for _, model := range provider.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("provider %s: model id must not be empty", name)
		}
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
