package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/provider"
	anthropicProvider "gocode-gateway/internal/provider/anthropic"
	geminiProvider "gocode-gateway/internal/provider/gemini"
	openaiProvider "gocode-gateway/internal/provider/openai"
	"gocode-gateway/internal/retry"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RetryPolicy converts the YAML retry section into a retry.Policy.
func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay.Std(),
		MaxDelay:     cfg.MaxDelay.Std(),
		Multiplier:   cfg.Multiplier,
		Jitter:       cfg.Jitter,
	}
}

// RegisterConfiguredProviders constructs the enabled providers from
// configuration and stores them in the registry in the fixed vendor order.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, retrier *retry.Retrier, logger *zap.Logger) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	if retrier == nil {
		return errors.New("retrier must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, np := range cfg.Providers.Enabled() {
		client := newHTTPClient(np.Config.Timeout.Std())

		var (
			p   provider.Provider
			err error
		)
		switch np.Name {
		case "openai":
			p, err = openaiProvider.New(np.Config, client, retrier, logger)
		case "anthropic":
			p, err = anthropicProvider.New(np.Config, client, retrier, logger)
		case "gemini":
			p, err = geminiProvider.New(np.Config, client, retrier, logger)
		default:
			return fmt.Errorf("unknown provider %q", np.Name)
		}
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", np.Name, err)
		}
		if err := registry.Register(p); err != nil {
			return fmt.Errorf("register %s provider: %w", np.Name, err)
		}
		logger.Info("provider registered",
			zap.String("provider", np.Name),
			zap.String("default_model", p.DefaultModel()),
		)
	}

	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// Bounds time to response headers only; streamed bodies may outlive it.
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{Transport: transport}
}
