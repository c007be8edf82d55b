package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/metrics"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/streaming"
)

// UsageRecorder is the downstream consumer handed token counts after each
// successful completion.
type UsageRecorder interface {
	RecordUsage(provider models.ProviderType, model string, usage *models.Usage)
}

// Router dispatches canonical requests through the fallback orchestrator and
// builds stream normalizers over the same registry.
type Router struct {
	registry     *provider.Registry
	catalog      *models.Catalog
	orchestrator *fallback.Orchestrator
	metrics      *metrics.Collector
	usage        []UsageRecorder
	defaultModel string
	streamOpener streaming.Opener
	logger       *zap.Logger
}

// Option customises a Router.
type Option func(*Router)

// WithMetrics records completions, retries, fallbacks, usage and streams.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

// WithUsageRecorder adds a usage consumer.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(r *Router) {
		if u != nil {
			r.usage = append(r.usage, u)
		}
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(r *Router) { r.defaultModel = model }
}

// WithStreamOpener replaces the source of raw event streams. The default
// streams from the registered adapters.
func WithStreamOpener(o streaming.Opener) Option {
	return func(r *Router) { r.streamOpener = o }
}

// New constructs a router backed by the provided registry and catalog.
func New(registry *provider.Registry, catalog *models.Catalog, equivalences *models.EquivalenceTable, fb fallback.Options, logger *zap.Logger, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if catalog == nil {
		catalog = models.DefaultCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		registry: registry,
		catalog:  catalog,
		logger:   logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.streamOpener == nil {
		r.streamOpener = streaming.ProviderOpener{Resolver: registry}
	}
	if r.metrics != nil {
		r.usage = append(r.usage, r.metrics)
	}

	userHook := fb.OnFallback
	fb.OnFallback = func(from, to string, err error, attempt int) {
		if r.metrics != nil {
			category, _ := fallback.Classify(err)
			fromTag, _ := models.InferProvider(from)
			toTag, _ := models.InferProvider(to)
			r.metrics.RecordFallback(fromTag, toTag, string(category))
		}
		if userHook != nil {
			userHook(from, to, err, attempt)
		}
	}

	orchestrator, err := fallback.New(registry, catalog, equivalences, fb, logger)
	if err != nil {
		return nil, err
	}
	r.orchestrator = orchestrator
	return r, nil
}

// DefaultModel returns the configured default, else the default model of the
// first registered provider.
func (r *Router) DefaultModel() string {
	if r.defaultModel != "" {
		return r.defaultModel
	}
	for _, p := range r.registry.Providers() {
		return p.DefaultModel()
	}
	return ""
}

// Models lists catalog entries served by a registered provider, in catalog
// order.
func (r *Router) Models() []models.ModelInfo {
	var out []models.ModelInfo
	for _, m := range r.catalog.All() {
		if _, ok := r.registry.Get(m.Provider); ok {
			out = append(out, m)
		}
	}
	return out
}

// Complete runs a completion with retry and fallback. Errors reach the caller
// exactly as the orchestrator surfaced them.
func (r *Router) Complete(ctx context.Context, req models.CompletionRequest) (*fallback.Result, error) {
	if req.Model == "" {
		req.Model = r.DefaultModel()
	}

	if r.metrics != nil {
		userHook := req.OnRateLimitRetry
		req.OnRateLimitRetry = func(attempt int, delay time.Duration, err error) {
			r.metrics.RecordRateLimitRetry(providerOf(err))
			if userHook != nil {
				userHook(attempt, delay, err)
			}
		}
	}

	start := time.Now()
	res, err := r.orchestrator.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if r.metrics != nil {
			tag, _ := models.InferProvider(req.Model)
			r.metrics.RecordCompletion(tag, req.Model, metrics.OutcomeError, elapsed)
		}
		r.logger.Debug("completion failed", zap.String("model", req.Model), zap.Duration("elapsed", elapsed), zap.Error(err))
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordCompletion(res.Provider, res.Model, metrics.OutcomeSuccess, elapsed)
	}
	for _, u := range r.usage {
		u.RecordUsage(res.Provider, res.Model, res.Usage)
	}
	return res, nil
}

// NewNormalizer returns a stream normalizer reading from the configured
// opener. Each caller owns its normalizer; one stream runs per instance.
func (r *Router) NewNormalizer(opts ...streaming.Option) *streaming.Normalizer {
	base := []streaming.Option{streaming.WithDefaultModel(r.DefaultModel())}
	if r.metrics != nil {
		base = append(base, streaming.WithTerminalObserver(r.metrics.RecordStream))
	}
	return streaming.NewNormalizer(r.streamOpener, r.logger, append(base, opts...)...)
}

func providerOf(err error) models.ProviderType {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Provider
	}
	return ""
}
