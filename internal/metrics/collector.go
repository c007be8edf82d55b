// Package metrics exposes gateway activity as prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gocode-gateway/internal/models"
	"gocode-gateway/internal/streaming"
)

// Completion outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector records gateway activity on its own registry.
type Collector struct {
	registry *prometheus.Registry

	completionsTotal   *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	rateLimitRetries   *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
	tokensTotal        *prometheus.CounterVec
	streamsTotal       *prometheus.CounterVec
	streamDuration     *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers every gateway metric under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		completionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Completions by serving provider, model and outcome.",
		}, []string{"provider", "model", "outcome"}),

		completionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "End-to-end completion latency including retries and fallback.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		rateLimitRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_retries_total",
			Help:      "Backoff waits taken after a vendor throttled a call.",
		}, []string{"provider"}),

		fallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Cross-vendor fallback hops by failure category.",
		}, []string{"from_provider", "to_provider", "category"}),

		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by vendors.",
		}, []string{"provider", "model", "kind"}),

		streamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Streaming sessions by terminal status.",
		}, []string{"provider", "status"}),

		streamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Streaming session wall time from connect to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider", "status"}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordCompletion counts one finished completion request.
func (c *Collector) RecordCompletion(provider models.ProviderType, model, outcome string, d time.Duration) {
	c.completionsTotal.WithLabelValues(label(string(provider)), label(model), outcome).Inc()
	c.completionDuration.WithLabelValues(label(string(provider))).Observe(d.Seconds())
}

// RecordRateLimitRetry counts one backoff wait.
func (c *Collector) RecordRateLimitRetry(provider models.ProviderType) {
	c.rateLimitRetries.WithLabelValues(label(string(provider))).Inc()
}

// RecordFallback counts one fallback hop.
func (c *Collector) RecordFallback(from, to models.ProviderType, category string) {
	c.fallbacksTotal.WithLabelValues(label(string(from)), label(string(to)), label(category)).Inc()
}

// RecordUsage adds vendor-reported token counts. A nil usage is ignored.
func (c *Collector) RecordUsage(provider models.ProviderType, model string, usage *models.Usage) {
	if usage == nil {
		return
	}
	p, m := label(string(provider)), label(model)
	c.tokensTotal.WithLabelValues(p, m, "prompt").Add(float64(usage.PromptTokens))
	c.tokensTotal.WithLabelValues(p, m, "completion").Add(float64(usage.CompletionTokens))
}

// RecordStream counts a terminal streaming session. It satisfies
// streaming.TerminalObserver.
func (c *Collector) RecordStream(snap streaming.Snapshot) {
	p, s := label(string(snap.Provider)), string(snap.Status)
	c.streamsTotal.WithLabelValues(p, s).Inc()
	if snap.Duration != nil {
		c.streamDuration.WithLabelValues(p, s).Observe(snap.Duration.Seconds())
	}
	if snap.Status == streaming.StatusError {
		c.logger.Debug("stream session failed", zap.String("provider", p), zap.Error(snap.Err))
	}
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
