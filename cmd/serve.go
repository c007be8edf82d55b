package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/logging"
	"gocode-gateway/internal/metrics"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
	providerfactory "gocode-gateway/internal/provider/factory"
	"gocode-gateway/internal/retry"
	"gocode-gateway/internal/router"
	"gocode-gateway/internal/server"
	"gocode-gateway/internal/streaming"
)

const serveUsage = `Usage:
  gocode-gateway serve --config <path> [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (required)
  --port     int      Override server port from configuration
  --env-file string   Dotenv file read before the configuration (default ".env")`

const metricsNamespace = "gocode_gateway"

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&envFile, "env-file", ".env", "dotenv file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	retrier := retry.New(providerfactory.RetryPolicy(cfg.Retry), logger)

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, retrier, logger); err != nil {
		return err
	}

	categories, err := fallback.ParseCategories(cfg.Fallback.Categories)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(metricsNamespace, logger)

	routerOpts := []router.Option{router.WithMetrics(collector)}
	if streamURL := strings.TrimSpace(cfg.Gateway.StreamURL); streamURL != "" {
		routerOpts = append(routerOpts, router.WithStreamOpener(streaming.HTTPOpener{
			BaseURL: streamURL,
			APIKey:  cfg.Gateway.APIKey,
			Client:  &http.Client{},
		}))
		logger.Info("relaying streams from upstream gateway", zap.String("stream_url", streamURL))
	}

	rt, err := router.New(registry, models.DefaultCatalog(), models.DefaultEquivalences(), fallback.Options{
		Enabled:     cfg.Fallback.Enabled,
		MaxAttempts: cfg.Fallback.MaxAttempts,
		Categories:  categories,
	}, logger, routerOpts...)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, rt, logger, server.WithMetricsHandler(collector.Handler()))
	if err != nil {
		return err
	}

	logger.Info("gateway configured",
		zap.Int("providers", len(registry.Providers())),
		zap.Bool("fallback_enabled", cfg.Fallback.Enabled),
		zap.Int("max_retries", cfg.Retry.MaxRetries),
	)
	return srv.Run(ctx)
}
