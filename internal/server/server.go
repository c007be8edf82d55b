package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/router"
	"gocode-gateway/internal/translator"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Server exposes the gateway over HTTP.
type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics http.Handler
	app     *echo.Echo
	address string
	logger  *zap.Logger
	now     func() time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithClock replaces time.Now for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt *router.Router, logger *zap.Logger, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
		logger:  logger.With(zap.String("component", "server")),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(srv)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			srv.logger.Info("request",
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
				zap.Error(v.Error),
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv.app = e
	srv.registerRoutes()
	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.router.Models())
	s.logger.Info("starting server", zap.String("addr", s.address))

	// No write timeout: event streams stay open for the whole completion.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/completions", s.handleCompletions)
	s.app.POST("/v1/stream", s.handleStream)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	s.app.POST("/v1/messages", s.handleMessages)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	OwnedBy             string `json:"owned_by"`
	DisplayName         string `json:"display_name"`
	ContextWindowTokens int    `json:"context_window_tokens"`
	MaxOutputTokens     int    `json:"max_output_tokens"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(c echo.Context) error {
	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, m := range s.router.Models() {
		list.Data = append(list.Data, modelEntry{
			ID:                  m.ID,
			Object:              "model",
			OwnedBy:             string(m.Provider),
			DisplayName:         m.DisplayName,
			ContextWindowTokens: m.ContextWindowTokens,
			MaxOutputTokens:     m.MaxOutputTokens,
		})
	}
	return c.JSON(http.StatusOK, list)
}

// completionResponse is the gateway-native completion payload.
type completionResponse struct {
	ID               string              `json:"id"`
	Text             string              `json:"text"`
	Model            string              `json:"model"`
	Provider         models.ProviderType `json:"provider"`
	Usage            *models.Usage       `json:"usage,omitempty"`
	UsedFallback     bool                `json:"used_fallback"`
	OriginalModel    string              `json:"original_model"`
	FallbackAttempts int                 `json:"fallback_attempts"`
	Errors           []attemptError      `json:"errors,omitempty"`
}

type attemptError struct {
	Model    string              `json:"model"`
	Provider models.ProviderType `json:"provider"`
	Category fallback.Category   `json:"category,omitempty"`
	Message  string              `json:"message"`
}

func (s *Server) handleCompletions(c echo.Context) error {
	var body models.RequestBody
	if err := decodeRequestBody(c, &body); err != nil {
		return err
	}

	res, err := s.router.Complete(c.Request().Context(), body.Request())
	if err != nil {
		return toHTTPError(err)
	}

	resp := completionResponse{
		ID:               requestID(c),
		Text:             res.Text,
		Model:            res.Model,
		Provider:         res.Provider,
		Usage:            res.Usage,
		UsedFallback:     res.UsedFallback,
		OriginalModel:    res.OriginalModel,
		FallbackAttempts: res.FallbackAttempts,
	}
	for _, ae := range res.Errors {
		resp.Errors = append(resp.Errors, attemptError{
			Model:    ae.Model,
			Provider: ae.Provider,
			Category: ae.Category,
			Message:  ae.Err.Error(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStream(c echo.Context) error {
	var body models.RequestBody
	if err := decodeRequestBody(c, &body); err != nil {
		return err
	}
	return s.streamCompletion(c, body.Request(), openAIFormat{created: s.now().Unix()})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.Stream {
		return s.streamCompletion(c, req.ToCanonical(), openAIFormat{created: s.now().Unix()})
	}

	res, err := s.router.Complete(c.Request().Context(), req.ToCanonical())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromResult("chatcmpl-"+requestID(c), s.now().Unix(), res))
}

func (s *Server) handleMessages(c echo.Context) error {
	var req translator.MessagesRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.Stream {
		return s.streamCompletion(c, req.ToCanonical(), anthropicFormat{})
	}

	res, err := s.router.Complete(c.Request().Context(), req.ToCanonical())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, translator.FromResultMessages("msg_"+requestID(c), res))
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

func printStartupBanner(port int, served []models.ModelInfo) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("gocode-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/completions")
	fmt.Println("  POST /v1/stream")
	fmt.Println("  POST /v1/chat/completions")
	fmt.Println("  POST /v1/messages")
	fmt.Println("  GET  /metrics")
	fmt.Printf("Serving %d catalog models.\n", len(served))
	fmt.Printf("Example:\n  curl http://%s:%d/v1/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
