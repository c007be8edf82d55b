package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/retry"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-3-5-sonnet-20241022"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

var knownModels = models.DefaultCatalog().ForProvider(models.ProviderAnthropic)

// Provider implements Anthropic Messages API interactions.
type Provider struct {
	transport    provider.Transport
	retrier      *retry.Retrier
	logger       *zap.Logger
	models       []string
	defaultModel string
	messagesURL  string
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Streamer = (*Provider)(nil)
)

// New constructs an Anthropic provider instance.
func New(cfg config.ProviderConfig, client *http.Client, retrier *retry.Retrier, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if retrier == nil {
		return nil, errors.New("retrier must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	headers := map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": apiVersion,
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		transport: provider.Transport{
			Provider: models.ProviderAnthropic,
			Client:   client,
			Headers:  headers,
		},
		retrier:      retrier,
		logger:       logger.With(zap.String("component", "provider"), zap.String("provider", string(models.ProviderAnthropic))),
		models:       provider.MergeModels(knownModels, cfg.Models),
		defaultModel: provider.ResolveModel(cfg.DefaultModel, defaultModel),
		messagesURL:  baseURL + "/v1/messages",
	}, nil
}

func (p *Provider) Type() models.ProviderType { return models.ProviderAnthropic }

func (p *Provider) SupportedModels() []string { return slices.Clone(p.models) }

func (p *Provider) IsModelSupported(modelID string) bool {
	return provider.SupportsModel(modelID, p.models, models.ModelPrefixes(models.ProviderAnthropic))
}

func (p *Provider) DefaultModel() string { return p.defaultModel }

func (p *Provider) CreateCompletion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	payload, err := buildMessagePayload(provider.ResolveModel(req.Model, p.defaultModel), req, false)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (*messageResponse, error) {
		var out messageResponse
		if err := p.transport.PostJSON(ctx, p.messagesURL, payload, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		p.logger.Debug("completion failed", zap.String("model", payload.Model), zap.Error(err))
		return nil, err
	}

	return resp.toResult(payload.Model)
}

// OpenStream issues a streaming Messages API call.
func (p *Provider) OpenStream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	payload, err := buildMessagePayload(provider.ResolveModel(req.Model, p.defaultModel), req, true)
	if err != nil {
		return nil, err
	}

	return provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (io.ReadCloser, error) {
		return p.transport.OpenStream(ctx, p.messagesURL, payload)
	})
}

type messagePayload struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func buildMessagePayload(model string, req models.CompletionRequest, stream bool) (messagePayload, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return messagePayload{}, err
	}

	system, turns := models.SplitSystem(req.Messages)
	messages := make([]message, 0, len(turns))
	for _, msg := range turns {
		messages = append(messages, message{Role: string(msg.Role), Content: msg.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return messagePayload{
		Model:       model,
		Messages:    messages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}, nil
}

type messageResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      *usageBlock    `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (r messageResponse) toResult(requestedModel string) (*models.CompletionResult, error) {
	if len(r.Content) == 0 {
		return nil, errors.New("anthropic response missing content blocks")
	}

	var text strings.Builder
	for _, block := range r.Content {
		if block.Type != "text" {
			return nil, fmt.Errorf("anthropic returned unsupported content block type %q", block.Type)
		}
		text.WriteString(block.Text)
	}

	result := &models.CompletionResult{
		Text:     text.String(),
		Model:    provider.ResolveModel(r.Model, requestedModel),
		Provider: models.ProviderAnthropic,
	}
	if r.Usage != nil {
		result.Usage = models.NewUsage(r.Usage.InputTokens, r.Usage.OutputTokens, 0)
	}
	return result, nil
}
