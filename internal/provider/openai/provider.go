package openai

import (
	"context"
	"errors"
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
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o"
)

var knownModels = models.DefaultCatalog().ForProvider(models.ProviderOpenAI)

// Provider implements the Provider contract for OpenAI-compatible APIs.
type Provider struct {
	transport    provider.Transport
	retrier      *retry.Retrier
	logger       *zap.Logger
	models       []string
	defaultModel string
	chatURL      string
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Streamer = (*Provider)(nil)
)

// New creates a new OpenAI provider.
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

	headers := map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		transport: provider.Transport{
			Provider: models.ProviderOpenAI,
			Client:   client,
			Headers:  headers,
		},
		retrier:      retrier,
		logger:       logger.With(zap.String("component", "provider"), zap.String("provider", string(models.ProviderOpenAI))),
		models:       provider.MergeModels(knownModels, cfg.Models),
		defaultModel: provider.ResolveModel(cfg.DefaultModel, defaultModel),
		chatURL:      baseURL + "/v1/chat/completions",
	}, nil
}

func (p *Provider) Type() models.ProviderType { return models.ProviderOpenAI }

func (p *Provider) SupportedModels() []string { return slices.Clone(p.models) }

func (p *Provider) IsModelSupported(modelID string) bool {
	return provider.SupportsModel(modelID, p.models, models.ModelPrefixes(models.ProviderOpenAI))
}

func (p *Provider) DefaultModel() string { return p.defaultModel }

func (p *Provider) CreateCompletion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	model := provider.ResolveModel(req.Model, p.defaultModel)
	payload := buildChatPayload(model, req, false)

	resp, err := provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (*chatResponse, error) {
		var out chatResponse
		if err := p.transport.PostJSON(ctx, p.chatURL, payload, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		p.logger.Debug("completion failed", zap.String("model", model), zap.Error(err))
		return nil, err
	}

	return resp.toResult(model)
}

// OpenStream issues a streaming chat completion.
func (p *Provider) OpenStream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	model := provider.ResolveModel(req.Model, p.defaultModel)
	payload := buildChatPayload(model, req, true)

	return provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (io.ReadCloser, error) {
		return p.transport.OpenStream(ctx, p.chatURL, payload)
	})
}

type chatPayload struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(model string, req models.CompletionRequest, stream bool) chatPayload {
	system, turns := models.SplitSystem(req.Messages)

	messages := make([]openAIMessage, 0, len(turns)+1)
	if system != "" {
		messages = append(messages, openAIMessage{Role: string(models.RoleSystem), Content: system})
	}
	for _, msg := range turns {
		messages = append(messages, openAIMessage{Role: string(msg.Role), Content: msg.Content})
	}

	payload := chatPayload{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		v := req.MaxTokens
		payload.MaxTokens = &v
	}
	if stream {
		payload.Stream = true
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return payload
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) toResult(requestedModel string) (*models.CompletionResult, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	result := &models.CompletionResult{
		Text:     r.Choices[0].Message.Content,
		Model:    provider.ResolveModel(r.Model, requestedModel),
		Provider: models.ProviderOpenAI,
	}
	if r.Usage != nil {
		result.Usage = models.NewUsage(r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Usage.TotalTokens)
	}
	return result, nil
}
