package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/retry"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-1.5-pro"
	roleModel      = "model"
)

var knownModels = models.DefaultCatalog().ForProvider(models.ProviderGemini)

// Provider implements the Gemini generateContent API.
type Provider struct {
	transport    provider.Transport
	retrier      *retry.Retrier
	logger       *zap.Logger
	models       []string
	defaultModel string
	baseURL      string
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Streamer = (*Provider)(nil)
)

// New constructs a Gemini provider instance.
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

	headers := map[string]string{"x-goog-api-key": cfg.APIKey}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &Provider{
		transport: provider.Transport{
			Provider: models.ProviderGemini,
			Client:   client,
			Headers:  headers,
		},
		retrier:      retrier,
		logger:       logger.With(zap.String("component", "provider"), zap.String("provider", string(models.ProviderGemini))),
		models:       provider.MergeModels(knownModels, cfg.Models),
		defaultModel: provider.ResolveModel(cfg.DefaultModel, defaultModel),
		baseURL:      baseURL,
	}, nil
}

func (p *Provider) Type() models.ProviderType { return models.ProviderGemini }

func (p *Provider) SupportedModels() []string { return slices.Clone(p.models) }

func (p *Provider) IsModelSupported(modelID string) bool {
	return provider.SupportsModel(modelID, p.models, models.ModelPrefixes(models.ProviderGemini))
}

func (p *Provider) DefaultModel() string { return p.defaultModel }

func (p *Provider) CreateCompletion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	model := provider.ResolveModel(req.Model, p.defaultModel)
	payload := buildGenerateRequest(req)
	endpoint := p.endpoint(model, "generateContent")

	resp, err := provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (*generateResponse, error) {
		var out generateResponse
		if err := p.transport.PostJSON(ctx, endpoint, payload, &out); err != nil {
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

// OpenStream issues a streamGenerateContent call in SSE mode.
func (p *Provider) OpenStream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	model := provider.ResolveModel(req.Model, p.defaultModel)
	payload := buildGenerateRequest(req)
	endpoint := p.endpoint(model, "streamGenerateContent") + "?alt=sse"

	return provider.Call(ctx, p.retrier, p.Type(), req.OnRateLimitRetry, func(ctx context.Context) (io.ReadCloser, error) {
		return p.transport.OpenStream(ctx, endpoint, payload)
	})
}

func (p *Provider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, url.PathEscape(model), method)
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

func buildGenerateRequest(req models.CompletionRequest) generateRequest {
	system, turns := models.SplitSystem(req.Messages)

	contents := make([]content, 0, len(turns))
	for _, msg := range turns {
		role := string(msg.Role)
		if msg.Role == models.RoleAssistant {
			role = roleModel
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}

	body := generateRequest{Contents: contents}
	if system != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		body.GenerationConfig = &generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
	}
	return body
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
	Index        int     `json:"index"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

func (r generateResponse) toResult(requestedModel string) (*models.CompletionResult, error) {
	if len(r.Candidates) == 0 {
		return nil, errors.New("gemini response did not include candidates")
	}

	var text strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	result := &models.CompletionResult{
		Text:     text.String(),
		Model:    provider.ResolveModel(r.ModelVersion, requestedModel),
		Provider: models.ProviderGemini,
	}
	if u := r.UsageMetadata; u != nil {
		result.Usage = models.NewUsage(u.PromptTokenCount, u.CandidatesTokenCount, u.TotalTokenCount)
	}
	return result, nil
}
