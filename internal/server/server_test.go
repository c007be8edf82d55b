package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gocode-gateway/internal/config"
	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/metrics"
	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/router"
)

type stubProvider struct {
	kind   models.ProviderType
	def    string
	errs   map[string]error
	frames string
	// streamErr is returned by the body after frames are consumed.
	streamErr error
	openErr   error
}

func (s *stubProvider) Type() models.ProviderType { return s.kind }
func (s *stubProvider) SupportedModels() []string { return nil }
func (s *stubProvider) DefaultModel() string      { return s.def }
func (s *stubProvider) IsModelSupported(id string) bool {
	return provider.SupportsModel(id, nil, models.ModelPrefixes(s.kind))
}

func (s *stubProvider) CreateCompletion(_ context.Context, req models.CompletionRequest) (*models.CompletionResult, error) {
	if err := provider.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	if err := s.errs[req.Model]; err != nil {
		return nil, err
	}
	return &models.CompletionResult{
		Text:     "echo: " + req.Messages[len(req.Messages)-1].Content,
		Model:    req.Model,
		Provider: s.kind,
		Usage:    models.NewUsage(2, 3, 0),
	}, nil
}

func (s *stubProvider) OpenStream(context.Context, models.CompletionRequest) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	var r io.Reader = strings.NewReader(s.frames)
	if s.streamErr != nil {
		r = io.MultiReader(r, failingReader{s.streamErr})
	}
	return io.NopCloser(r), nil
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

type fixture struct {
	openai    *stubProvider
	anthropic *stubProvider
	collector *metrics.Collector
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		openai:    &stubProvider{kind: models.ProviderOpenAI, def: "gpt-4o", errs: map[string]error{}},
		anthropic: &stubProvider{kind: models.ProviderAnthropic, def: "claude-3-5-sonnet-20241022", errs: map[string]error{}},
		collector: metrics.NewCollector("gateway", nil),
	}
	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(f.openai))
	require.NoError(t, registry.Register(f.anthropic))

	rt, err := router.New(registry, models.DefaultCatalog(), models.DefaultEquivalences(),
		fallback.Options{Enabled: true, MaxAttempts: 2}, zap.NewNop(), router.WithMetrics(f.collector))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Gateway.APIKey = "test-key"
	cfg.ApplyGatewayDefaults()

	srv, err := New(cfg, rt, zap.NewNop(),
		WithMetricsHandler(f.collector.Handler()),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

// sseEvents splits an event-stream body into (event, data) pairs.
func sseEvents(body string) [][2]string {
	var out [][2]string
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var name, data string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		out = append(out, [2]string{name, data})
	}
	return out
}

const userHello = `"messages":[{"role":"user","content":"Hello"}]`

func TestNewRejectsInvalidConfig(t *testing.T) {
	registry := provider.NewRegistry()
	rt, err := router.New(registry, nil, nil, fallback.Options{}, nil)
	require.NoError(t, err)

	_, err = New(config.Default(), rt, nil)
	require.Error(t, err)

	_, err = New(config.Config{}, nil, nil)
	require.Error(t, err)
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestModels(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)
	assert.Equal(t, "gpt-4o", list.Data[0].ID)
	for _, m := range list.Data {
		assert.NotEqual(t, "gemini", m.OwnedBy)
	}
}

func TestCompletions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/completions", `{"model":"claude-3-haiku-20240307",`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo: Hello", resp.Text)
	assert.Equal(t, models.ProviderAnthropic, resp.Provider)
	assert.False(t, resp.UsedFallback)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
	assert.Equal(t, rec.Header().Get("X-Request-Id"), resp.ID)
}

func TestCompletionsFallbackAnnotated(t *testing.T) {
	f := newFixture(t)
	f.openai.errs["gpt-4o"] = &provider.APIError{Provider: models.ProviderOpenAI, Status: http.StatusBadGateway, Message: "bad gateway"}

	rec := f.do(http.MethodPost, "/v1/completions", `{`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp completionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.UsedFallback)
	assert.Equal(t, "gpt-4o", resp.OriginalModel)
	assert.Equal(t, "claude-3-5-sonnet-20241022", resp.Model)
	assert.Equal(t, 1, resp.FallbackAttempts)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, fallback.CategoryServerError, resp.Errors[0].Category)
}

func TestCompletionsErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		typ    string
		code   string
	}{
		{
			name:   "validation",
			body:   `{"model":"gpt-4o","messages":[]}`,
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
		},
		{
			name:   "unknown model",
			body:   `{"model":"llama-3-70b",` + userHello + `}`,
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
			code:   "model_not_found",
		},
		{
			name: "rate limited",
			err: &provider.RateLimitedError{Provider: models.ProviderOpenAI, Attempts: 4,
				Err: &provider.APIError{Provider: models.ProviderOpenAI, Status: http.StatusTooManyRequests}},
			body:   `{"model":"gpt-4o",` + userHello + `}`,
			status: http.StatusTooManyRequests,
			typ:    "rate_limit_error",
			code:   "rate_limit_exceeded",
		},
		{
			name:   "malformed json",
			body:   `{"model":`,
			status: http.StatusBadRequest,
			typ:    "invalid_request_error",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.err != nil {
				// Every reachable candidate fails the same way.
				f.openai.errs["gpt-4o"] = tc.err
				f.anthropic.errs["claude-3-5-sonnet-20241022"] = tc.err
			}

			rec := f.do(http.MethodPost, "/v1/completions", tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decodeError(t, rec)
			assert.Equal(t, tc.typ, body.Error.Type)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestToHTTPErrorCategories(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, toHTTPError(context.DeadlineExceeded).Status)
	assert.Equal(t, http.StatusNotFound, toHTTPError(&provider.APIError{Status: http.StatusNotFound, Message: "no such model"}).Status)
	assert.Equal(t, http.StatusTooManyRequests, toHTTPError(&provider.APIError{Status: http.StatusPaymentRequired}).Status)
	assert.Equal(t, http.StatusBadGateway, toHTTPError(errors.New("mystery")).Status)
	assert.Equal(t, http.StatusBadRequest, toHTTPError(provider.ErrStreamingUnsupported).Status)
}

func TestChatCompletions(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o-mini",`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, int64(1700000000), resp.Created)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "echo: Hello", resp.Choices[0].Message.Content)
}

func TestChatCompletionsStream(t *testing.T) {
	f := newFixture(t)
	f.openai.frames = "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: [DONE]\n\n"

	rec := f.do(http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(rec.Body.String())
	require.Len(t, events, 4)
	assert.Contains(t, events[0][1], `"role":"assistant","content":"Hel"`)
	assert.Contains(t, events[1][1], `"content":"lo"`)
	assert.NotContains(t, events[1][1], `"role"`)
	assert.Contains(t, events[2][1], `"finish_reason":"stop"`)
	assert.Equal(t, [2]string{"", "[DONE]"}, events[3])
}

func TestStreamEndpointErrors(t *testing.T) {
	t.Run("open failure is a json error", func(t *testing.T) {
		f := newFixture(t)
		f.openai.openErr = &provider.APIError{Provider: models.ProviderOpenAI, Status: http.StatusServiceUnavailable, Message: "down"}

		rec := f.do(http.MethodPost, "/v1/stream", `{"model":"gpt-4o",`+userHello+`}`)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "upstream_error", decodeError(t, rec).Error.Type)
	})

	t.Run("mid-stream failure is an error event", func(t *testing.T) {
		f := newFixture(t)
		f.openai.frames = "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n"
		f.openai.streamErr = errors.New("connection reset by peer")

		rec := f.do(http.MethodPost, "/v1/stream", `{`+userHello+`}`)
		require.Equal(t, http.StatusOK, rec.Code)

		events := sseEvents(rec.Body.String())
		require.Len(t, events, 2)
		assert.Contains(t, events[0][1], `"content":"partial"`)
		assert.Equal(t, "error", events[1][0])
		assert.Contains(t, events[1][1], "connection reset by peer")
		assert.NotContains(t, rec.Body.String(), doneMarker)
	})

	t.Run("empty stream still completes", func(t *testing.T) {
		f := newFixture(t)

		rec := f.do(http.MethodPost, "/v1/stream", `{`+userHello+`}`)
		require.Equal(t, http.StatusOK, rec.Code)
		events := sseEvents(rec.Body.String())
		require.Len(t, events, 2)
		assert.Equal(t, doneMarker, events[1][1])
	})
}

func TestMessages(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/v1/messages",
		`{"model":"claude-3-opus-20240229","max_tokens":64,"system":"Be brief.",`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ID, "msg_"))
	assert.Equal(t, "message", resp.Type)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "echo: Hello", resp.Content[0].Text)
	assert.Equal(t, 2, resp.Usage.InputTokens)
	assert.Equal(t, 3, resp.Usage.OutputTokens)
}

func TestMessagesStream(t *testing.T) {
	f := newFixture(t)
	f.anthropic.frames = "event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	rec := f.do(http.MethodPost, "/v1/messages", `{"model":"claude-3-haiku-20240307","stream":true,`+userHello+`}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	var text strings.Builder
	for _, e := range sseEvents(rec.Body.String()) {
		names = append(names, e[0])
		if e[0] == "content_block_delta" {
			var payload struct {
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
			}
			require.NoError(t, json.Unmarshal([]byte(e[1]), &payload))
			text.WriteString(payload.Delta.Text)
		}
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start",
		"content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, names)
	assert.Equal(t, "Hi there", text.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/completions", `{`+userHello+`}`).Code)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gateway_completions_total{model="gpt-4o",outcome="success",provider="openai"} 1`)
}
