package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
)

// Opener issues the streaming request and returns its event-stream body.
type Opener interface {
	Open(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	return f(ctx, req)
}

// Resolver maps a model id to its adapter.
type Resolver interface {
	ProviderForModel(modelID string) (provider.Provider, error)
}

// ProviderOpener streams straight from the vendor adapter serving the model.
type ProviderOpener struct {
	Resolver Resolver
}

func (o ProviderOpener) Open(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	if o.Resolver == nil {
		return nil, errors.New("stream resolver must not be nil")
	}
	p, err := o.Resolver.ProviderForModel(req.Model)
	if err != nil {
		return nil, err
	}
	s, ok := p.(provider.Streamer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrStreamingUnsupported, p.Type())
	}
	return s.OpenStream(ctx, req)
}

// HTTPOpener streams through a remote gateway exposing POST /v1/stream.
type HTTPOpener struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// APIKeyHeader carries the gateway key on proxied stream requests.
const APIKeyHeader = "X-API-Key"

func (o HTTPOpener) Open(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error) {
	base := strings.TrimRight(o.BaseURL, "/")
	if base == "" {
		return nil, errors.New("stream base url must not be empty")
	}
	tag, ok := models.InferProvider(req.Model)
	if !ok {
		tag = "gateway"
	}
	t := provider.Transport{
		Provider: tag,
		Client:   o.Client,
		Headers:  map[string]string{APIKeyHeader: o.APIKey},
	}
	return t.OpenStream(ctx, base+"/v1/stream", req.Body())
}
