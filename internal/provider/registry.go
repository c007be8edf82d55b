package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"gocode-gateway/internal/models"
)

// ErrNoProvider indicates no registered adapter serves the requested model.
// Callers treat it as a routing failure and must not retry it.
var ErrNoProvider = errors.New("no provider for model")

// ErrStreamingUnsupported indicates the adapter cannot open streams.
var ErrStreamingUnsupported = errors.New("streaming not supported by provider")

// Provider is the capability contract every vendor adapter satisfies.
type Provider interface {
	Type() models.ProviderType
	SupportedModels() []string
	IsModelSupported(modelID string) bool
	DefaultModel() string
	CreateCompletion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResult, error)
}

// Streamer is implemented by adapters able to open a vendor streaming call.
// The returned body carries `data: <payload>` lines.
type Streamer interface {
	OpenStream(ctx context.Context, req models.CompletionRequest) (io.ReadCloser, error)
}

// SupportsModel is the shared isModelSupported rule: exact catalog ids, or any
// id carrying one of the vendor's naming prefixes.
func SupportsModel(modelID string, supported []string, prefixes []string) bool {
	id := strings.TrimSpace(modelID)
	if id == "" {
		return false
	}
	for _, m := range supported {
		if m == id {
			return true
		}
	}
	lower := strings.ToLower(id)
	for _, prefix := range prefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// MergeModels appends the non-blank ids of extra to base, skipping duplicates.
func MergeModels(base, extra []string) []string {
	out := slices.Clone(base)
	for _, m := range extra {
		if m = strings.TrimSpace(m); m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

// Registry maps vendor tags to adapter instances. It is a small fixed
// registry; registration order decides resolution order.
type Registry struct {
	mu     sync.RWMutex
	order  []models.ProviderType
	byType map[models.ProviderType]Provider
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byType: make(map[models.ProviderType]Provider),
	}
}

// Register adds p under its vendor tag.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[p.Type()]; exists {
		return fmt.Errorf("provider %q already registered", p.Type())
	}
	r.byType[p.Type()] = p
	r.order = append(r.order, p.Type())
	return nil
}

// Get returns the adapter registered for t.
func (r *Registry) Get(t models.ProviderType) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byType[t]
	return p, ok
}

// Providers returns the registered adapters in registration order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.byType[t])
	}
	return out
}

// ProviderForModel returns the first adapter claiming support for modelID.
func (r *Registry) ProviderForModel(modelID string) (Provider, error) {
	for _, p := range r.Providers() {
		if p.IsModelSupported(modelID) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, modelID)
}
