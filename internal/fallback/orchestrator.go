package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gocode-gateway/internal/models"
	"gocode-gateway/internal/provider"
)

// Resolver maps a model id to the adapter serving it. *provider.Registry
// satisfies it.
type Resolver interface {
	ProviderForModel(modelID string) (provider.Provider, error)
}

// Observer is told about each hop before it is taken, once the next candidate
// has resolved to an adapter. attempt is the 1-based index of that candidate
// in the chain; skipped candidates still count.
type Observer func(from, to string, err error, attempt int)

// Options configures an Orchestrator.
type Options struct {
	Enabled bool
	// MaxAttempts bounds the fallback hops after the primary attempt.
	MaxAttempts int
	// Categories is the allow-list; nil means every named category.
	Categories []Category
	OnFallback Observer
}

// AttemptError records one failed candidate.
type AttemptError struct {
	Model    string
	Provider models.ProviderType
	Category Category
	Err      error
}

// Result is a completion annotated with how it was obtained.
type Result struct {
	models.CompletionResult
	UsedFallback     bool
	OriginalModel    string
	FallbackAttempts int
	Errors           []AttemptError
}

// Orchestrator reroutes failed completions to equivalent models on other
// vendors. It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	resolver     Resolver
	catalog      *models.Catalog
	equivalences *models.EquivalenceTable
	opts         Options
	logger       *zap.Logger
}

// New constructs an Orchestrator.
func New(resolver Resolver, catalog *models.Catalog, equivalences *models.EquivalenceTable, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("max fallback attempts must not be negative, got %d", opts.MaxAttempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		resolver:     resolver,
		catalog:      catalog,
		equivalences: equivalences,
		opts:         opts,
		logger:       logger.With(zap.String("component", "fallback")),
	}, nil
}

// Candidates returns the ordered model ids that would be tried for modelID,
// already capped by the configured bound.
func (o *Orchestrator) Candidates(modelID string) []string {
	candidates := append([]string{modelID}, Chain(modelID, o.catalog, o.equivalences)...)
	limit := 1
	if o.opts.Enabled {
		limit = min(len(candidates), o.opts.MaxAttempts+1)
	}
	return candidates[:limit]
}

// Complete runs req against the requested model and, on eligible failures,
// its substitutes. When every candidate fails, or a failure is not eligible,
// the original error value is returned unchanged.
func (o *Orchestrator) Complete(ctx context.Context, req models.CompletionRequest) (*Result, error) {
	requested := strings.TrimSpace(req.Model)
	if requested == "" {
		return nil, provider.Invalid("model is required")
	}

	candidates := o.Candidates(requested)
	var (
		history    []AttemptError
		lastErr    error
		resolveErr error
	)

	i, p := o.resolveFrom(candidates, 0, &resolveErr)
	for p != nil {
		modelID := candidates[i]
		attemptReq := req
		attemptReq.Model = modelID
		res, err := p.CreateCompletion(ctx, attemptReq)
		if err == nil {
			if i > 0 {
				o.logger.Info("completion served by fallback",
					zap.String("requested_model", requested),
					zap.String("model", res.Model),
					zap.String("provider", string(res.Provider)),
					zap.Int("fallback_attempts", i),
				)
			}
			return &Result{
				CompletionResult: *res,
				UsedFallback:     i > 0,
				OriginalModel:    requested,
				FallbackAttempts: i,
				Errors:           history,
			}, nil
		}

		decision := ShouldFallback(err, o.opts.Categories)
		history = append(history, AttemptError{Model: modelID, Provider: p.Type(), Category: decision.Category, Err: err})
		lastErr = err

		if !decision.Fallback || !o.opts.Enabled || ctx.Err() != nil {
			return nil, err
		}

		next, nextProvider := o.resolveFrom(candidates, i+1, &resolveErr)
		if nextProvider == nil {
			break
		}
		o.logger.Warn("falling back to alternate model",
			zap.String("from", modelID),
			zap.String("to", candidates[next]),
			zap.String("category", string(decision.Category)),
			zap.Int("attempt", next),
			zap.Error(err),
		)
		if o.opts.OnFallback != nil {
			o.opts.OnFallback(modelID, candidates[next], err, next)
		}
		i, p = next, nextProvider
	}

	if lastErr != nil {
		o.logger.Warn("fallback candidates exhausted",
			zap.String("requested_model", requested),
			zap.Int("attempts", len(history)),
			zap.Error(lastErr),
		)
		return nil, lastErr
	}
	if resolveErr != nil {
		return nil, resolveErr
	}
	return nil, fmt.Errorf("%w: %s", provider.ErrNoProvider, requested)
}

// resolveFrom returns the first candidate at or after start that a registered
// adapter serves. Candidates without one are logged and skipped; the first
// such error is kept in firstErr.
func (o *Orchestrator) resolveFrom(candidates []string, start int, firstErr *error) (int, provider.Provider) {
	for i := start; i < len(candidates); i++ {
		p, err := o.resolver.ProviderForModel(candidates[i])
		if err == nil {
			return i, p
		}
		o.logger.Warn("skipping unresolvable fallback candidate",
			zap.String("model", candidates[i]),
			zap.Int("candidate", i),
			zap.Error(err),
		)
		if *firstErr == nil {
			*firstErr = err
		}
	}
	return len(candidates), nil
}
