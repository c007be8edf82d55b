// Package retry retries a single fallible vendor call when, and only when,
// the vendor signals that the caller is being rate limited.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Policy configures backoff between rate-limited attempts.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt. Zero means
	// the operation runs exactly once.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the symmetric random spread applied to each delay, as a
	// fraction of the delay (0.25 means ±25%).
	Jitter float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Observer is notified before each backoff wait with the attempt that just
// failed (1-based), the upcoming delay and the error.
type Observer func(attempt int, delay time.Duration, err error)

// SleepFunc suspends for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Outcome is the envelope produced by Do. It never escapes as a panic or a
// thrown error; callers decide how to surface Err.
type Outcome[T any] struct {
	Value      T
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// Retrier applies a Policy. A Retrier is safe for concurrent use; all
// per-call state lives on the stack of Do.
type Retrier struct {
	policy Policy
	logger *zap.Logger
	sleep  SleepFunc
	random func() float64
}

// Option customises a Retrier.
type Option func(*Retrier)

// WithSleep replaces the wall-clock wait, typically in tests.
func WithSleep(fn SleepFunc) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// WithRandom replaces the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.random = fn
		}
	}
}

// New constructs a Retrier for policy.
func New(policy Policy, logger *zap.Logger, opts ...Option) *Retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Retrier{
		policy: policy.normalized(),
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the normalised policy in effect.
func (r *Retrier) Policy() Policy {
	return r.policy
}

// Do runs op, retrying only rate-limited failures with exponential backoff.
func Do[T any](ctx context.Context, r *Retrier, observer Observer, op func(context.Context) (T, error)) Outcome[T] {
	var out Outcome[T]

	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		out.Attempts = attempt
		if err == nil {
			out.Value = value
			out.Err = nil
			if attempt > 1 {
				r.logger.Debug("rate limited call succeeded after retry", zap.Int("attempts", attempt))
			}
			return out
		}
		out.Err = err

		if !IsRateLimited(err) {
			return out
		}
		if attempt > r.policy.MaxRetries {
			if r.policy.MaxRetries > 0 {
				r.logger.Warn("rate limit retries exhausted",
					zap.Int("attempts", attempt),
					zap.Duration("total_delay", out.TotalDelay),
					zap.Error(err),
				)
			}
			return out
		}

		delay := r.Delay(attempt, err)
		if observer != nil {
			observer(attempt, delay, err)
		}
		r.logger.Debug("rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", r.policy.MaxRetries),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if serr := r.sleep(ctx, delay); serr != nil {
			out.Err = fmt.Errorf("retry wait interrupted: %w", serr)
			return out
		}
		out.TotalDelay += delay
	}
}

// Delay computes the wait after the given failed attempt (1-based). Jitter is
// applied before the cap so the expected delay never decreases with attempt.
func (r *Retrier) Delay(attempt int, err error) time.Duration {
	p := r.policy
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if ceiling := 4 * float64(p.MaxDelay); delay > ceiling || math.IsNaN(delay) {
		delay = ceiling
	}
	if p.Jitter > 0 {
		delay += delay * p.Jitter * (r.random()*2 - 1)
	}
	if hint := retryAfter(err); hint > 0 && float64(hint) > delay {
		delay = float64(hint)
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// rateLimitSignal is implemented by typed vendor errors that know their status.
type rateLimitSignal interface {
	RateLimited() bool
}

// retryAfterHint is implemented by errors carrying a server-provided wait.
type retryAfterHint interface {
	RetryAfterHint() time.Duration
}

// rateLimitStatus matches an explicit 429 ("HTTP 429", "status: 429") but not
// the digits inside an address or a larger number.
var rateLimitStatus = regexp.MustCompile(`\b(?:status|http|code)[\s:=]*429\b`)

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
}

// IsRateLimited reports whether err signals vendor throttling, either through
// a typed signal anywhere in the chain or through well-known message markers.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var signal rateLimitSignal
	if errors.As(err, &signal) {
		return signal.RateLimited()
	}
	msg := strings.ToLower(err.Error())
	if rateLimitStatus.MatchString(msg) {
		return true
	}
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryAfter(err error) time.Duration {
	var hint retryAfterHint
	if errors.As(err, &hint) {
		return hint.RetryAfterHint()
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
