package provider

import (
	"fmt"
	"net/http"
	"time"

	"gocode-gateway/internal/models"
)

// APIError is returned when a vendor answers with a non-success status.
type APIError struct {
	Provider   models.ProviderType
	Status     int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s error (status %d, %s): %s", e.Provider, e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.Status, e.Message)
}

// RateLimited reports whether the status signals throttling.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// RetryAfterHint exposes the server-provided wait, if any.
func (e *APIError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// RateLimitedError is raised by an adapter once the retry policy gave up on a
// throttled vendor call.
type RateLimitedError struct {
	Provider   models.ProviderType
	Attempts   int
	TotalDelay time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited after %d attempt(s), waited %s: %v", e.Provider, e.Attempts, e.TotalDelay, e.Err)
}

func (e *RateLimitedError) Unwrap() error {
	return e.Err
}

// RateLimited always reports true.
func (e *RateLimitedError) RateLimited() bool {
	return true
}

// ValidationError reports a malformed request. Retrying it anywhere is futile.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Message
}

// Invalid builds a ValidationError.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}
