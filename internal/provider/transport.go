package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gocode-gateway/internal/models"
	"gocode-gateway/internal/retry"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "gocode-gateway/0.1"
	maxErrorBody    = 64 * 1024
)

// Transport carries the HTTP plumbing shared by the adapters.
type Transport struct {
	Provider models.ProviderType
	Client   *http.Client
	Headers  map[string]string
}

// PostJSON posts payload to url and decodes a success body into out.
func (t Transport) PostJSON(ctx context.Context, url string, payload, out any) error {
	resp, err := t.post(ctx, url, payload, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", t.Provider, err)
	}
	return nil
}

// OpenStream posts payload to url and hands back the event-stream body.
// The caller owns closing it.
func (t Transport) OpenStream(ctx context.Context, url string, payload any) (io.ReadCloser, error) {
	resp, err := t.post(ctx, url, payload, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (t Transport) post(ctx context.Context, url string, payload any, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", t.Provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, ParseAPIError(t.Provider, resp)
	}
	return resp, nil
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ParseAPIError converts a non-success response into an *APIError.
func ParseAPIError(p models.ProviderType, resp *http.Response) *APIError {
	apiErr := &APIError{
		Provider:   p,
		Status:     resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		apiErr.Message = fmt.Sprintf("failed to read error body: %v", err)
		return apiErr
	}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
		if apiErr.Type == "" {
			apiErr.Type = envelope.Error.Status
		}
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(body))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Call runs fn under the retry policy. A rate-limited failure that survives
// every retry is raised as a *RateLimitedError; other failures pass through.
func Call[T any](ctx context.Context, r *retry.Retrier, p models.ProviderType, observer models.RetryObserver, fn func(context.Context) (T, error)) (T, error) {
	out := retry.Do(ctx, r, retry.Observer(observer), fn)
	if out.Err == nil {
		return out.Value, nil
	}

	var zero T
	if retry.IsRateLimited(out.Err) && !errors.Is(out.Err, context.Canceled) && !errors.Is(out.Err, context.DeadlineExceeded) {
		return zero, &RateLimitedError{
			Provider:   p,
			Attempts:   out.Attempts,
			TotalDelay: out.TotalDelay,
			Err:        out.Err,
		}
	}
	return zero, out.Err
}
