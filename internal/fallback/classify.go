package fallback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/retry"
)

// Category is the fallback-relevant class of a failed completion.
type Category string

const (
	CategoryRateLimit        Category = "rate_limit"
	CategoryServerError      Category = "server_error"
	CategoryTimeout          Category = "timeout"
	CategoryModelUnavailable Category = "model_unavailable"
	CategoryQuotaExceeded    Category = "quota_exceeded"
	CategoryNetwork          Category = "network"
)

// AllCategories returns every named category. It is the default allow-list.
func AllCategories() []Category {
	return []Category{
		CategoryRateLimit,
		CategoryServerError,
		CategoryTimeout,
		CategoryModelUnavailable,
		CategoryQuotaExceeded,
		CategoryNetwork,
	}
}

// ParseCategories validates configured category names. An empty input yields
// the default allow-list.
func ParseCategories(names []string) ([]Category, error) {
	if len(names) == 0 {
		return AllCategories(), nil
	}
	out := make([]Category, 0, len(names))
	for _, name := range names {
		c := Category(strings.ToLower(strings.TrimSpace(name)))
		if !c.Valid() {
			return nil, fmt.Errorf("unknown fallback category %q", name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Valid reports whether c is one of the named categories.
func (c Category) Valid() bool {
	for _, known := range AllCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// keyword tables are checked in order; the first category with a hit wins.
var keywordTable = []struct {
	category Category
	keywords []string
}{
	{CategoryRateLimit, []string{"rate limit", "rate_limit", "ratelimit", "too many requests"}},
	{CategoryQuotaExceeded, []string{"quota", "insufficient_quota", "billing", "credit balance", "resource_exhausted"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryModelUnavailable, []string{"model_not_found", "model not found", "model unavailable", "model is not available", "does not exist", "unknown model", "not_found_error"}},
	{CategoryServerError, []string{"internal server error", "server error", "bad gateway", "service unavailable", "overloaded"}},
	{CategoryNetwork, []string{"network", "connection refused", "connection reset", "no such host", "broken pipe", "dial tcp", "unexpected eof", "econnreset", "econnrefused", "fetch failed"}},
}

// statusPattern finds an explicit HTTP status in an untyped message, such as
// "status 503" or "HTTP 429:". Bare numbers are ignored; they turn up in
// ports, token counts and request ids.
var statusPattern = regexp.MustCompile(`\b(?:status|http|code)[\s:=]*([1-5]\d\d)\b`)

// Classify maps err onto a Category. The boolean is false for unclassified
// errors, which never trigger fallback. Malformed requests, caller
// cancellation and 4xx statuses other than 402, 404, 408 and 429 are always
// unclassified; their message text is not consulted.
func Classify(err error) (Category, bool) {
	if err == nil {
		return "", false
	}

	var verr *provider.ValidationError
	if errors.As(err, &verr) {
		return "", false
	}
	if errors.Is(err, context.Canceled) {
		return "", false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, true
	}
	if retry.IsRateLimited(err) {
		return CategoryRateLimit, true
	}

	msg := strings.ToLower(err.Error())

	status := 0
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Status
	} else if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	if status != 0 {
		if c, ok := classifyStatus(status); ok {
			return c, true
		}
		if status >= 400 && status < 500 {
			return "", false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, true
		}
		return CategoryNetwork, true
	}

	for _, row := range keywordTable {
		for _, kw := range row.keywords {
			if strings.Contains(msg, kw) {
				return row.category, true
			}
		}
	}
	return "", false
}

func classifyStatus(status int) (Category, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimit, true
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout, true
	case status == http.StatusPaymentRequired:
		return CategoryQuotaExceeded, true
	case status == http.StatusNotFound:
		return CategoryModelUnavailable, true
	case status >= 500:
		return CategoryServerError, true
	default:
		return "", false
	}
}

// Decision is the outcome of ShouldFallback.
type Decision struct {
	Fallback bool
	// Category is empty for unclassified errors.
	Category Category
}

// ShouldFallback classifies err and checks it against the allow-list. A nil
// allow-list means every category is allowed.
func ShouldFallback(err error, allowed []Category) Decision {
	c, ok := Classify(err)
	if !ok {
		return Decision{}
	}
	if allowed == nil {
		return Decision{Fallback: true, Category: c}
	}
	for _, a := range allowed {
		if a == c {
			return Decision{Fallback: true, Category: c}
		}
	}
	return Decision{Category: c}
}
