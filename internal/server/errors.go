package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/provider"
	"gocode-gateway/internal/retry"
)

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func newErrorBody(e requestError) errorBody {
	var payload errorBody
	payload.Error.Message = e.Message
	payload.Error.Type = e.Type
	payload.Error.Code = e.Code
	return payload
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, newErrorBody(reqErr))
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		_ = c.JSON(he.Code, newErrorBody(requestError{Message: msg, Type: "invalid_request_error"}))
		return
	}

	_ = c.JSON(http.StatusInternalServerError, newErrorBody(requestError{Message: "internal server error", Type: "server_error"}))
}

// toHTTPError maps a routing or vendor failure onto a client-facing status.
func toHTTPError(err error) requestError {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	out := requestError{Status: http.StatusBadGateway, Message: err.Error(), Type: "upstream_error"}

	var verr *provider.ValidationError
	switch {
	case errors.As(err, &verr):
		out.Status, out.Type = http.StatusBadRequest, "invalid_request_error"
		return out
	case errors.Is(err, provider.ErrNoProvider):
		out.Status, out.Type, out.Code = http.StatusBadRequest, "invalid_request_error", "model_not_found"
		return out
	case errors.Is(err, provider.ErrStreamingUnsupported):
		out.Status, out.Type, out.Code = http.StatusBadRequest, "invalid_request_error", "streaming_unsupported"
		return out
	case errors.Is(err, context.Canceled):
		out.Status, out.Type = http.StatusServiceUnavailable, "request_cancelled"
		return out
	case retry.IsRateLimited(err):
		out.Status, out.Type, out.Code = http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded"
		return out
	}

	category, _ := fallback.Classify(err)
	switch category {
	case fallback.CategoryTimeout:
		out.Status, out.Code = http.StatusGatewayTimeout, string(category)
	case fallback.CategoryQuotaExceeded:
		out.Status, out.Type, out.Code = http.StatusTooManyRequests, "insufficient_quota", string(category)
	case fallback.CategoryModelUnavailable:
		out.Status, out.Code = http.StatusNotFound, string(category)
	case fallback.CategoryServerError, fallback.CategoryNetwork:
		out.Code = string(category)
	}
	return out
}
