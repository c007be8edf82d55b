package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gocode-gateway/internal/models"
	"gocode-gateway/internal/streaming"
	"gocode-gateway/internal/translator"
)

// doneMarker terminates an OpenAI-style event stream.
const doneMarker = "[DONE]"

// sseFormat renders normalized fragments in one client-facing wire shape.
type sseFormat interface {
	Open(id, model string) []translator.Event
	Delta(id, model, fragment string, first bool) translator.Event
	Close(id, model string) []translator.Event
	Fail(err requestError) translator.Event
}

type openAIFormat struct {
	created int64
}

func (openAIFormat) Open(string, string) []translator.Event { return nil }

func (f openAIFormat) Delta(id, model, fragment string, first bool) translator.Event {
	return translator.Event{Data: translator.DeltaChunk("chatcmpl-"+id, model, f.created, fragment, first)}
}

func (f openAIFormat) Close(id, model string) []translator.Event {
	return []translator.Event{
		{Data: translator.StopChunk("chatcmpl-"+id, model, f.created)},
		{Data: doneMarker},
	}
}

func (openAIFormat) Fail(err requestError) translator.Event {
	return translator.Event{Name: "error", Data: newErrorBody(err)}
}

type anthropicFormat struct{}

func (anthropicFormat) Open(id, model string) []translator.Event {
	return translator.MessageStartEvents("msg_"+id, model)
}

func (anthropicFormat) Delta(_, _, fragment string, _ bool) translator.Event {
	return translator.TextDeltaEvent(fragment)
}

func (anthropicFormat) Close(string, string) []translator.Event {
	return translator.MessageStopEvents()
}

func (anthropicFormat) Fail(err requestError) translator.Event {
	return translator.ErrorEvent(err.Type, err.Message)
}

// streamCompletion relays a normalized stream to the client. Headers are
// deferred until the first event so a stream that fails to open still gets an
// ordinary JSON error response.
func (s *Server) streamCompletion(c echo.Context, req models.CompletionRequest, format sseFormat) error {
	if req.Model == "" {
		req.Model = s.router.DefaultModel()
	}
	id := requestID(c)
	res := c.Response()
	normalizer := s.router.NewNormalizer()
	logger := s.logger.With(zap.String("request_id", id), zap.String("model", req.Model))

	var (
		started  bool
		first    = true
		writeErr error
	)
	emit := func(events ...translator.Event) {
		if writeErr != nil {
			return
		}
		if !started {
			started = true
			header := res.Header()
			header.Set(echo.HeaderContentType, "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
			res.WriteHeader(http.StatusOK)
			events = append(format.Open(id, req.Model), events...)
		}
		for _, e := range events {
			if writeErr = writeSSEEvent(res, e); writeErr != nil {
				logger.Debug("client stream write failed", zap.Error(writeErr))
				normalizer.Cancel()
				return
			}
		}
		res.Flush()
	}

	snap, err := normalizer.Stream(c.Request().Context(), req, streaming.Callbacks{
		OnChunk: func(fragment, _ string) {
			emit(format.Delta(id, req.Model, fragment, first))
			first = false
		},
	})

	switch {
	case err != nil && !started:
		return toHTTPError(err)
	case err != nil:
		emit(format.Fail(toHTTPError(err)))
	case snap.Status == streaming.StatusComplete:
		emit(format.Close(id, req.Model)...)
	default:
		logger.Debug("stream ended without completing", zap.String("status", string(snap.Status)))
	}
	return nil
}

// writeSSEEvent writes one event. String data is written verbatim; anything
// else is JSON encoded.
func writeSSEEvent(w io.Writer, e translator.Event) error {
	var data []byte
	switch v := e.Data.(type) {
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal SSE payload: %w", err)
		}
		data = encoded
	}

	if e.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", e.Name); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	return nil
}
