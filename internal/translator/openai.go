package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/models"
)

var (
	errEmptyMessages  = errors.New("at least one message is required")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidTokens  = errors.New("max_tokens must be positive")
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// An empty model selects the gateway default.
type ChatCompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Stream      bool
	MaxTokens   *int
	Temperature *float64
	User        string
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model               string        `json:"model"`
		Messages            []ChatMessage `json:"messages"`
		Stream              bool          `json:"stream"`
		MaxTokens           *int          `json:"max_tokens"`
		MaxCompletionTokens *int          `json:"max_completion_tokens"`
		Temperature         *float64      `json:"temperature"`
		User                string        `json:"user"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	if r.MaxTokens == nil {
		r.MaxTokens = raw.MaxCompletionTokens
	}
	r.Temperature = raw.Temperature
	r.User = raw.User

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errInvalidTokens
	}
	return nil
}

// ToCanonical converts the OpenAI request into a CompletionRequest.
func (r ChatCompletionRequest) ToCanonical() models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: models.Role(m.Role), Content: m.Content})
	}
	return models.CompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		MaxTokens:   derefInt(r.MaxTokens),
		Temperature: r.Temperature,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats. The
// developer role is read as system.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	role := strings.TrimSpace(raw.Role)
	if role == "developer" {
		role = string(models.RoleSystem)
	}
	if !models.Role(role).Valid() {
		return fmt.Errorf("%w: %s", errInvalidRole, raw.Role)
	}

	m.Role = role
	m.Content = content
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	Model    string        `json:"model"`
	Choices  []ChatChoice  `json:"choices"`
	Usage    *models.Usage `json:"usage,omitempty"`
	Fallback *FallbackInfo `json:"x_fallback,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// FallbackInfo tells the client its request was served by a substitute model.
type FallbackInfo struct {
	OriginalModel string `json:"original_model"`
	Attempts      int    `json:"attempts"`
}

func fallbackInfo(res *fallback.Result) *FallbackInfo {
	if !res.UsedFallback {
		return nil
	}
	return &FallbackInfo{OriginalModel: res.OriginalModel, Attempts: res.FallbackAttempts}
}

// FromResult constructs the OpenAI response shape from a routed completion.
func FromResult(id string, createdUnix int64, res *fallback.Result) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   res.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: string(models.RoleAssistant), Content: res.Text},
			FinishReason: "stop",
		}},
		Usage:    res.Usage,
		Fallback: fallbackInfo(res),
	}
}

// ChatCompletionChunk is one `data:` frame of an OpenAI chat stream.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice carries one delta.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta is the incremental part of a chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// DeltaChunk wraps a text fragment. The first chunk of a stream also names
// the assistant role.
func DeltaChunk(id, model string, createdUnix int64, fragment string, first bool) ChatCompletionChunk {
	delta := ChunkDelta{Content: fragment}
	if first {
		delta.Role = string(models.RoleAssistant)
	}
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   model,
		Choices: []ChunkChoice{{Delta: delta}},
	}
}

// StopChunk closes a stream with finish_reason "stop".
func StopChunk(id, model string, createdUnix int64) ChatCompletionChunk {
	reason := "stop"
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: createdUnix,
		Model:   model,
		Choices: []ChunkChoice{{FinishReason: &reason}},
	}
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
