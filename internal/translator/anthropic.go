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
	errMessagesInvalidRole    = errors.New("invalid role")
	errMessagesInvalidContent = errors.New("invalid message content")
	errMessagesInvalidSystem  = errors.New("invalid system prompt")
)

// MessagesRequest models the Anthropic /v1/messages payload.
type MessagesRequest struct {
	Model       string
	MaxTokens   *int
	Messages    []MessagesMessage
	System      []string
	Stream      bool
	Temperature *float64
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *MessagesRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string            `json:"model"`
		MaxTokens   *int              `json:"max_tokens"`
		Messages    []MessagesMessage `json:"messages"`
		System      json.RawMessage   `json:"system"`
		Stream      bool              `json:"stream"`
		Temperature *float64          `json:"temperature"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode messages request: %w", err)
	}

	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = system
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature

	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return errInvalidTokens
	}
	return nil
}

// ToCanonical converts the request into a CompletionRequest. System blocks
// collapse into one leading system message.
func (r MessagesRequest) ToCanonical() models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+1)
	if len(r.System) > 0 {
		msgs = append(msgs, models.Message{Role: models.RoleSystem, Content: strings.Join(r.System, "\n\n")})
	}
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

// MessagesMessage represents a single conversation turn.
type MessagesMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON normalises string and text-block content.
func (m *MessagesMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.TrimSpace(raw.Role)
	switch models.Role(m.Role) {
	case models.RoleUser, models.RoleAssistant:
	default:
		return fmt.Errorf("%w: %s", errMessagesInvalidRole, raw.Role)
	}

	content, err := extractBlocks(raw.Content)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

// TextBlock is a text content block.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func extractBlocks(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errMessagesInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var blocks []TextBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", errMessagesInvalidContent
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if block.Type != "text" {
			return "", fmt.Errorf("%w: unsupported block type %q", errMessagesInvalidContent, block.Type)
		}
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n"), nil
}

// parseSystem accepts a string, a list of strings, a text block or a list of
// text blocks. Blank entries are dropped.
func parseSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return nonBlank(single), nil
	}

	var multiple []string
	if err := json.Unmarshal(raw, &multiple); err == nil {
		return nonBlank(multiple...), nil
	}

	var block TextBlock
	if err := json.Unmarshal(raw, &block); err == nil && block.Type != "" {
		if block.Type != "text" {
			return nil, fmt.Errorf("%w: unsupported block type %q", errMessagesInvalidSystem, block.Type)
		}
		return nonBlank(block.Text), nil
	}

	var blocks []TextBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type != "" && b.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errMessagesInvalidSystem, b.Type)
			}
			texts = append(texts, b.Text)
		}
		return nonBlank(texts...), nil
	}

	return nil, errMessagesInvalidSystem
}

func nonBlank(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// MessagesResponse models the Anthropic response payload.
type MessagesResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Model      string        `json:"model"`
	Content    []TextBlock   `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      MessagesUsage `json:"usage"`
	Fallback   *FallbackInfo `json:"x_fallback,omitempty"`
}

// MessagesUsage mirrors Anthropic usage format.
type MessagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func messagesUsage(u *models.Usage) MessagesUsage {
	if u == nil {
		return MessagesUsage{}
	}
	return MessagesUsage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
}

// FromResultMessages converts a routed completion to the Anthropic shape.
func FromResultMessages(id string, res *fallback.Result) MessagesResponse {
	return MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       string(models.RoleAssistant),
		Model:      res.Model,
		Content:    []TextBlock{{Type: "text", Text: res.Text}},
		StopReason: "end_turn",
		Usage:      messagesUsage(res.Usage),
		Fallback:   fallbackInfo(res),
	}
}

// Event is one named server-sent event.
type Event struct {
	Name string
	Data any
}

// MessageStartEvents opens an Anthropic-style stream: message_start followed
// by the start of the single text block.
func MessageStartEvents(id, model string) []Event {
	return []Event{
		{Name: "message_start", Data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          string(models.RoleAssistant),
				"model":         model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         MessagesUsage{},
			},
		}},
		{Name: "content_block_start", Data: map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": TextBlock{Type: "text", Text: ""},
		}},
	}
}

// TextDeltaEvent carries one fragment of the text block.
func TextDeltaEvent(fragment string) Event {
	return Event{Name: "content_block_delta", Data: map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]any{"type": "text_delta", "text": fragment},
	}}
}

// MessageStopEvents closes the text block and the message.
func MessageStopEvents() []Event {
	return []Event{
		{Name: "content_block_stop", Data: map[string]any{"type": "content_block_stop", "index": 0}},
		{Name: "message_delta", Data: map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
			"usage": MessagesUsage{},
		}},
		{Name: "message_stop", Data: map[string]any{"type": "message_stop"}},
	}
}

// ErrorEvent reports a stream failure in the Anthropic error shape.
func ErrorEvent(errType, message string) Event {
	return Event{Name: "error", Data: map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": message},
	}}
}
