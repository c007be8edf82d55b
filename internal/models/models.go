package models

import (
	"strings"
	"time"
)

// Role identifies the author of a canonical message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// ProviderType tags the vendor behind an adapter.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGemini    ProviderType = "gemini"
)

// Message is a single vendor-neutral conversational turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// RetryObserver is invoked before each rate-limit backoff wait.
type RetryObserver func(attempt int, delay time.Duration, err error)

// CompletionRequest is the canonical completion input handed to adapters.
type CompletionRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64

	OnRateLimitRetry RetryObserver
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage, deriving the total when the vendor did not supply one.
func NewUsage(prompt, completion, total int) *Usage {
	if total <= 0 {
		total = prompt + completion
	}
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}

// CompletionResult is the canonical completion output. Provider always names
// the vendor that produced Text.
type CompletionResult struct {
	Text     string       `json:"text"`
	Model    string       `json:"model"`
	Provider ProviderType `json:"provider"`
	Usage    *Usage       `json:"usage,omitempty"`
}

// SplitSystem separates the system instruction from the regular turns. The
// first non-empty system message wins; later system messages are dropped.
func SplitSystem(messages []Message) (system string, turns []Message) {
	turns = make([]Message, 0, len(messages))
	seen := false
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if !seen && strings.TrimSpace(msg.Content) != "" {
				system = msg.Content
				seen = true
			}
			continue
		}
		turns = append(turns, msg)
	}
	return system, turns
}

// RequestBody is the JSON form of a CompletionRequest exchanged between a
// client and the gateway.
type RequestBody struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Request converts the body into a CompletionRequest.
func (b RequestBody) Request() CompletionRequest {
	return CompletionRequest{
		Messages:    b.Messages,
		Model:       strings.TrimSpace(b.Model),
		MaxTokens:   b.MaxTokens,
		Temperature: b.Temperature,
	}
}

// Body returns the JSON form of r. Observers are not carried.
func (r CompletionRequest) Body() RequestBody {
	return RequestBody{
		Model:       r.Model,
		Messages:    r.Messages,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
	}
}
