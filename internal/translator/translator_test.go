package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"gocode-gateway/internal/fallback"
	"gocode-gateway/internal/models"
)

func TestChatCompletionRequestToCanonical(t *testing.T) {
	payload := `{
		"model": " gpt-4o ",
		"stream": true,
		"max_tokens": 256,
		"temperature": 0.2,
		"messages": [
			{"role": "developer", "content": "Be brief."},
			{"role": "user", "content": [{"type": "text", "text": "Hel"}, {"type": "text", "text": "lo"}]},
			{"role": "assistant", "content": "Hi"}
		]
	}`

	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.True(t, req.Stream)

	canonical := req.ToCanonical()
	assert.Equal(t, "gpt-4o", canonical.Model)
	assert.Equal(t, 256, canonical.MaxTokens)
	require.NotNil(t, canonical.Temperature)
	assert.InDelta(t, 0.2, *canonical.Temperature, 1e-9)
	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "Hello"},
		{Role: models.RoleAssistant, Content: "Hi"},
	}, canonical.Messages)
}

func TestChatCompletionRequestMaxCompletionTokens(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"messages":[{"role":"user","content":"hi"}],"max_completion_tokens":64}`), &req))
	assert.Equal(t, 64, req.ToCanonical().MaxTokens)
	assert.Empty(t, req.Model)
}

func TestChatCompletionRequestRejects(t *testing.T) {
	cases := map[string]string{
		"no messages":   `{"model":"gpt-4o","messages":[]}`,
		"tool role":     `{"messages":[{"role":"tool","content":"x"}]}`,
		"image segment": `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{}}]}]}`,
		"null content":  `{"messages":[{"role":"user","content":null}]}`,
		"zero max":      `{"messages":[{"role":"user","content":"x"}],"max_tokens":0}`,
		"not an object": `[]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			var req ChatCompletionRequest
			assert.Error(t, json.Unmarshal([]byte(payload), &req))
		})
	}
}

func TestFromResult(t *testing.T) {
	res := &fallback.Result{
		CompletionResult: models.CompletionResult{
			Text:     "Hello there",
			Model:    "claude-3-5-sonnet-20241022",
			Provider: models.ProviderAnthropic,
			Usage:    models.NewUsage(5, 2, 0),
		},
		UsedFallback:     true,
		OriginalModel:    "gpt-4o",
		FallbackAttempts: 1,
	}

	resp := FromResult("chatcmpl-1", 1700000000, res)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "claude-3-5-sonnet-20241022", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	require.NotNil(t, resp.Fallback)
	assert.Equal(t, "gpt-4o", resp.Fallback.OriginalModel)

	res.UsedFallback = false
	assert.Nil(t, FromResult("chatcmpl-2", 0, res).Fallback)
}

func TestChunks(t *testing.T) {
	first, err := json.Marshal(DeltaChunk("id", "gpt-4o", 1, "Hel", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id","object":"chat.completion.chunk","created":1,"model":"gpt-4o",
		"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`, string(first))

	stop, err := json.Marshal(StopChunk("id", "gpt-4o", 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"id","object":"chat.completion.chunk","created":1,"model":"gpt-4o",
		"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`, string(stop))
}

func TestMessagesRequestToCanonical(t *testing.T) {
	payload := `{
		"model": "claude-3-haiku-20240307",
		"max_tokens": 100,
		"system": [{"type": "text", "text": "Rule one."}, {"type": "text", "text": "  "}, {"type": "text", "text": "Rule two."}],
		"messages": [
			{"role": "user", "content": "Hi"},
			{"role": "assistant", "content": [{"type": "text", "text": "Hello"}]},
			{"role": "user", "content": "Bye"}
		]
	}`

	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.Equal(t, []string{"Rule one.", "Rule two."}, req.System)

	canonical := req.ToCanonical()
	assert.Equal(t, "claude-3-haiku-20240307", canonical.Model)
	assert.Equal(t, 100, canonical.MaxTokens)
	assert.Equal(t, []models.Message{
		{Role: models.RoleSystem, Content: "Rule one.\n\nRule two."},
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello"},
		{Role: models.RoleUser, Content: "Bye"},
	}, canonical.Messages)
}

func TestParseSystemShapes(t *testing.T) {
	cases := map[string][]string{
		`"Be kind"`:                     {"Be kind"},
		`["a", " ", "b"]`:               {"a", "b"},
		`{"type":"text","text":"solo"}`: {"solo"},
		`null`:                          nil,
		`"   "`:                         nil,
	}
	for raw, want := range cases {
		got, err := parseSystem(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := parseSystem(json.RawMessage(`{"type":"image"}`))
	assert.ErrorIs(t, err, errMessagesInvalidSystem)
	_, err = parseSystem(json.RawMessage(`42`))
	assert.ErrorIs(t, err, errMessagesInvalidSystem)
}

func TestMessagesRequestRejects(t *testing.T) {
	var req MessagesRequest
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"messages":[{"role":"system","content":"x"}]}`), &req), errMessagesInvalidRole)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"messages":[]}`), &req), errEmptyMessages)
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"messages":[{"role":"user","content":[{"type":"image"}]}]}`), &req), errMessagesInvalidContent)
}

func TestFromResultMessages(t *testing.T) {
	res := &fallback.Result{CompletionResult: models.CompletionResult{Text: "ok", Model: "gpt-4o", Provider: models.ProviderOpenAI}}

	resp := FromResultMessages("msg_1", res)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, []TextBlock{{Type: "text", Text: "ok"}}, resp.Content)
	assert.Equal(t, MessagesUsage{}, resp.Usage)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestStreamEventSequence(t *testing.T) {
	var names []string
	for _, e := range MessageStartEvents("msg_1", "claude-3-haiku-20240307") {
		names = append(names, e.Name)
	}
	names = append(names, TextDeltaEvent("Hi").Name)
	for _, e := range MessageStopEvents() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, names)

	data, err := json.Marshal(TextDeltaEvent("Hi").Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`, string(data))

	data, err = json.Marshal(ErrorEvent("api_error", "boom").Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":{"type":"api_error","message":"boom"}}`, string(data))
}

func TestChatMessageOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roles := []string{"system", "user", "assistant"}
		n := rapid.IntRange(1, 12).Draw(t, "n")
		msgs := make([]ChatMessage, n)
		for i := range msgs {
			msgs[i] = ChatMessage{
				Role:    rapid.SampledFrom(roles).Draw(t, "role"),
				Content: rapid.StringMatching(`[a-z ]{0,16}`).Draw(t, "content"),
			}
		}
		raw, err := json.Marshal(map[string]any{"messages": msgs})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		var req ChatCompletionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		canonical := req.ToCanonical().Messages
		if len(canonical) != n {
			t.Fatalf("got %d messages, want %d", len(canonical), n)
		}
		for i := range msgs {
			if string(canonical[i].Role) != msgs[i].Role || canonical[i].Content != msgs[i].Content {
				t.Fatalf("message %d reordered or altered: %+v vs %+v", i, canonical[i], msgs[i])
			}
		}
	})
}
