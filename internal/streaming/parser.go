package streaming

import (
	"strings"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Matcher recognises one vendor's frame payload shape. ok is false when the
// payload is not in that shape.
type Matcher interface {
	Name() string
	Match(payload gjson.Result) (fragment string, ok bool)
}

type matcherFunc struct {
	name string
	fn   func(gjson.Result) (string, bool)
}

func (m matcherFunc) Name() string                               { return m.name }
func (m matcherFunc) Match(payload gjson.Result) (string, bool) { return m.fn(payload) }

// OpenAIDelta matches `choices[0].delta.content`.
var OpenAIDelta Matcher = matcherFunc{name: "openai", fn: func(r gjson.Result) (string, bool) {
	content := r.Get("choices.0.delta.content")
	if !content.Exists() {
		return "", false
	}
	return content.String(), true
}}

// AnthropicDelta matches `delta.text`, which covers content_block_delta
// events, and text carried by a content_block_start.
var AnthropicDelta Matcher = matcherFunc{name: "anthropic", fn: func(r gjson.Result) (string, bool) {
	if text := r.Get("delta.text"); text.Exists() {
		return text.String(), true
	}
	if r.Get("type").String() == "content_block_start" {
		if text := r.Get("content_block.text"); text.Exists() {
			return text.String(), true
		}
	}
	return "", false
}}

// GeminiCandidates matches `candidates[0].content.parts[*].text`.
var GeminiCandidates Matcher = matcherFunc{name: "gemini", fn: func(r gjson.Result) (string, bool) {
	parts := r.Get("candidates.0.content.parts")
	if !parts.Exists() {
		return "", false
	}
	var b strings.Builder
	for _, part := range parts.Array() {
		b.WriteString(part.Get("text").String())
	}
	return b.String(), true
}}

// DefaultMatchers is the ordered matcher list used by NewParser.
func DefaultMatchers() []Matcher {
	return []Matcher{OpenAIDelta, AnthropicDelta, GeminiCandidates}
}

// Parser turns event-stream lines into text fragments. It is stateless and
// safe for concurrent use.
type Parser struct {
	matchers []Matcher
}

// NewParser builds a parser trying matchers in order. No matchers means
// DefaultMatchers.
func NewParser(matchers ...Matcher) *Parser {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Parser{matchers: matchers}
}

// Line is the decoded form of a single event-stream line.
type Line struct {
	Fragment string
	Done     bool
}

// ParseLine decodes one line. ok is false when the line carries nothing to
// emit: it is not a data line, it is JSON in no known shape, or its fragment
// is empty.
func (p *Parser) ParseLine(raw string) (line Line, ok bool) {
	raw = strings.TrimLeft(strings.TrimRight(raw, "\r\n"), " \t")
	if !strings.HasPrefix(raw, dataPrefix) {
		return Line{}, false
	}
	// A single space after the colon belongs to the framing, not the text.
	payload := strings.TrimPrefix(raw[len(dataPrefix):], " ")
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return Line{}, false
	}
	if trimmed == doneMarker {
		return Line{Done: true}, true
	}

	if isJSONDocument(trimmed) {
		doc := gjson.Parse(trimmed)
		for _, m := range p.matchers {
			if fragment, matched := m.Match(doc); matched {
				if fragment == "" {
					return Line{}, false
				}
				return Line{Fragment: fragment}, true
			}
		}
		return Line{}, false
	}

	return Line{Fragment: payload}, true
}

// ParseChunk decodes every line in chunk. Parsing stops at the end marker.
func (p *Parser) ParseChunk(chunk string) (fragments []string, done bool) {
	for _, raw := range strings.Split(chunk, "\n") {
		line, ok := p.ParseLine(raw)
		if !ok {
			continue
		}
		if line.Done {
			return fragments, true
		}
		fragments = append(fragments, line.Fragment)
	}
	return fragments, false
}

func isJSONDocument(payload string) bool {
	if payload[0] != '{' && payload[0] != '[' {
		return false
	}
	return gjson.Valid(payload)
}
