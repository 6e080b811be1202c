// Package parser implements the Request/Response Parser (C4): extraction of
// a normalized {prompt_text, model, sampling_params, token_usage} tuple from
// provider-specific JSON request/response bodies.
package parser

import (
	"strings"

	"github.com/tidwall/gjson"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

// Extracted is the normalized tuple C4 produces for one captured exchange.
type Extracted struct {
	PromptText     string
	Model          string
	SamplingParams map[string]any
	TokenUsage     *codepromptu.TokenUsage
	ParseError     string // set, never returned as an error, on malformed input
}

// ParseRequest extracts prompt text, model, and sampling parameters from a
// provider-specific request body. It never fails: on malformed JSON it
// records ParseError and falls back to the raw body (bounded by the caller)
// as PromptText, exactly as partial extraction is specified to behave.
func ParseRequest(provider codepromptu.Provider, body []byte) Extracted {
	if !gjson.ValidBytes(body) {
		return Extracted{PromptText: string(body), ParseError: "invalid json"}
	}
	root := gjson.ParseBytes(body)

	var out Extracted
	out.Model = root.Get("model").String()
	out.SamplingParams = samplingParams(root)

	switch provider {
	case codepromptu.ProviderOpenAI:
		if msgs := root.Get("messages"); msgs.Exists() && msgs.IsArray() {
			out.PromptText = joinMessages(msgs, "role", "content")
		} else if p := root.Get("prompt"); p.Exists() {
			out.PromptText = p.String()
		}
	case codepromptu.ProviderAnthropic:
		if msgs := root.Get("messages"); msgs.Exists() && msgs.IsArray() {
			out.PromptText = joinMessages(msgs, "role", "content")
		}
	case codepromptu.ProviderGoogleAI:
		out.PromptText = joinGoogleContents(root.Get("contents"))
	default:
		out.PromptText = string(body)
	}

	if out.PromptText == "" {
		out.PromptText = string(body)
		if out.ParseError == "" {
			out.ParseError = "no recognizable prompt field"
		}
	}
	return out
}

// ParseResponse lifts the provider's usage object, when present, into a
// TokenUsage. Streamed responses (SSE) are handled by ParseSSEUsage instead.
func ParseResponse(body []byte) *codepromptu.TokenUsage {
	if !gjson.ValidBytes(body) {
		return nil
	}
	return usageFrom(gjson.ParseBytes(body).Get("usage"))
}

// ParseSSEUsage scans an SSE-framed response body (already captured in full)
// for the final "usage" object, matching the convention OpenAI/Anthropic use
// of emitting usage on the last data: line before [DONE].
func ParseSSEUsage(body []byte) *codepromptu.TokenUsage {
	var usage *codepromptu.TokenUsage
	for _, line := range strings.Split(string(body), "\n") {
		event, data, ok := ParseSSELine(line)
		if !ok || event != "" || data == "" || data == "[DONE]" {
			continue
		}
		if !gjson.Valid(data) {
			continue
		}
		if u := usageFrom(gjson.Parse(data).Get("usage")); u != nil {
			usage = u
		}
	}
	return usage
}

func usageFrom(u gjson.Result) *codepromptu.TokenUsage {
	if !u.Exists() || u.Type != gjson.JSON {
		return nil
	}
	return &codepromptu.TokenUsage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

func samplingParams(root gjson.Result) map[string]any {
	params := map[string]any{}
	for _, key := range []string{"temperature", "max_tokens", "top_p", "frequency_penalty", "presence_penalty", "stop"} {
		if v := root.Get(key); v.Exists() {
			params[key] = v.Value()
		}
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// joinMessages concatenates message content in order, prefixed by role, one
// turn per line.
func joinMessages(msgs gjson.Result, roleKey, contentKey string) string {
	var b strings.Builder
	msgs.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get(roleKey).String()
		content := msg.Get(contentKey)
		var text string
		if content.IsArray() {
			// Multi-part content blocks (Anthropic-style): concatenate text parts.
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Exists() {
					text += t.String()
				}
				return true
			})
		} else {
			text = content.String()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(text)
		return true
	})
	return b.String()
}

func joinGoogleContents(contents gjson.Result) string {
	var b strings.Builder
	contents.ForEach(func(_, content gjson.Result) bool {
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(t.String())
			}
			return true
		})
		return true
	})
	return b.String()
}
