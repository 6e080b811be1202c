package parser

import (
	"testing"

	codepromptu "github.com/codepromptu/codepromptu/internal"
)

func TestParseRequestOpenAIChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4","messages":[{"role":"user","content":"ping"}],"temperature":0.2}`)
	ex := ParseRequest(codepromptu.ProviderOpenAI, body)
	if ex.Model != "gpt-4" {
		t.Errorf("model = %q", ex.Model)
	}
	if ex.PromptText != "user: ping" {
		t.Errorf("prompt_text = %q", ex.PromptText)
	}
	if ex.SamplingParams["temperature"] != 0.2 {
		t.Errorf("sampling params = %v", ex.SamplingParams)
	}
	if ex.ParseError != "" {
		t.Errorf("unexpected parse error: %s", ex.ParseError)
	}
}

func TestParseRequestMalformedJSON(t *testing.T) {
	ex := ParseRequest(codepromptu.ProviderOpenAI, []byte("not json"))
	if ex.ParseError == "" {
		t.Error("expected parse error to be recorded")
	}
	if ex.PromptText != "not json" {
		t.Errorf("prompt_text should fall back to raw body, got %q", ex.PromptText)
	}
}

func TestParseRequestPartialExtraction(t *testing.T) {
	// model missing, messages present -> still produce prompt text.
	ex := ParseRequest(codepromptu.ProviderOpenAI, []byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if ex.Model != "" {
		t.Errorf("model = %q, want empty", ex.Model)
	}
	if ex.PromptText != "user: hi" {
		t.Errorf("prompt_text = %q", ex.PromptText)
	}
}

func TestParseRequestGoogleAI(t *testing.T) {
	body := []byte(`{"contents":[{"parts":[{"text":"hello"},{"text":" world"}]}]}`)
	ex := ParseRequest(codepromptu.ProviderGoogleAI, body)
	if ex.PromptText != "hello\n world" {
		t.Errorf("prompt_text = %q", ex.PromptText)
	}
}

func TestParseResponseUsage(t *testing.T) {
	body := []byte(`{"id":"x","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	u := ParseResponse(body)
	if u == nil || u.TotalTokens != 2 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestParseResponseNoUsage(t *testing.T) {
	if u := ParseResponse([]byte(`{"id":"x"}`)); u != nil {
		t.Errorf("usage = %+v, want nil", u)
	}
}

func TestParseSSEUsage(t *testing.T) {
	body := "data: {\"id\":\"1\",\"choices\":[]}\n\n" +
		"data: {\"id\":\"2\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n" +
		"data: [DONE]\n\n"
	u := ParseSSEUsage([]byte(body))
	if u == nil || u.TotalTokens != 7 {
		t.Fatalf("usage = %+v", u)
	}
}
