package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

func TestResponses_StringInput(t *testing.T) {
	conv := &ResponsesConverter{}
	req, err := conv.Decode([]byte(`{"model":"m","input":"write a haiku"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != canonical.RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Text() != "write a haiku" {
		t.Errorf("text = %q", req.Messages[0].Text())
	}
}

func TestResponses_InstructionsBecomeSystem(t *testing.T) {
	conv := &ResponsesConverter{}
	raw := `{"model":"m","instructions":"be terse","max_output_tokens":32,
		"input":[{"role":"user","content":"hi"}]}`
	req, err := conv.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if req.System != "be terse" {
		t.Errorf("system = %q", req.System)
	}
	if *req.MaxTokens != 32 {
		t.Errorf("max tokens = %d", *req.MaxTokens)
	}
}

func TestResponses_TypedContentParts(t *testing.T) {
	conv := &ResponsesConverter{}
	raw := `{"model":"m","input":[{"role":"user","content":[{"type":"input_text","text":"a"},{"type":"input_text","text":"b"}]}]}`
	req, err := conv.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Messages[0].Text(); got != "ab" {
		t.Errorf("text = %q", got)
	}
}

func TestResponses_EncodeShape(t *testing.T) {
	conv := &ResponsesConverter{}
	payload, err := conv.Encode(&canonical.Response{
		ID:    "resp-1",
		Model: "m",
		Message: canonical.Message{
			Role:  canonical.RoleAssistant,
			Parts: []canonical.Part{canonical.TextPart("done")},
		},
		Usage: canonical.Usage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	var resp struct {
		Object string `json:"object"`
		Status string `json:"status"`
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "response" || resp.Status != "completed" {
		t.Errorf("object/status = %q/%q", resp.Object, resp.Status)
	}
	if resp.Output[0].Content[0].Type != "output_text" || resp.Output[0].Content[0].Text != "done" {
		t.Errorf("output = %+v", resp.Output)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Errorf("total_tokens = %d", resp.Usage.TotalTokens)
	}
}

func TestResponses_ChunkEvents(t *testing.T) {
	conv := &ResponsesConverter{}

	frame, err := conv.EncodeChunk(&canonical.Chunk{Delta: "to"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(frame), "event: response.output_text.delta") {
		t.Errorf("delta frame = %q", frame)
	}

	frame, err = conv.EncodeChunk(&canonical.Chunk{ID: "resp-1", Done: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(frame), "event: response.completed") {
		t.Errorf("done frame = %q", frame)
	}

	// A chunk carrying only a role produces no frame.
	frame, err = conv.EncodeChunk(&canonical.Chunk{Role: canonical.RoleAssistant})
	if err != nil {
		t.Fatal(err)
	}
	if frame != nil {
		t.Errorf("role-only frame = %q", frame)
	}
}
