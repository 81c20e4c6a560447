package convert

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// AnthropicConverter handles the Anthropic messages wire format.
type AnthropicConverter struct{}

func (c *AnthropicConverter) Protocol() string          { return ProtocolAnthropic }
func (c *AnthropicConverter) StreamContentType() string { return "text/event-stream" }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      anthropicSystem    `json:"system,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content anthropicContent `json:"content"`
}

// anthropicSystem accepts either a plain string or text blocks.
type anthropicSystem string

func (s *anthropicSystem) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = anthropicSystem(str)
		return nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or text blocks")
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	*s = anthropicSystem(out)
	return nil
}

// anthropicContent accepts a plain string or an array of typed blocks.
type anthropicContent struct {
	parts []canonical.Part
}

func (c *anthropicContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "" {
			c.parts = []canonical.Part{canonical.TextPart(s)}
		}
		return nil
	}
	var blocks []struct {
		Type      string          `json:"type"`
		Text      string          `json:"text,omitempty"`
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		ToolUseID string          `json:"tool_use_id,omitempty"`
		Content   string          `json:"content,omitempty"`
		Source    struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
			URL       string `json:"url"`
		} `json:"source,omitempty"`
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks")
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			c.parts = append(c.parts, canonical.TextPart(b.Text))
		case "tool_use":
			c.parts = append(c.parts, canonical.Part{
				Type:       canonical.PartToolCall,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				ToolArgs:   b.Input,
			})
		case "tool_result":
			c.parts = append(c.parts, canonical.Part{
				Type:       canonical.PartToolResult,
				ToolCallID: b.ToolUseID,
				ToolResult: b.Content,
			})
		case "image":
			c.parts = append(c.parts, canonical.Part{
				Type:     canonical.PartBinaryRef,
				MimeType: b.Source.MediaType,
				Data:     b.Source.Data,
				URI:      b.Source.URL,
			})
		}
	}
	return nil
}

func (c *AnthropicConverter) Decode(raw []byte) (*canonical.Request, error) {
	var wire anthropicRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, invalidf("model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, invalidf("messages is required")
	}

	req := &canonical.Request{
		Model:       wire.Model,
		System:      string(wire.System),
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		TopP:        wire.TopP,
		Stop:        wire.Stop,
		Stream:      wire.Stream,
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	for _, m := range wire.Messages {
		role := canonical.NormalizeRole(canonical.Role(m.Role))
		// Tool results arrive on user turns in this protocol; keep the
		// canonical tool role when the turn is only tool results.
		if role == canonical.RoleUser && onlyToolResults(m.Content.parts) {
			role = canonical.RoleTool
		}
		req.Messages = append(req.Messages, canonical.Message{
			Role:  role,
			Parts: m.Content.parts,
		})
	}
	req.Normalize()
	return req, nil
}

func onlyToolResults(parts []canonical.Part) bool {
	if len(parts) == 0 {
		return false
	}
	for _, p := range parts {
		if p.Type != canonical.PartToolResult {
			return false
		}
	}
	return true
}

func (c *AnthropicConverter) Encode(resp *canonical.Response) ([]byte, error) {
	var content []map[string]any
	for _, p := range resp.Message.Parts {
		switch p.Type {
		case canonical.PartText:
			content = append(content, map[string]any{"type": "text", "text": p.Text})
		case canonical.PartToolCall:
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCallID,
				"name":  p.ToolName,
				"input": p.ToolArgs,
			})
		}
	}
	return json.Marshal(map[string]any{
		"id":          resp.ID,
		"type":        "message",
		"role":        "assistant",
		"model":       resp.Model,
		"content":     content,
		"stop_reason": anthropicStopReason(resp.FinishReason),
		"usage": map[string]int{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
	})
}

// EncodeChunk maps canonical chunks onto the Anthropic event stream.
// The first chunk (the one carrying a role) produces message_start and
// content_block_start frames; deltas produce content_block_delta; a
// finish reason produces message_delta; the end sentinel closes the
// block and the message.
func (c *AnthropicConverter) EncodeChunk(chunk *canonical.Chunk) ([]byte, error) {
	if chunk.Done {
		return []byte("event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"), nil
	}

	var frames []byte
	if chunk.Role != "" {
		start, err := sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":    chunk.ID,
				"type":  "message",
				"role":  "assistant",
				"model": chunk.Model,
			},
		})
		if err != nil {
			return nil, err
		}
		blockStart, err := sseEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, start...)
		frames = append(frames, blockStart...)
	}
	if chunk.Delta != "" {
		delta, err := sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": chunk.Delta},
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, delta...)
	}
	if chunk.FinishReason != "" {
		body := map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": anthropicStopReason(chunk.FinishReason)},
		}
		if chunk.Usage != nil {
			body["usage"] = map[string]int{"output_tokens": chunk.Usage.CompletionTokens}
		}
		fin, err := sseEvent("message_delta", body)
		if err != nil {
			return nil, err
		}
		frames = append(frames, fin...)
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return frames, nil
}

func sseEvent(event string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return []byte("event: " + event + "\ndata: " + string(payload) + "\n\n"), nil
}

func anthropicStopReason(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}
