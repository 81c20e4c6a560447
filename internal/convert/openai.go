package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// OpenAIConverter handles the chat/completions wire format.
type OpenAIConverter struct{}

func (c *OpenAIConverter) Protocol() string          { return ProtocolOpenAI }
func (c *OpenAIConverter) StreamContentType() string { return "text/event-stream" }

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        stringOrSlice   `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    openAIContent    `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// openAIContent accepts either a plain string or an array of typed
// content parts, both of which the wire format allows.
type openAIContent struct {
	parts []canonical.Part
}

func (c *openAIContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "" {
			c.parts = []canonical.Part{canonical.TextPart(s)}
		}
		return nil
	}
	var arr []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url,omitempty"`
	}
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("content must be a string or an array of parts")
	}
	for _, p := range arr {
		switch p.Type {
		case "text":
			c.parts = append(c.parts, canonical.TextPart(p.Text))
		case "image_url":
			c.parts = append(c.parts, canonical.Part{
				Type: canonical.PartBinaryRef,
				URI:  p.ImageURL.URL,
			})
		}
	}
	return nil
}

// stringOrSlice accepts "stop": "x" as well as "stop": ["x","y"].
type stringOrSlice []string

func (s *stringOrSlice) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (c *OpenAIConverter) Decode(raw []byte) (*canonical.Request, error) {
	var wire openAIRequest
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
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxTokens,
		TopP:        wire.TopP,
		Stop:        wire.Stop,
		Stream:      wire.Stream,
	}
	for _, t := range wire.Tools {
		if t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	for _, m := range wire.Messages {
		msg := canonical.Message{
			Role:  canonical.NormalizeRole(canonical.Role(m.Role)),
			Parts: m.Content.parts,
			Name:  m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.Parts = append(msg.Parts, canonical.Part{
				Type:       canonical.PartToolCall,
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				ToolArgs:   json.RawMessage(tc.Function.Arguments),
			})
		}
		if m.ToolCallID != "" {
			msg = canonical.Message{Role: canonical.RoleTool, Parts: []canonical.Part{{
				Type:       canonical.PartToolResult,
				ToolCallID: m.ToolCallID,
				ToolResult: msg.Text(),
			}}}
		}
		req.Messages = append(req.Messages, msg)
	}
	req.Normalize()
	return req, nil
}

type openAIChoice struct {
	Index        int             `json:"index"`
	Message      json.RawMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

func (c *OpenAIConverter) Encode(resp *canonical.Response) ([]byte, error) {
	msg := map[string]any{
		"role":    string(resp.Message.Role),
		"content": resp.Message.Text(),
	}
	var toolCalls []map[string]any
	for _, p := range resp.Message.Parts {
		if p.Type != canonical.PartToolCall {
			continue
		}
		toolCalls = append(toolCalls, map[string]any{
			"id":   p.ToolCallID,
			"type": "function",
			"function": map[string]any{
				"name":      p.ToolName,
				"arguments": string(p.ToolArgs),
			},
		})
	}
	if toolCalls != nil {
		msg["tool_calls"] = toolCalls
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   resp.Model,
		"choices": []openAIChoice{{
			Index:        0,
			Message:      msgJSON,
			FinishReason: resp.FinishReason,
		}},
		"usage": resp.Usage,
	})
}

type openAIStreamChunk struct {
	ID      string               `json:"id,omitempty"`
	Object  string               `json:"object"`
	Created int64                `json:"created"`
	Model   string               `json:"model,omitempty"`
	Choices []openAIStreamChoice `json:"choices"`
}

type openAIStreamChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (c *OpenAIConverter) EncodeChunk(chunk *canonical.Chunk) ([]byte, error) {
	if chunk.Done {
		return []byte("data: [DONE]\n\n"), nil
	}
	choice := openAIStreamChoice{Delta: openAIDelta{
		Role:    string(chunk.Role),
		Content: chunk.Delta,
	}}
	if chunk.FinishReason != "" {
		fr := chunk.FinishReason
		choice.FinishReason = &fr
	}
	payload, err := json.Marshal(openAIStreamChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   chunk.Model,
		Choices: []openAIStreamChoice{choice},
	})
	if err != nil {
		return nil, err
	}
	return []byte("data: " + string(payload) + "\n\n"), nil
}
