package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// ResponsesConverter handles the OpenAI "responses" wire format, where
// input may be a bare string or a list of typed items and the system
// prompt travels in the instructions field.
type ResponsesConverter struct{}

func (c *ResponsesConverter) Protocol() string          { return ProtocolResponses }
func (c *ResponsesConverter) StreamContentType() string { return "text/event-stream" }

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           responsesInput `json:"input"`
	Instructions    string         `json:"instructions,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	Stream          bool           `json:"stream,omitempty"`
	Tools           []struct {
		Type        string          `json:"type"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"tools,omitempty"`
}

// responsesInput accepts a bare string (a single user turn) or a list
// of role-tagged items whose content is a string or typed parts.
type responsesInput struct {
	messages []canonical.Message
}

func (in *responsesInput) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		in.messages = []canonical.Message{{
			Role:  canonical.RoleUser,
			Parts: []canonical.Part{canonical.TextPart(s)},
		}}
		return nil
	}
	var items []struct {
		Role    string        `json:"role"`
		Content openAIContent `json:"content"`
	}
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("input must be a string or an array of items")
	}
	for _, it := range items {
		in.messages = append(in.messages, canonical.Message{
			Role:  canonical.NormalizeRole(canonical.Role(it.Role)),
			Parts: it.Content.parts,
		})
	}
	return nil
}

func (c *ResponsesConverter) Decode(raw []byte) (*canonical.Request, error) {
	var wire responsesRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, invalidf("model is required")
	}
	if len(wire.Input.messages) == 0 {
		return nil, invalidf("input is required")
	}

	req := &canonical.Request{
		Model:       wire.Model,
		Messages:    wire.Input.messages,
		System:      wire.Instructions,
		Temperature: wire.Temperature,
		MaxTokens:   wire.MaxOutputTokens,
		TopP:        wire.TopP,
		Stream:      wire.Stream,
	}
	for _, t := range wire.Tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	req.Normalize()
	return req, nil
}

func (c *ResponsesConverter) Encode(resp *canonical.Response) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":         resp.ID,
		"object":     "response",
		"created_at": time.Now().Unix(),
		"status":     "completed",
		"model":      resp.Model,
		"output": []map[string]any{{
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{{
				"type": "output_text",
				"text": resp.Message.Text(),
			}},
		}},
		"usage": map[string]int{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	})
}

func (c *ResponsesConverter) EncodeChunk(chunk *canonical.Chunk) ([]byte, error) {
	if chunk.Done {
		return sseEvent("response.completed", map[string]any{
			"type": "response.completed",
			"response": map[string]any{
				"id":     chunk.ID,
				"status": "completed",
			},
		})
	}
	if chunk.Delta == "" && chunk.FinishReason == "" {
		return nil, nil
	}
	if chunk.Delta != "" {
		return sseEvent("response.output_text.delta", map[string]any{
			"type":  "response.output_text.delta",
			"delta": chunk.Delta,
		})
	}
	return sseEvent("response.output_text.done", map[string]any{
		"type": "response.output_text.done",
	})
}
