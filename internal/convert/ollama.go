package convert

import (
	"encoding/json"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// OllamaConverter handles the Ollama chat wire format. Streaming
// replies are newline-delimited JSON, not SSE, and streaming defaults
// to on when the flag is absent.
type OllamaConverter struct{}

func (c *OllamaConverter) Protocol() string          { return ProtocolOllama }
func (c *OllamaConverter) StreamContentType() string { return "application/x-ndjson" }

type ollamaRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string   `json:"role"`
		Content string   `json:"content"`
		Images  []string `json:"images,omitempty"`
	} `json:"messages"`
	Stream  *bool `json:"stream,omitempty"`
	Options *struct {
		Temperature *float64 `json:"temperature,omitempty"`
		NumPredict  *int     `json:"num_predict,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
		Stop        []string `json:"stop,omitempty"`
	} `json:"options,omitempty"`
	Tools []openAITool `json:"tools,omitempty"`
}

func (c *OllamaConverter) Decode(raw []byte) (*canonical.Request, error) {
	var wire ollamaRequest
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
		Model:  wire.Model,
		Stream: wire.Stream == nil || *wire.Stream,
	}
	if opts := wire.Options; opts != nil {
		req.Temperature = opts.Temperature
		req.MaxTokens = opts.NumPredict
		req.TopP = opts.TopP
		req.Stop = opts.Stop
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
		msg := canonical.Message{Role: canonical.NormalizeRole(canonical.Role(m.Role))}
		if m.Content != "" {
			msg.Parts = append(msg.Parts, canonical.TextPart(m.Content))
		}
		for _, img := range m.Images {
			msg.Parts = append(msg.Parts, canonical.Part{
				Type: canonical.PartBinaryRef,
				Data: img,
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	req.Normalize()
	return req, nil
}

func (c *OllamaConverter) Encode(resp *canonical.Response) ([]byte, error) {
	return json.Marshal(map[string]any{
		"model":      resp.Model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message": map[string]any{
			"role":    "assistant",
			"content": resp.Message.Text(),
		},
		"done":              true,
		"done_reason":       ollamaDoneReason(resp.FinishReason),
		"prompt_eval_count": resp.Usage.PromptTokens,
		"eval_count":        resp.Usage.CompletionTokens,
	})
}

func (c *OllamaConverter) EncodeChunk(chunk *canonical.Chunk) ([]byte, error) {
	if chunk.Done {
		line, err := json.Marshal(map[string]any{
			"model":      chunk.Model,
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
			"message":    map[string]any{"role": "assistant", "content": ""},
			"done":       true,
			"done_reason": ollamaDoneReason(chunk.FinishReason),
		})
		if err != nil {
			return nil, err
		}
		return append(line, '\n'), nil
	}
	if chunk.Delta == "" {
		return nil, nil
	}
	line, err := json.Marshal(map[string]any{
		"model":      chunk.Model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message":    map[string]any{"role": "assistant", "content": chunk.Delta},
		"done":       false,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func ollamaDoneReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	default:
		return "stop"
	}
}
