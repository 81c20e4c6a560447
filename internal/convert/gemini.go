package convert

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

// GeminiConverter handles the Google generateContent wire format.
// The protocol knows only the user and model roles; the canonical
// assistant role maps to model on encode and back on decode.
type GeminiConverter struct{}

func (c *GeminiConverter) Protocol() string          { return ProtocolGemini }
func (c *GeminiConverter) StreamContentType() string { return "text/event-stream" }

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	SystemSnake       *geminiContent    `json:"system_instruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiToolGroup struct {
	FunctionDeclarations []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"functionDeclarations"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlob     `json:"inlineData,omitempty"`
	FileData   *geminiFileData `json:"fileData,omitempty"`
	FuncCall   *geminiFuncCall `json:"functionCall,omitempty"`
	FuncResp   *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

func geminiRole(r string) canonical.Role {
	switch r {
	case "model":
		return canonical.RoleAssistant
	case "function", "tool":
		return canonical.RoleTool
	default:
		return canonical.NormalizeRole(canonical.Role(r))
	}
}

func (c *GeminiConverter) Decode(raw []byte) (*canonical.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, invalidf("malformed JSON: %v", err)
	}
	if len(wire.Contents) == 0 {
		return nil, invalidf("contents is required")
	}

	req := &canonical.Request{}
	sys := wire.SystemInstruction
	if sys == nil {
		sys = wire.SystemSnake
	}
	if sys != nil {
		for _, p := range sys.Parts {
			req.System += p.Text
		}
	}
	if gc := wire.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.MaxTokens = gc.MaxOutputTokens
		req.TopP = gc.TopP
		req.Stop = gc.StopSequences
	}
	for _, group := range wire.Tools {
		for _, fd := range group.FunctionDeclarations {
			req.Tools = append(req.Tools, canonical.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	for _, content := range wire.Contents {
		msg := canonical.Message{Role: geminiRole(content.Role)}
		for _, p := range content.Parts {
			switch {
			case p.FuncCall != nil:
				msg.Parts = append(msg.Parts, canonical.Part{
					Type:     canonical.PartToolCall,
					ToolName: p.FuncCall.Name,
					ToolArgs: p.FuncCall.Args,
				})
			case p.FuncResp != nil:
				msg.Parts = append(msg.Parts, canonical.Part{
					Type:       canonical.PartToolResult,
					ToolName:   p.FuncResp.Name,
					ToolResult: string(p.FuncResp.Response),
				})
			case p.InlineData != nil:
				msg.Parts = append(msg.Parts, canonical.Part{
					Type:     canonical.PartBinaryRef,
					MimeType: p.InlineData.MimeType,
					Data:     p.InlineData.Data,
				})
			case p.FileData != nil:
				msg.Parts = append(msg.Parts, canonical.Part{
					Type:     canonical.PartBinaryRef,
					MimeType: p.FileData.MimeType,
					URI:      p.FileData.FileURI,
				})
			default:
				msg.Parts = append(msg.Parts, canonical.TextPart(p.Text))
			}
		}
		req.Messages = append(req.Messages, msg)
	}
	req.Normalize()
	return req, nil
}

func encodeGeminiParts(msg canonical.Message) []geminiPart {
	var parts []geminiPart
	for _, p := range msg.Parts {
		switch p.Type {
		case canonical.PartText:
			parts = append(parts, geminiPart{Text: p.Text})
		case canonical.PartToolCall:
			parts = append(parts, geminiPart{FuncCall: &geminiFuncCall{
				Name: p.ToolName,
				Args: p.ToolArgs,
			}})
		case canonical.PartToolResult:
			parts = append(parts, geminiPart{FuncResp: &geminiFuncResp{
				Name:     p.ToolName,
				Response: json.RawMessage(p.ToolResult),
			}})
		case canonical.PartBinaryRef:
			if p.URI != "" {
				parts = append(parts, geminiPart{FileData: &geminiFileData{
					MimeType: p.MimeType,
					FileURI:  p.URI,
				}})
			} else {
				parts = append(parts, geminiPart{InlineData: &geminiBlob{
					MimeType: p.MimeType,
					Data:     p.Data,
				}})
			}
		}
	}
	return parts
}

type geminiResponseBody struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
		Index        int           `json:"index"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

func (c *GeminiConverter) Encode(resp *canonical.Response) ([]byte, error) {
	body := map[string]any{
		"candidates": []map[string]any{{
			"content": geminiContent{
				Role:  "model",
				Parts: encodeGeminiParts(resp.Message),
			},
			"finishReason": geminiFinishReason(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		},
		"modelVersion": resp.Model,
	}
	return json.Marshal(body)
}

func (c *GeminiConverter) EncodeChunk(chunk *canonical.Chunk) ([]byte, error) {
	// The stream carries no explicit end marker; the final frame is
	// the one with a finish reason.
	if chunk.Done {
		return nil, nil
	}
	candidate := map[string]any{
		"content": geminiContent{
			Role:  "model",
			Parts: []geminiPart{{Text: chunk.Delta}},
		},
		"index": 0,
	}
	if chunk.FinishReason != "" {
		candidate["finishReason"] = geminiFinishReason(chunk.FinishReason)
	}
	body := map[string]any{"candidates": []map[string]any{candidate}}
	if chunk.Usage != nil {
		body["usageMetadata"] = map[string]int{
			"promptTokenCount":     chunk.Usage.PromptTokens,
			"candidatesTokenCount": chunk.Usage.CompletionTokens,
			"totalTokenCount":      chunk.Usage.TotalTokens,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", payload)), nil
}

func geminiFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "tool_calls":
		return "STOP"
	default:
		return "OTHER"
	}
}
