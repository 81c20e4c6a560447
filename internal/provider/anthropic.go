package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

const anthropicVersion = "2023-06-01"

// anthropicDefaultMaxTokens is used when a request names no limit;
// the messages API requires one.
const anthropicDefaultMaxTokens = 4096

type anthropicAdapter struct {
	cfg    Config
	cred   *Credential
	client *transport.Client
	logger *slog.Logger
}

func newAnthropicAdapter(cfg Config, cred *Credential, client *transport.Client, logger *slog.Logger) *anthropicAdapter {
	return &anthropicAdapter{cfg: cfg, cred: cred, client: client, logger: logger}
}

func (a *anthropicAdapter) Type() string { return TypeAnthropic }

func (a *anthropicAdapter) IsAuthError(err error) bool { return transport.IsAuthStatus(err) }

func (a *anthropicAdapter) RefreshCredential(ctx context.Context, force bool) error {
	return a.cred.Refresh(ctx, force)
}

func (a *anthropicAdapter) CredentialNearExpiry(window time.Duration) bool {
	return a.cred.NearExpiry(window)
}

func (a *anthropicAdapter) headers(ctx context.Context) (http.Header, error) {
	token, err := a.cred.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUpstreamAuth, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("anthropic-version", anthropicVersion)
	if a.cred.Kind() == CredentialCookie {
		h.Set("Cookie", token)
	} else {
		h.Set("x-api-key", token)
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	return h, nil
}

type anthropicWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicWireRequest struct {
	Model       string                 `json:"model"`
	Messages    []anthropicWireMessage `json:"messages"`
	System      string                 `json:"system,omitempty"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature *float64               `json:"temperature,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	Stop        []string               `json:"stop_sequences,omitempty"`
	Stream      bool                   `json:"stream,omitempty"`
}

func (a *anthropicAdapter) shapeRequest(req *canonical.Request, stream bool) ([]byte, error) {
	wire := anthropicWireRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if wire.Model == "" {
		wire.Model = a.cfg.ProbeModel
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == canonical.RoleTool {
			role = "user"
		}
		wire.Messages = append(wire.Messages, anthropicWireMessage{
			Role:    role,
			Content: m.Text(),
		})
	}
	return json.Marshal(wire)
}

type anthropicWireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropicAdapter) Generate(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	body, err := a.shapeRequest(req, false)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}

	var resp *canonical.Response
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", headers, body)
		if err != nil {
			return err
		}
		var wire anthropicWireResponse
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode response: %v", transport.ErrUpstreamFatal, err)
		}
		var text string
		for _, block := range wire.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}
		resp = &canonical.Response{
			ID:    wire.ID,
			Model: wire.Model,
			Message: canonical.Message{
				Role:  canonical.RoleAssistant,
				Parts: []canonical.Part{canonical.TextPart(text)},
			},
			FinishReason: finishReason(wire.StopReason),
			Usage: canonical.Usage{
				PromptTokens:     wire.Usage.InputTokens,
				CompletionTokens: wire.Usage.OutputTokens,
				TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
			},
		}
		return nil
	})
	return resp, err
}

func (a *anthropicAdapter) GenerateStream(ctx context.Context, req *canonical.Request) (ChunkStream, error) {
	body, err := a.shapeRequest(req, true)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}

	var stream transport.EventStream
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		stream, err = a.client.Stream(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", headers, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &anthropicChunkStream{events: stream}, nil
}

type anthropicChunkStream struct {
	events transport.EventStream
	id     string
	model  string
	done   bool
}

type anthropicWireEvent struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (s *anthropicChunkStream) Recv() (*canonical.Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		ev, err := s.events.Recv()
		if err == io.EOF {
			s.done = true
			return &canonical.Chunk{Done: true}, nil
		}
		if err != nil {
			return nil, err
		}
		if ev.Raw {
			return &canonical.Chunk{Raw: json.RawMessage(ev.Data)}, nil
		}
		var wire anthropicWireEvent
		if err := json.Unmarshal(ev.Data, &wire); err != nil {
			continue
		}
		switch wire.Type {
		case "message_start":
			s.id = wire.Message.ID
			s.model = wire.Message.Model
			return &canonical.Chunk{
				ID:    s.id,
				Model: s.model,
				Role:  canonical.RoleAssistant,
			}, nil
		case "content_block_delta":
			if wire.Delta.Type != "text_delta" {
				continue
			}
			return &canonical.Chunk{ID: s.id, Model: s.model, Delta: wire.Delta.Text}, nil
		case "message_delta":
			chunk := &canonical.Chunk{
				ID:           s.id,
				Model:        s.model,
				FinishReason: finishReason(wire.Delta.StopReason),
			}
			if wire.Usage.OutputTokens > 0 {
				chunk.Usage = &canonical.Usage{CompletionTokens: wire.Usage.OutputTokens}
			}
			return chunk, nil
		case "message_stop":
			s.done = true
			return &canonical.Chunk{Done: true}, nil
		default:
			// content_block_start, content_block_stop, ping.
			continue
		}
	}
}

func (s *anthropicChunkStream) Close() error {
	s.done = true
	return s.events.Close()
}

func (a *anthropicAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models", headers, nil)
		if err != nil {
			return err
		}
		var wire struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode models: %v", transport.ErrUpstreamFatal, err)
		}
		models = models[:0]
		for _, m := range wire.Data {
			models = append(models, ModelInfo{ID: m.ID, OwnedBy: "anthropic"})
		}
		return nil
	})
	return models, err
}
