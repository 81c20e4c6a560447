package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

// openAIAdapter speaks the bearer-token chat/completions convention.
// It serves both the OpenAI family and OpenAI-compatible backends
// such as Ollama's /v1 surface.
type openAIAdapter struct {
	cfg    Config
	cred   *Credential
	client *transport.Client
	logger *slog.Logger
}

func newOpenAIAdapter(cfg Config, cred *Credential, client *transport.Client, logger *slog.Logger) *openAIAdapter {
	return &openAIAdapter{cfg: cfg, cred: cred, client: client, logger: logger}
}

func (a *openAIAdapter) Type() string { return a.cfg.Type }

func (a *openAIAdapter) IsAuthError(err error) bool { return transport.IsAuthStatus(err) }

func (a *openAIAdapter) RefreshCredential(ctx context.Context, force bool) error {
	return a.cred.Refresh(ctx, force)
}

func (a *openAIAdapter) CredentialNearExpiry(window time.Duration) bool {
	return a.cred.NearExpiry(window)
}

func (a *openAIAdapter) headers(ctx context.Context, stream bool) (http.Header, error) {
	token, err := a.cred.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUpstreamAuth, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if a.cred.Kind() == CredentialCookie {
		h.Set("Cookie", token)
	} else {
		h.Set("Authorization", "Bearer "+token)
	}
	if stream {
		h.Set("Accept", "text/event-stream")
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	return h, nil
}

type openAIWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type openAIWireRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIWireMessage `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

func (a *openAIAdapter) shapeRequest(req *canonical.Request, stream bool) ([]byte, error) {
	wire := openAIWireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if wire.Model == "" {
		wire.Model = a.cfg.ProbeModel
	}
	if req.System != "" {
		wire.Messages = append(wire.Messages, openAIWireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == canonical.RoleTool {
			role = "user"
		}
		wire.Messages = append(wire.Messages, openAIWireMessage{
			Role:    role,
			Content: m.Text(),
			Name:    m.Name,
		})
	}
	return json.Marshal(wire)
}

type openAIWireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage canonical.Usage `json:"usage"`
}

func (a *openAIAdapter) Generate(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	body, err := a.shapeRequest(req, false)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}

	var resp *canonical.Response
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx, false)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", headers, body)
		if err != nil {
			return err
		}
		var wire openAIWireResponse
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode response: %v", transport.ErrUpstreamFatal, err)
		}
		if len(wire.Choices) == 0 {
			return fmt.Errorf("%w: response has no choices", transport.ErrUpstreamFatal)
		}
		choice := wire.Choices[0]
		resp = &canonical.Response{
			ID:    wire.ID,
			Model: wire.Model,
			Message: canonical.Message{
				Role:  canonical.RoleAssistant,
				Parts: []canonical.Part{canonical.TextPart(choice.Message.Content)},
			},
			FinishReason: finishReason(choice.FinishReason),
			Usage:        wire.Usage,
		}
		return nil
	})
	return resp, err
}

func (a *openAIAdapter) GenerateStream(ctx context.Context, req *canonical.Request) (ChunkStream, error) {
	body, err := a.shapeRequest(req, true)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}

	var stream transport.EventStream
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx, true)
		if err != nil {
			return err
		}
		stream, err = a.client.Stream(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", headers, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &openAIChunkStream{events: stream}, nil
}

type openAIChunkStream struct {
	events  transport.EventStream
	started bool
	done    bool
}

type openAIWireChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *canonical.Usage `json:"usage,omitempty"`
}

func (s *openAIChunkStream) Recv() (*canonical.Chunk, error) {
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
		var wire openAIWireChunk
		if err := json.Unmarshal(ev.Data, &wire); err != nil || len(wire.Choices) == 0 {
			continue
		}
		choice := wire.Choices[0]
		chunk := &canonical.Chunk{
			ID:    wire.ID,
			Model: wire.Model,
			Delta: choice.Delta.Content,
			Usage: wire.Usage,
		}
		if !s.started {
			chunk.Role = canonical.RoleAssistant
			s.started = true
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			chunk.FinishReason = finishReason(*choice.FinishReason)
		}
		return chunk, nil
	}
}

func (s *openAIChunkStream) Close() error {
	s.done = true
	return s.events.Close()
}

func (a *openAIAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx, false)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/models", headers, nil)
		if err != nil {
			return err
		}
		var wire struct {
			Data []struct {
				ID      string `json:"id"`
				OwnedBy string `json:"owned_by"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode models: %v", transport.ErrUpstreamFatal, err)
		}
		models = models[:0]
		for _, m := range wire.Data {
			models = append(models, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
		}
		return nil
	})
	return models, err
}

// trimBase removes a trailing slash so path joining stays predictable.
func trimBase(base string) string { return strings.TrimRight(base, "/") }
