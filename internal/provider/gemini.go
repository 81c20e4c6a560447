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

// geminiAdapter speaks the generateContent convention. API-key
// credentials go in the x-goog-api-key header; file-sourced OAuth
// tokens use a bearer header and are re-read from disk on refresh.
type geminiAdapter struct {
	cfg    Config
	cred   *Credential
	client *transport.Client
	logger *slog.Logger
}

func newGeminiAdapter(cfg Config, cred *Credential, client *transport.Client, logger *slog.Logger) *geminiAdapter {
	return &geminiAdapter{cfg: cfg, cred: cred, client: client, logger: logger}
}

func (a *geminiAdapter) Type() string { return TypeGemini }

func (a *geminiAdapter) IsAuthError(err error) bool { return transport.IsAuthStatus(err) }

func (a *geminiAdapter) RefreshCredential(ctx context.Context, force bool) error {
	return a.cred.Refresh(ctx, force)
}

func (a *geminiAdapter) CredentialNearExpiry(window time.Duration) bool {
	return a.cred.NearExpiry(window)
}

func (a *geminiAdapter) headers(ctx context.Context) (http.Header, error) {
	token, err := a.cred.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrUpstreamAuth, err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	switch a.cred.Kind() {
	case CredentialFile:
		h.Set("Authorization", "Bearer "+token)
	case CredentialCookie:
		h.Set("Cookie", token)
	default:
		h.Set("x-goog-api-key", token)
	}
	for k, v := range a.cfg.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	return h, nil
}

type geminiWirePart struct {
	Text string `json:"text,omitempty"`
}

type geminiWireContent struct {
	Role  string           `json:"role,omitempty"`
	Parts []geminiWirePart `json:"parts"`
}

type geminiWireRequest struct {
	Contents          []geminiWireContent `json:"contents"`
	SystemInstruction *geminiWireContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiWireGenCfg   `json:"generationConfig,omitempty"`
}

type geminiWireGenCfg struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

func (a *geminiAdapter) model(req *canonical.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.cfg.ProbeModel
}

func (a *geminiAdapter) shapeRequest(req *canonical.Request) ([]byte, error) {
	wire := geminiWireRequest{}
	if req.System != "" {
		wire.SystemInstruction = &geminiWireContent{Parts: []geminiWirePart{{Text: req.System}}}
	}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		wire.GenerationConfig = &geminiWireGenCfg{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		}
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == canonical.RoleAssistant {
			role = "model"
		}
		wire.Contents = append(wire.Contents, geminiWireContent{
			Role:  role,
			Parts: []geminiWirePart{{Text: m.Text()}},
		})
	}
	return json.Marshal(wire)
}

type geminiWireResponse struct {
	Candidates []struct {
		Content      geminiWireContent `json:"content"`
		FinishReason string            `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (w *geminiWireResponse) toChunk() *canonical.Chunk {
	if len(w.Candidates) == 0 {
		return nil
	}
	cand := w.Candidates[0]
	var text string
	for _, p := range cand.Content.Parts {
		text += p.Text
	}
	chunk := &canonical.Chunk{Model: w.ModelVersion, Delta: text}
	if cand.FinishReason != "" {
		chunk.FinishReason = finishReason(cand.FinishReason)
		chunk.Usage = &canonical.Usage{
			PromptTokens:     w.UsageMetadata.PromptTokenCount,
			CompletionTokens: w.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      w.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk
}

func (a *geminiAdapter) Generate(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	body, err := a.shapeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.cfg.BaseURL, a.model(req))

	var resp *canonical.Response
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodPost, url, headers, body)
		if err != nil {
			return err
		}
		var wire geminiWireResponse
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode response: %v", transport.ErrUpstreamFatal, err)
		}
		if len(wire.Candidates) == 0 {
			return fmt.Errorf("%w: response has no candidates", transport.ErrUpstreamFatal)
		}
		cand := wire.Candidates[0]
		var text string
		for _, p := range cand.Content.Parts {
			text += p.Text
		}
		model := wire.ModelVersion
		if model == "" {
			model = a.model(req)
		}
		resp = &canonical.Response{
			Model: model,
			Message: canonical.Message{
				Role:  canonical.RoleAssistant,
				Parts: []canonical.Part{canonical.TextPart(text)},
			},
			FinishReason: finishReason(cand.FinishReason),
			Usage: canonical.Usage{
				PromptTokens:     wire.UsageMetadata.PromptTokenCount,
				CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      wire.UsageMetadata.TotalTokenCount,
			},
		}
		return nil
	})
	return resp, err
}

func (a *geminiAdapter) GenerateStream(ctx context.Context, req *canonical.Request) (ChunkStream, error) {
	body, err := a.shapeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("shape request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.cfg.BaseURL, a.model(req))

	var stream transport.EventStream
	err = callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		stream, err = a.client.Stream(ctx, http.MethodPost, url, headers, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &geminiChunkStream{events: stream}, nil
}

type geminiChunkStream struct {
	events  transport.EventStream
	started bool
	done    bool
}

func (s *geminiChunkStream) Recv() (*canonical.Chunk, error) {
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
		var wire geminiWireResponse
		if err := json.Unmarshal(ev.Data, &wire); err != nil {
			continue
		}
		chunk := wire.toChunk()
		if chunk == nil {
			continue
		}
		if !s.started {
			chunk.Role = canonical.RoleAssistant
			s.started = true
		}
		return chunk, nil
	}
}

func (s *geminiChunkStream) Close() error {
	s.done = true
	return s.events.Close()
}

func (a *geminiAdapter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var models []ModelInfo
	err := callWithAuthRetry(ctx, a.cred, a.logger, func() error {
		headers, err := a.headers(ctx)
		if err != nil {
			return err
		}
		payload, err := a.client.Do(ctx, http.MethodGet, a.cfg.BaseURL+"/v1beta/models", headers, nil)
		if err != nil {
			return err
		}
		var wire struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.Unmarshal(payload, &wire); err != nil {
			return fmt.Errorf("%w: decode models: %v", transport.ErrUpstreamFatal, err)
		}
		models = models[:0]
		for _, m := range wire.Models {
			models = append(models, ModelInfo{ID: m.Name, OwnedBy: "google"})
		}
		return nil
	})
	return models, err
}
