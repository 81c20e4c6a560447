// Package provider implements one adapter per backend family. Each
// adapter wraps the resilient transport, shapes requests for its
// provider's API, and owns its credential state.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

// Provider type tags understood by the factory.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
	TypeOllama    = "ollama"
)

// ModelInfo describes one model exposed by a backend.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ChunkStream is a lazily-pulled sequence of canonical chunks. Recv
// returns io.EOF after the Done sentinel chunk has been delivered.
// Close cancels the upstream read.
type ChunkStream interface {
	Recv() (*canonical.Chunk, error)
	Close() error
}

// Adapter is the capability set the pool manager and gateway depend
// on. Implementations refresh their credential exactly once on an
// authorization failure inside Generate/GenerateStream and retry the
// call a single time; a second authorization failure propagates.
type Adapter interface {
	Type() string
	Generate(ctx context.Context, req *canonical.Request) (*canonical.Response, error)
	GenerateStream(ctx context.Context, req *canonical.Request) (ChunkStream, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	IsAuthError(err error) bool
	RefreshCredential(ctx context.Context, force bool) error
	CredentialNearExpiry(window time.Duration) bool
}

// Config configures one adapter instance.
type Config struct {
	Type       string        `yaml:"type" json:"type"`
	BaseURL    string        `yaml:"base_url" json:"base_url"`
	Credential CredentialRef `yaml:"credential" json:"credential"`
	// ProbeModel is the model used for health probes and as a default
	// when a request names none.
	ProbeModel string            `yaml:"probe_model,omitempty" json:"probe_model,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// New builds an adapter for cfg.Type.
func New(cfg Config, client *transport.Client, logger *slog.Logger) (Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = trimBase(cfg.BaseURL)
	cred := NewCredential(cfg.Credential)
	switch cfg.Type {
	case TypeOpenAI, TypeOllama:
		// Ollama speaks an OpenAI-compatible API on its /v1 surface;
		// both share the bearer-token family.
		return newOpenAIAdapter(cfg, cred, client, logger), nil
	case TypeAnthropic:
		return newAnthropicAdapter(cfg, cred, client, logger), nil
	case TypeGemini:
		return newGeminiAdapter(cfg, cred, client, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// callWithAuthRetry runs fn; on an authorization failure it refreshes
// the credential once and retries once. Any further auth failure, and
// every other error, propagates unchanged.
func callWithAuthRetry(ctx context.Context, cred *Credential, logger *slog.Logger, fn func() error) error {
	err := fn()
	if err == nil || !transport.IsAuthStatus(err) {
		return err
	}
	logger.Warn("upstream rejected credential, refreshing", "error", err)
	if rerr := cred.Refresh(ctx, true); rerr != nil {
		return errors.Join(err, fmt.Errorf("credential refresh: %w", rerr))
	}
	return fn()
}

// finishReason maps assorted upstream finish labels onto the
// canonical set (stop, length, tool_calls, content_filter).
func finishReason(s string) string {
	switch s {
	case "", "stop", "end_turn", "STOP", "stop_sequence":
		return "stop"
	case "length", "max_tokens", "MAX_TOKENS":
		return "length"
	case "tool_use", "tool_calls":
		return "tool_calls"
	case "SAFETY", "content_filter":
		return "content_filter"
	default:
		return s
	}
}
