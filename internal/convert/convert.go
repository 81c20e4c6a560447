// Package convert maps wire protocols to and from the canonical chat
// representation. Each supported protocol registers a Converter; the
// gateway looks one up by protocol key and never touches wire shapes
// itself.
package convert

import (
	"errors"
	"fmt"
	"sync"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

var (
	// ErrInvalidRequest marks a decode failure: missing or malformed
	// required fields. Mapped to a 400 by the gateway.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedProtocol is returned by the registry for an
	// unknown protocol key.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Protocol keys understood by the default registry.
const (
	ProtocolOpenAI    = "openai"
	ProtocolResponses = "openai-responses"
	ProtocolAnthropic = "anthropic"
	ProtocolGemini    = "gemini"
	ProtocolOllama    = "ollama"
)

// Converter translates between one wire protocol and the canonical
// model. Decode normalizes the result (role repair, adjacent-role
// merge, system extraction). EncodeChunk returns complete stream
// frames ready to write to the client, or nil for chunks the protocol
// does not express.
type Converter interface {
	Protocol() string
	Decode(raw []byte) (*canonical.Request, error)
	Encode(resp *canonical.Response) ([]byte, error)
	EncodeChunk(chunk *canonical.Chunk) ([]byte, error)
	// StreamContentType is the response content type for streaming
	// replies (SSE for most protocols, NDJSON for Ollama).
	StreamContentType() string
}

// Registry maps protocol keys to converter instances.
type Registry struct {
	mu         sync.RWMutex
	converters map[string]Converter
}

func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

func (r *Registry) Register(c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[c.Protocol()] = c
}

// Get returns the converter for key, or ErrUnsupportedProtocol.
func (r *Registry) Get(key string) (Converter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.converters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, key)
	}
	return c, nil
}

// DefaultRegistry returns a registry with all built-in converters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&OpenAIConverter{})
	r.Register(&ResponsesConverter{})
	r.Register(&AnthropicConverter{})
	r.Register(&GeminiConverter{})
	r.Register(&OllamaConverter{})
	return r
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
