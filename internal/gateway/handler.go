// Package gateway holds the protocol-facing HTTP handlers: decode the
// inbound wire format, run the canonical request through the pool, and
// encode the reply back in the caller's protocol.
package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manifold-ai/manifold-gateway/internal/auth"
	"github.com/manifold-ai/manifold-gateway/internal/canonical"
	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/httputil"
	"github.com/manifold-ai/manifold-gateway/internal/policy"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/telemetry"
)

// ProviderHeader selects the provider pool explicitly, overriding the
// default derived from the inbound protocol.
const ProviderHeader = "X-Manifold-Provider"

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 10 << 20

// SystemDefault is the configured default system prompt and how it
// combines with a request's own.
type SystemDefault struct {
	Prompt string
	Mode   canonical.SystemMode
}

// Handler holds dependencies for the gateway HTTP handlers.
type Handler struct {
	converters *convert.Registry
	pool       *pool.Manager
	access     *policy.Evaluator
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	system     func() SystemDefault
}

func NewHandler(converters *convert.Registry, p *pool.Manager, access *policy.Evaluator, metrics *telemetry.Metrics, system func() SystemDefault, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if system == nil {
		system = func() SystemDefault { return SystemDefault{Mode: canonical.SystemPassthrough} }
	}
	return &Handler{
		converters: converters,
		pool:       p,
		access:     access,
		metrics:    metrics,
		logger:     logger,
		system:     system,
	}
}

// defaultProvider maps each inbound protocol onto the pool it targets
// when no X-Manifold-Provider header is present.
func defaultProvider(protocol string) string {
	switch protocol {
	case convert.ProtocolAnthropic:
		return "anthropic"
	case convert.ProtocolGemini:
		return "gemini"
	case convert.ProtocolOllama:
		return "ollama"
	default:
		return "openai"
	}
}

func (h *Handler) providerFor(r *http.Request, protocol string) string {
	if p := r.Header.Get(ProviderHeader); p != "" {
		return p
	}
	return defaultProvider(protocol)
}

// Completions returns the handler for one protocol's generation
// endpoint.
func (h *Handler) Completions(protocol string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.handle(w, r, protocol, nil)
	}
}

// GeminiGenerate handles POST /v1beta/models/{model...}. The model
// path segment carries the operation after a colon, and the operation
// decides streaming.
func (h *Handler) GeminiGenerate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	rest := chi.URLParam(r, "*")
	model, op, ok := strings.Cut(rest, ":")
	if !ok {
		httputil.WriteBadRequestError(w, reqID, "expected models/{model}:generateContent")
		return
	}
	var stream bool
	switch op {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		httputil.WriteNotFoundError(w, reqID, "unknown operation "+op)
		return
	}
	h.handle(w, r, convert.ProtocolGemini, &geminiRoute{model: model, stream: stream})
}

type geminiRoute struct {
	model  string
	stream bool
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, protocol string, gemini *geminiRoute) {
	reqID := w.Header().Get("X-Request-ID")
	receivedAt := time.Now()

	conv, err := h.converters.Get(protocol)
	if err != nil {
		httputil.WriteFromError(w, reqID, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	req, err := conv.Decode(body)
	if err != nil {
		httputil.WriteFromError(w, reqID, err)
		return
	}
	if gemini != nil {
		if req.Model == "" {
			req.Model = gemini.model
		}
		req.Stream = gemini.stream
	}

	sys := h.system()
	req.ApplySystemDefault(sys.Prompt, sys.Mode)

	providerType := h.providerFor(r, protocol)

	if h.access != nil {
		keyID, keyName := "", ""
		if info, ok := auth.AuthFromContext(r.Context()); ok {
			keyID, keyName = info.KeyID, info.Name
		}
		d := h.access.Evaluate(r.Context(), policy.EvalInput(keyID, keyName, protocol, providerType, req.Model, req.Stream))
		if !d.Allowed {
			h.logger.Warn("request denied by policy",
				"request_id", reqID, "protocol", protocol, "provider", providerType,
				"model", req.Model, "reason", d.Reason)
			httputil.WriteForbiddenError(w, reqID, "Request denied by policy: "+d.Reason)
			return
		}
	}

	sel, err := h.pool.Select(providerType)
	if err != nil {
		h.logger.Warn("provider selection failed",
			"request_id", reqID, "provider", providerType, "error", err)
		h.recordRequest(protocol, providerType, httputil.StatusFromError(err), receivedAt, nil)
		httputil.WriteFromError(w, reqID, err)
		return
	}

	if req.Stream {
		h.handleStream(w, r, reqID, protocol, conv, sel, req, receivedAt)
		return
	}

	resp, err := sel.Adapter.Generate(r.Context(), req)
	if err != nil {
		h.pool.RecordFailure(sel.EntryID, err)
		h.logger.Error("upstream request failed",
			"request_id", reqID, "provider", providerType, "entry", sel.EntryID, "error", err)
		h.recordRequest(protocol, providerType, httputil.StatusFromError(err), receivedAt, nil)
		httputil.WriteFromError(w, reqID, err)
		return
	}
	h.pool.RecordSuccess(sel.EntryID)

	payload, err := conv.Encode(resp)
	if err != nil {
		h.logger.Error("failed to encode response", "request_id", reqID, "protocol", protocol, "error", err)
		httputil.WriteInternalError(w, reqID, "Failed to encode response")
		return
	}

	h.logger.Info("request completed",
		"request_id", reqID,
		"protocol", protocol,
		"provider", providerType,
		"entry", sel.EntryID,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(receivedAt).Milliseconds(),
		"stream", false,
	)
	h.recordRequest(protocol, providerType, http.StatusOK, receivedAt, &resp.Usage)

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

// ListModels handles GET /v1/models by asking the selected provider
// pool for its live model list.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	providerType := h.providerFor(r, convert.ProtocolOpenAI)

	sel, err := h.pool.Select(providerType)
	if err != nil {
		httputil.WriteFromError(w, reqID, err)
		return
	}

	models, err := sel.Adapter.ListModels(r.Context())
	if err != nil {
		h.pool.RecordFailure(sel.EntryID, err)
		httputil.WriteFromError(w, reqID, err)
		return
	}
	h.pool.RecordSuccess(sel.EntryID)

	writeModelList(w, models)
}

func (h *Handler) recordRequest(protocol, provider string, status int, receivedAt time.Time, usage *canonical.Usage) {
	labels := telemetry.RequestLabels{
		Protocol:   protocol,
		Provider:   provider,
		Status:     strconv.Itoa(status),
		DurationMs: float64(time.Since(receivedAt).Milliseconds()),
	}
	if usage != nil {
		labels.PromptTokens = usage.PromptTokens
		labels.CompletionTokens = usage.CompletionTokens
	}
	h.metrics.RecordRequest(labels)
}
