package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manifold-ai/manifold-gateway/internal/convert"
)

// Routes assembles the full gateway router. The given middlewares
// (auth, rate limiting) wrap every protocol and admin endpoint but
// not the health check.
func Routes(h *Handler, admin *AdminHandler, middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestID)

	r.Get("/manifold/v1/health", healthHandler)

	r.Group(func(r chi.Router) {
		for _, mw := range middlewares {
			r.Use(mw)
		}
		r.Post("/v1/chat/completions", h.Completions(convert.ProtocolOpenAI))
		r.Post("/v1/responses", h.Completions(convert.ProtocolResponses))
		r.Post("/v1/messages", h.Completions(convert.ProtocolAnthropic))
		r.Post("/v1beta/models/*", h.GeminiGenerate)
		r.Post("/api/chat", h.Completions(convert.ProtocolOllama))
		r.Get("/v1/models", h.ListModels)

		if admin != nil {
			r.Mount("/manifold/v1/admin", admin.Routes())
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID assigns every request an ID, honoring one the client
// already sent.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
