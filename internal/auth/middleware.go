package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/manifold-ai/manifold-gateway/internal/httputil"
)

// Middleware authenticates requests via Bearer token. Anthropic and
// Gemini SDKs put the key in x-api-key / x-goog-api-key instead, so
// those headers are accepted as fallbacks.
func Middleware(store KeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			token := bearerToken(r)
			if token == "" {
				httputil.WriteAuthError(w, reqID, "Missing API key. Use: Authorization: Bearer <api-key>")
				return
			}

			meta, err := store.Lookup(r.Context(), HashKey(token))
			if err != nil {
				slog.Error("key lookup failed", "error", err, "key_prefix", KeyPrefix(token))
				httputil.WriteInternalError(w, reqID, "Internal error during authentication")
				return
			}
			if meta == nil {
				slog.Warn("auth failed: key not found", "key_prefix", KeyPrefix(token))
				httputil.WriteAuthError(w, reqID, "Invalid API key")
				return
			}

			info := &AuthInfo{
				KeyID:    meta.ID,
				Name:     meta.Name,
				RPMLimit: meta.RPMLimit,
			}
			next.ServeHTTP(w, r.WithContext(ContextWithAuth(r.Context(), info)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token := strings.TrimPrefix(h, "Bearer "); token != h {
			return token
		}
		return ""
	}
	if h := r.Header.Get("x-api-key"); h != "" {
		return h
	}
	return r.Header.Get("x-goog-api-key")
}
