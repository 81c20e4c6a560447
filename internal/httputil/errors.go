package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

// APIError matches the OpenAI error response format, which every
// client SDK understands regardless of the inbound protocol.
type APIError struct {
	Error APIErrorBody `json:"error"`
}

type APIErrorBody struct {
	Message       string `json:"message"`
	Type          string `json:"type"`
	Code          string `json:"code"`
	ManifoldReqID string `json:"manifold_request_id,omitempty"`
}

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Error: APIErrorBody{
			Message:       message,
			Type:          errType,
			Code:          code,
			ManifoldReqID: requestID,
		},
	})
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, "authentication_error", "invalid_api_key", message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, "invalid_request_error", "invalid_request", message)
}

func WriteNotFoundError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusNotFound, "invalid_request_error", "not_found", message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, "server_error", "internal_error", message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, "server_error", "service_unavailable", message)
}

func WriteBadGatewayError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadGateway, "server_error", "upstream_error", message)
}

func WriteForbiddenError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusForbidden, "permission_error", "access_denied", message)
}

// WriteFromError maps an internal error onto the client-facing
// taxonomy. Upstream bodies and credentials never leak into the
// message; only our own classification does.
func WriteFromError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, convert.ErrUnsupportedProtocol),
		errors.Is(err, convert.ErrInvalidRequest):
		WriteBadRequestError(w, requestID, err.Error())
	case errors.Is(err, pool.ErrNoHealthyProvider):
		WriteServiceUnavailableError(w, requestID, "No healthy provider available")
	case errors.Is(err, transport.ErrUpstreamAuth):
		WriteBadGatewayError(w, requestID, "Upstream rejected the provider credential")
	case errors.Is(err, transport.ErrUpstreamRetryable):
		WriteBadGatewayError(w, requestID, "Upstream unavailable after retries")
	case errors.Is(err, transport.ErrUpstreamFatal):
		WriteBadGatewayError(w, requestID, "Upstream request failed")
	default:
		WriteInternalError(w, requestID, "Internal error")
	}
}

// StatusFromError returns the HTTP status WriteFromError would use,
// for logging and metrics.
func StatusFromError(err error) int {
	switch {
	case errors.Is(err, convert.ErrUnsupportedProtocol),
		errors.Is(err, convert.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrNoHealthyProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrUpstreamAuth),
		errors.Is(err, transport.ErrUpstreamRetryable),
		errors.Is(err, transport.ErrUpstreamFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
