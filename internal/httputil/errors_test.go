package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAuthError(rec, "req-1", "Not authenticated")

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("request id header = %q", got)
	}

	var apiErr APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Error.Type != "authentication_error" || apiErr.Error.ManifoldReqID != "req-1" {
		t.Errorf("body = %+v", apiErr.Error)
	}
}

func TestWriteFromError_Taxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad field", convert.ErrInvalidRequest), http.StatusBadRequest},
		{convert.ErrUnsupportedProtocol, http.StatusBadRequest},
		{fmt.Errorf("%w: all entries down", pool.ErrNoHealthyProvider), http.StatusServiceUnavailable},
		{transport.ErrUpstreamAuth, http.StatusBadGateway},
		{transport.ErrUpstreamRetryable, http.StatusBadGateway},
		{transport.ErrUpstreamFatal, http.StatusBadGateway},
		{errors.New("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteFromError(rec, "req-2", tc.err)
		if rec.Code != tc.status {
			t.Errorf("WriteFromError(%v) status = %d, want %d", tc.err, rec.Code, tc.status)
		}
		if got := StatusFromError(tc.err); got != tc.status {
			t.Errorf("StatusFromError(%v) = %d, want %d", tc.err, got, tc.status)
		}
	}
}

func TestWriteFromError_NeverEchoesUpstreamBody(t *testing.T) {
	// Upstream error bodies can carry key material; the client-facing
	// message must only hold our classification.
	upstream := fmt.Errorf("%w: status 401: {\"error\":\"bad key sk-secret\"}", transport.ErrUpstreamAuth)
	rec := httptest.NewRecorder()
	WriteFromError(rec, "req-3", upstream)

	var apiErr APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &apiErr); err != nil {
		t.Fatal(err)
	}
	if apiErr.Error.Message != "Upstream rejected the provider credential" {
		t.Errorf("message leaked upstream detail: %q", apiErr.Error.Message)
	}
}
