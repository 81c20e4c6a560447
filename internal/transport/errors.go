package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Sentinel errors for the upstream failure taxonomy. Callers match
// with errors.Is; StatusError instances unwrap to one of these.
var (
	// ErrUpstreamAuth marks a 401/403 from the provider. Never retried
	// here; the adapter refreshes its credential and retries once.
	ErrUpstreamAuth = errors.New("upstream auth error")

	// ErrUpstreamRetryable marks a retryable failure (429, 5xx, or a
	// transient network error) after attempts were exhausted.
	ErrUpstreamRetryable = errors.New("upstream retryable error")

	// ErrUpstreamFatal marks everything else; propagated immediately.
	ErrUpstreamFatal = errors.New("upstream fatal error")
)

// StatusError carries a non-2xx upstream status and response body.
type StatusError struct {
	Status int
	Body   string
	kind   error
}

func newStatusError(status int, body []byte) *StatusError {
	e := &StatusError{Status: status, Body: string(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.kind = ErrUpstreamAuth
	case status == http.StatusTooManyRequests || status >= 500:
		e.kind = ErrUpstreamRetryable
	default:
		e.kind = ErrUpstreamFatal
	}
	return e
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// IsAuthStatus reports whether err carries a 401/403 upstream status.
func IsAuthStatus(err error) bool {
	return errors.Is(err, ErrUpstreamAuth)
}

// retryableNetErr reports whether a transport-level error is worth
// retrying: connection reset, refused, or a timeout.
func retryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
