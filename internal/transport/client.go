// Package transport implements the resilient outbound call layer:
// per-origin connection pooling, DNS caching, bounded retry with
// jittered exponential backoff, and streaming decode.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	Retry           RetryPolicy
	DNSTTL          time.Duration
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
	// RequestTimeout bounds a single unary attempt. Streaming calls
	// are bounded by the caller's context instead.
	RequestTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Retry.MaxRetries == 0 && o.Retry.BackoffBase == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = 32
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = 90 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 120 * time.Second
	}
}

// Client performs unary and streaming outbound calls. One connection
// pool exists per origin (scheme+host+port), created lazily and kept
// warm across calls.
type Client struct {
	opts   Options
	dns    *dnsCache
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*http.Client
}

func NewClient(opts Options, logger *slog.Logger) *Client {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		dns:    newDNSCache(opts.DNSTTL),
		logger: logger,
		pools:  make(map[string]*http.Client),
	}
}

func originKey(u *url.URL) string {
	host := u.Host
	if !strings.Contains(host, ":") {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}
	return u.Scheme + "://" + host
}

// poolFor returns the pooled client for the request's origin,
// creating it on first use.
func (c *Client) poolFor(u *url.URL) *http.Client {
	key := originKey(u)
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.pools[key]; ok {
		return hc
	}
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext:         c.dns.dialContext,
			MaxConnsPerHost:     c.opts.MaxConnsPerHost,
			MaxIdleConns:        c.opts.MaxConnsPerHost,
			MaxIdleConnsPerHost: c.opts.MaxConnsPerHost,
			IdleConnTimeout:     c.opts.IdleConnTimeout,
			ForceAttemptHTTP2:   true,
		},
	}
	c.pools[key] = hc
	c.logger.Debug("created connection pool", "origin", key)
	return hc
}

// Do performs a unary call and returns the response body. Retryable
// failures (429, 5xx, transient network errors) are retried with
// backoff up to the policy's limit; 401/403 and fatal statuses
// propagate immediately.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	pool := c.poolFor(u)

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			d := c.opts.Retry.delay(attempt - 1)
			c.logger.Debug("retrying upstream call", "url", rawURL, "attempt", attempt, "backoff", d)
			if err := sleep(ctx, d); err != nil {
				return nil, err
			}
		}

		payload, retryable, err := c.attempt(ctx, pool, method, rawURL, header, body)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrUpstreamRetryable, lastErr)
}

func (c *Client) attempt(ctx context.Context, pool *http.Client, method, rawURL string, header http.Header, body []byte) (payload []byte, retryable bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}
	copyHeader(req.Header, header)

	resp, err := pool.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if retryableNetErr(err) {
			return nil, true, fmt.Errorf("%w: %v", ErrUpstreamRetryable, err)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: read body: %v", ErrUpstreamRetryable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := newStatusError(resp.StatusCode, data)
		return nil, serr.kind == ErrUpstreamRetryable, serr
	}
	return data, false, nil
}

// Stream performs a streaming call and returns a lazily-pulled event
// sequence. Retries apply only while establishing the stream; once
// the first byte is handed to the caller the stream is not restarted.
// Closing the stream cancels the upstream request.
func (c *Client) Stream(ctx context.Context, method, rawURL string, header http.Header, body []byte) (EventStream, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	pool := c.poolFor(u)

	var lastErr error
	for attempt := 0; attempt <= c.opts.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.opts.Retry.delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		stream, retryable, err := c.openStream(ctx, pool, method, rawURL, header, body)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted: %v", ErrUpstreamRetryable, lastErr)
}

func (c *Client) openStream(ctx context.Context, pool *http.Client, method, rawURL string, header http.Header, body []byte) (EventStream, bool, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, false, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}
	copyHeader(req.Header, header)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := pool.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if retryableNetErr(err) {
			return nil, true, fmt.Errorf("%w: %v", ErrUpstreamRetryable, err)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUpstreamFatal, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		cancel()
		serr := newStatusError(resp.StatusCode, data)
		return nil, serr.kind == ErrUpstreamRetryable, serr
	}

	rc := &cancelReadCloser{rc: resp.Body, cancel: cancel}
	if strings.Contains(resp.Header.Get("Content-Type"), "ndjson") {
		return NewNDJSONStream(rc), false, nil
	}
	return NewSSEStream(rc), false, nil
}

// cancelReadCloser cancels the request context when the stream is
// closed so the pooled connection is released promptly.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
