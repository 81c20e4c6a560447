package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manifold-ai/manifold-gateway/internal/convert"
	"github.com/manifold-ai/manifold-gateway/internal/policy"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
	"github.com/manifold-ai/manifold-gateway/internal/provider"
	"github.com/manifold-ai/manifold-gateway/internal/transport"
)

// openAIUpstream is an httptest handler speaking just enough of the
// OpenAI API for the gateway to round-trip through a real adapter.
func openAIUpstream(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			frames := []string{
				`{"id":"cc-1","model":"` + req.Model + `","choices":[{"delta":{"role":"assistant"}}]}`,
				`{"id":"cc-1","model":"` + req.Model + `","choices":[{"delta":{"content":"Hello"}}]}`,
				`{"id":"cc-1","model":"` + req.Model + `","choices":[{"delta":{"content":" world"}}]}`,
				`{"id":"cc-1","model":"` + req.Model + `","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2}}`,
			}
			for _, f := range frames {
				fmt.Fprintf(w, "data: %s\n\n", f)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"cc-1","model":%q,"choices":[{"message":{"role":"assistant","content":"Hello world"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`, req.Model)
	})
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"test-model","object":"model"}]}`)
	})
	return mux
}

func newTestHandler(t *testing.T, upstream *httptest.Server, access *policy.Evaluator) (*Handler, *pool.Manager) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	client := transport.NewClient(transport.Options{
		Retry:          transport.RetryPolicy{MaxRetries: 0, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
		RequestTimeout: 5 * time.Second,
	}, logger)
	mgr := pool.NewManager(client, nil, logger)
	if upstream != nil {
		_, err := mgr.Add(pool.EntryConfig{
			Name:    "test-openai",
			Type:    "openai",
			BaseURL: upstream.URL + "/v1",
			Credential: provider.CredentialRef{
				Kind:  provider.CredentialInline,
				Value: "sk-test",
			},
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	h := NewHandler(convert.DefaultRegistry(), mgr, access, nil, nil, logger)
	return h, mgr
}

func postJSON(t *testing.T, router http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCompletions_OpenAIRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/chat/completions",
		`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello world" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestCompletions_AnthropicInOpenAIOut(t *testing.T) {
	// An Anthropic-shaped request served by an OpenAI-shaped upstream,
	// selected with the provider override header.
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/messages",
		`{"model":"test-model","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{ProviderHeader: "openai"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Errorf("type/role = %q/%q", resp.Type, resp.Role)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hello world" {
		t.Fatalf("unexpected content: %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
}

func TestCompletions_Streaming(t *testing.T) {
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/chat/completions",
		`{"model":"test-model","stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"Hello"`) || !strings.Contains(body, `"content":" world"`) {
		t.Errorf("missing content deltas in stream:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream does not end with [DONE]:\n%s", body)
	}
}

func TestCompletions_StreamOutlivesWriteTimeout(t *testing.T) {
	// The upstream drips frames for longer than the server's
	// WriteTimeout; the relay clears the write deadline so the client
	// still sees the whole stream.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"cc-1","model":"m","choices":[{"delta":{"role":"assistant"}}]}`,
			`{"id":"cc-1","model":"m","choices":[{"delta":{"content":"one"}}]}`,
			`{"id":"cc-1","model":"m","choices":[{"delta":{"content":"two"}}]}`,
			`{"id":"cc-1","model":"m","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
			flusher.Flush()
			time.Sleep(60 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream, nil)
	srv := httptest.NewUnstartedServer(Routes(h, nil))
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("stream cut short: %v", err)
	}
	s := string(body)
	if !strings.Contains(s, `"content":"one"`) || !strings.Contains(s, `"content":"two"`) {
		t.Errorf("missing deltas:\n%s", s)
	}
	if !strings.HasSuffix(strings.TrimSpace(s), "data: [DONE]") {
		t.Errorf("stream does not end with [DONE]:\n%s", s)
	}
}

func TestCompletions_NoHealthyProvider(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/chat/completions",
		`{"model":"m","messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "No healthy provider") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestCompletions_InvalidJSON(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/chat/completions", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCompletions_PolicyDenied(t *testing.T) {
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()

	access := policy.NewEvaluator(slog.New(slog.DiscardHandler))
	err := access.LoadFromModules(map[string]string{
		"access.rego": `package manifold.access

import rego.v1

default allow := false
default reason := "model not allowed"

allow if input.request.model != "blocked-model"
`,
	})
	if err != nil {
		t.Fatalf("LoadFromModules: %v", err)
	}

	h, _ := newTestHandler(t, upstream, access)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1/chat/completions",
		`{"model":"blocked-model","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "denied by policy") {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = postJSON(t, router, "/v1/chat/completions",
		`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed model: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestGeminiGenerate_Routing(t *testing.T) {
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream, nil)
	router := Routes(h, nil)

	rec := postJSON(t, router, "/v1beta/models/test-model:generateContent",
		`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`,
		map[string]string{ProviderHeader: "openai"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Content.Parts[0].Text != "Hello world" {
		t.Fatalf("unexpected candidates: %+v", resp.Candidates)
	}

	rec = postJSON(t, router, "/v1beta/models/test-model:tuneModel", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown operation: status = %d", rec.Code)
	}

	rec = postJSON(t, router, "/v1beta/models/no-colon-here", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing operation: status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	upstream := httptest.NewServer(openAIUpstream(t))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream, nil)
	router := Routes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) != 1 || resp.Data[0].ID != "test-model" {
		t.Fatalf("unexpected model list: %+v", resp)
	}
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestHandler(t, nil, nil)
	router := Routes(h, nil)

	req := httptest.NewRequest(http.MethodGet, "/manifold/v1/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("body = %s", rec.Body.String())
	}
}
