package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/manifold-ai/manifold-gateway/internal/canonical"
)

func newGeminiTestAdapter(t *testing.T, srv *httptest.Server) Adapter {
	t.Helper()
	a, err := New(Config{
		Type:       TypeGemini,
		BaseURL:    srv.URL,
		Credential: CredentialRef{Kind: CredentialInline, Value: "AIza-test"},
		ProbeModel: "gemini-probe",
	}, testClient(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestGeminiGenerate(t *testing.T) {
	var gotKey string
	var gotBody geminiWireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1beta/models/gemini-test:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"bonjour"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3},"modelVersion":"gemini-test"}`)
	}))
	defer srv.Close()

	a := newGeminiTestAdapter(t, srv)
	resp, err := a.Generate(context.Background(), &canonical.Request{
		Model:  "gemini-test",
		System: "speak french",
		Messages: []canonical.Message{
			{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("hello")}},
			{Role: canonical.RoleAssistant, Parts: []canonical.Part{canonical.TextPart("salut")}},
			{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("again")}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotKey != "AIza-test" {
		t.Errorf("api key header = %q", gotKey)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "speak french" {
		t.Errorf("system instruction = %+v", gotBody.SystemInstruction)
	}
	if len(gotBody.Contents) != 3 || gotBody.Contents[1].Role != "model" {
		t.Errorf("contents = %+v", gotBody.Contents)
	}
	if resp.Message.Text() != "bonjour" {
		t.Errorf("text = %q", resp.Message.Text())
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestGeminiGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"par\"}]}}]}\n\n")
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"tial\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"totalTokenCount\":7}}\n\n")
	}))
	defer srv.Close()

	a := newGeminiTestAdapter(t, srv)
	stream, err := a.GenerateStream(context.Background(), &canonical.Request{
		Model:    "gemini-test",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("hi")}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	first, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if first.Role != canonical.RoleAssistant || first.Delta != "par" {
		t.Errorf("first chunk = %+v", first)
	}

	second, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if second.Delta != "tial" || second.FinishReason != "stop" {
		t.Errorf("second chunk = %+v", second)
	}
	if second.Usage == nil || second.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", second.Usage)
	}

	// Gemini streams have no end marker; EOF yields the done sentinel.
	done, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !done.Done {
		t.Errorf("expected done sentinel, got %+v", done)
	}
}

func TestGeminiListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"models":[{"name":"models/gemini-a"},{"name":"models/gemini-b"}]}`)
	}))
	defer srv.Close()

	a := newGeminiTestAdapter(t, srv)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0].ID != "models/gemini-a" {
		t.Errorf("models = %+v", models)
	}
}

func TestFinishReason(t *testing.T) {
	cases := map[string]string{
		"":               "stop",
		"end_turn":       "stop",
		"STOP":           "stop",
		"max_tokens":     "length",
		"MAX_TOKENS":     "length",
		"tool_use":       "tool_calls",
		"SAFETY":         "content_filter",
		"something_else": "something_else",
	}
	for in, want := range cases {
		if got := finishReason(in); got != want {
			t.Errorf("finishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
