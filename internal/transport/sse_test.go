package transport

import (
	"io"
	"strings"
	"testing"
)

func TestSSEStream_DoneIsCleanEOF(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {\"x\":1}\n\ndata: [DONE]\n\n"))
	stream := NewSSEStream(body)

	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	if string(ev.Data) != `{"x":1}` {
		t.Errorf("event data = %q", ev.Data)
	}
	if ev.Raw {
		t.Error("valid JSON flagged raw")
	}

	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF after [DONE], got %v", err)
	}
	// Recv after EOF stays at EOF.
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected sticky io.EOF, got %v", err)
	}
}

func TestSSEStream_MalformedJSONPassedThroughRaw(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {not json\n\ndata: {\"ok\":1}\n\n"))
	stream := NewSSEStream(body)

	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("malformed payload must not abort the stream: %v", err)
	}
	if !ev.Raw {
		t.Error("expected Raw flag for malformed JSON")
	}
	if string(ev.Data) != "{not json" {
		t.Errorf("raw data = %q", ev.Data)
	}

	ev, err = stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Raw || string(ev.Data) != `{"ok":1}` {
		t.Errorf("second event = %+v", ev)
	}
}

func TestSSEStream_EventNamesAndComments(t *testing.T) {
	input := ": keep-alive\n" +
		"event: message_start\n" +
		"data: {\"type\":\"message_start\"}\n\n" +
		"data: {\"type\":\"plain\"}\n\n"
	stream := NewSSEStream(io.NopCloser(strings.NewReader(input)))

	ev, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "message_start" {
		t.Errorf("event name = %q", ev.Name)
	}

	ev, err = stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Name != "" {
		t.Errorf("event name should reset between events, got %q", ev.Name)
	}
}

func TestSSEStream_EOFWithoutDone(t *testing.T) {
	stream := NewSSEStream(io.NopCloser(strings.NewReader("data: {\"a\":1}\n\n")))
	if _, err := stream.Recv(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF at end of body, got %v", err)
	}
}

func TestNDJSONStream(t *testing.T) {
	input := `{"message":{"content":"a"},"done":false}` + "\n" +
		`{"message":{"content":"b"},"done":true}` + "\n"
	stream := NewNDJSONStream(io.NopCloser(strings.NewReader(input)))

	ev, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(ev.Data), `"content":"a"`) {
		t.Errorf("first line = %q", ev.Data)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatal(err)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
