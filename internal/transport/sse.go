package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
)

// Event is one decoded server-sent event.
type Event struct {
	// Name is the value of the preceding event: line, if any.
	Name string
	// Data is the payload of one complete data: line.
	Data []byte
	// Raw marks a payload that was not valid JSON; it is passed
	// through for the caller to forward or drop, never an error.
	Raw bool
}

// SSEStream lazily decodes newline-delimited server-sent events.
// Recv returns io.EOF after a [DONE] marker or when the body ends.
// Close releases the underlying connection; it is safe to call Close
// while a Recv is blocked.
type SSEStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	event   string
	done    bool
}

// NewSSEStream wraps a response body in an SSE decoder.
func NewSSEStream(body io.ReadCloser) *SSEStream {
	sc := bufio.NewScanner(body)
	// Model outputs can carry large base64 payloads in one line.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEStream{body: body, scanner: sc}
}

// Recv returns the next event. Partial lines are buffered across
// reads; one event is emitted per complete data: line. A literal
// [DONE] payload ends the stream cleanly.
func (s *SSEStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			if data == "[DONE]" {
				s.done = true
				return Event{}, io.EOF
			}
			ev := Event{Name: s.event, Data: []byte(data)}
			s.event = ""
			if !json.Valid(ev.Data) {
				ev.Raw = true
			}
			return ev, nil
		default:
			// Unknown field; ignore per the SSE grammar.
			continue
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	s.done = true
	return Event{}, io.EOF
}

// Close releases the underlying body.
func (s *SSEStream) Close() error {
	s.done = true
	return s.body.Close()
}

// NDJSONStream decodes newline-delimited JSON bodies (the Ollama
// streaming format) with the same Recv/Close surface as SSEStream.
type NDJSONStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func NewNDJSONStream(body io.ReadCloser) *NDJSONStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &NDJSONStream{body: body, scanner: sc}
}

func (s *NDJSONStream) Recv() (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev := Event{Data: append([]byte(nil), line...)}
		if !json.Valid(ev.Data) {
			ev.Raw = true
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	s.done = true
	return Event{}, io.EOF
}

func (s *NDJSONStream) Close() error {
	s.done = true
	return s.body.Close()
}

// EventStream is the common surface of SSE and NDJSON decoders.
type EventStream interface {
	Recv() (Event, error)
	Close() error
}
