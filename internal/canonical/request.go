package canonical

import "encoding/json"

// Tool is a tool declaration forwarded to providers that support them.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is the canonical internal representation of a chat request.
// All wire protocols are converted to and from this type.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// System is held separately from Messages; converters extract a
	// leading system message into this slot at decode time.
	System string `json:"system,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Tools       []Tool   `json:"tools,omitempty"`

	Stream bool `json:"stream"`
}

// Usage is a running token count reported by providers.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical representation of a completed chat turn.
type Response struct {
	ID           string  `json:"id,omitempty"`
	Model        string  `json:"model"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Usage        Usage   `json:"usage"`
}

// Chunk is one partial output of a streaming response. Chunks are
// ordered and not restartable; the final chunk has Done set.
type Chunk struct {
	ID           string `json:"id,omitempty"`
	Model        string `json:"model,omitempty"`
	Role         Role   `json:"role,omitempty"`
	Delta        string `json:"delta,omitempty"`
	ToolCall     *Part  `json:"tool_call,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// Done marks the end-of-stream sentinel. No chunk follows it.
	Done bool `json:"done,omitempty"`

	// Raw carries an upstream payload that failed to parse; forwarded
	// as-is rather than aborting the stream.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// SystemMode controls how a configured default system prompt combines
// with one extracted from the request.
type SystemMode string

const (
	// SystemPassthrough keeps the request's own system prompt and uses
	// the default only when the request carries none.
	SystemPassthrough SystemMode = "passthrough"
	// SystemOverride always substitutes the configured default.
	SystemOverride SystemMode = "override"
	// SystemAppend appends the default after the extracted prompt.
	SystemAppend SystemMode = "append"
)

// ApplySystemDefault combines the request's system prompt with the
// configured default according to mode.
func (r *Request) ApplySystemDefault(def string, mode SystemMode) {
	if def == "" {
		return
	}
	switch mode {
	case SystemOverride:
		r.System = def
	case SystemAppend:
		if r.System == "" {
			r.System = def
		} else {
			r.System = r.System + "\n\n" + def
		}
	default: // passthrough
		if r.System == "" {
			r.System = def
		}
	}
}

// Normalize repairs roles, hoists a leading system message into the
// System slot, and merges adjacent same-role messages so that no two
// neighbors share a role. Content parts are concatenated in order.
func (r *Request) Normalize() {
	msgs := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		m.Role = NormalizeRole(m.Role)
		if m.Role == RoleSystem {
			// Pull system content into the dedicated slot.
			if txt := m.Text(); txt != "" {
				if r.System == "" {
					r.System = txt
				} else {
					r.System = r.System + "\n" + txt
				}
			}
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == m.Role {
			msgs[n-1].Parts = append(msgs[n-1].Parts, m.Parts...)
			if msgs[n-1].Name == "" {
				msgs[n-1].Name = m.Name
			}
			continue
		}
		msgs = append(msgs, m)
	}
	r.Messages = msgs
}
