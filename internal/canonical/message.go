package canonical

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four canonical roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartType identifies the kind of a message content part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartBinaryRef  PartType = "binary_ref"
)

// Part is one element of a message's ordered content sequence.
// Exactly the fields for its Type are populated.
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolArgs   json.RawMessage `json:"tool_args,omitempty"`

	ToolResult string `json:"tool_result,omitempty"`

	// Binary references carry a MIME type plus either a URI or inline
	// base64 data, whichever the source protocol supplied.
	MimeType string `json:"mime_type,omitempty"`
	URI      string `json:"uri,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) Part { return Part{Type: PartText, Text: s} }

// Message is the canonical protocol-neutral chat message.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Name  string `json:"name,omitempty"`
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// NormalizeRole repairs a missing or unknown role to user.
func NormalizeRole(r Role) Role {
	if !r.Valid() {
		return RoleUser
	}
	return r
}
