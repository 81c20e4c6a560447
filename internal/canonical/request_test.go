package canonical

import "testing"

func TestNormalize_MergesAdjacentSameRole(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: RoleUser, Parts: []Part{TextPart("a")}},
			{Role: RoleUser, Parts: []Part{TextPart("b")}},
			{Role: RoleAssistant, Parts: []Part{TextPart("c")}},
		},
	}
	req.Normalize()

	if len(req.Messages) != 2 {
		t.Fatalf("expected 2 messages after merge, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != RoleUser || req.Messages[0].Text() != "ab" {
		t.Errorf("merged user turn = %q (role %s), want \"ab\"", req.Messages[0].Text(), req.Messages[0].Role)
	}
	if req.Messages[1].Role != RoleAssistant || req.Messages[1].Text() != "c" {
		t.Errorf("assistant turn = %q, want \"c\"", req.Messages[1].Text())
	}
}

func TestNormalize_RepairsMissingRole(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: "", Parts: []Part{TextPart("hi")}},
		},
	}
	req.Normalize()
	if req.Messages[0].Role != RoleUser {
		t.Errorf("missing role normalized to %q, want user", req.Messages[0].Role)
	}

	req = &Request{Messages: []Message{{Role: "narrator", Parts: []Part{TextPart("x")}}}}
	req.Normalize()
	if req.Messages[0].Role != RoleUser {
		t.Errorf("invalid role normalized to %q, want user", req.Messages[0].Role)
	}
}

func TestNormalize_HoistsSystemMessage(t *testing.T) {
	req := &Request{
		Messages: []Message{
			{Role: RoleSystem, Parts: []Part{TextPart("be brief")}},
			{Role: RoleUser, Parts: []Part{TextPart("hello")}},
		},
	}
	req.Normalize()

	if req.System != "be brief" {
		t.Errorf("System = %q, want \"be brief\"", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
		t.Fatalf("expected single user message, got %+v", req.Messages)
	}
}

func TestNormalize_MergeAcrossHoistedSystem(t *testing.T) {
	// A system message sandwiched between two user turns should not
	// prevent the user turns from merging.
	req := &Request{
		Messages: []Message{
			{Role: RoleUser, Parts: []Part{TextPart("a")}},
			{Role: RoleSystem, Parts: []Part{TextPart("sys")}},
			{Role: RoleUser, Parts: []Part{TextPart("b")}},
		},
	}
	req.Normalize()
	if len(req.Messages) != 1 || req.Messages[0].Text() != "ab" {
		t.Fatalf("expected merged user turn \"ab\", got %+v", req.Messages)
	}
}

func TestApplySystemDefault(t *testing.T) {
	tests := []struct {
		name    string
		system  string
		def     string
		mode    SystemMode
		want    string
	}{
		{"passthrough keeps existing", "mine", "default", SystemPassthrough, "mine"},
		{"passthrough fills empty", "", "default", SystemPassthrough, "default"},
		{"override replaces", "mine", "default", SystemOverride, "default"},
		{"append joins", "mine", "default", SystemAppend, "mine\n\ndefault"},
		{"append fills empty", "", "default", SystemAppend, "default"},
		{"empty default is a no-op", "mine", "", SystemOverride, "mine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{System: tt.system}
			req.ApplySystemDefault(tt.def, tt.mode)
			if req.System != tt.want {
				t.Errorf("System = %q, want %q", req.System, tt.want)
			}
		})
	}
}

func TestMessageText_SkipsNonTextParts(t *testing.T) {
	m := Message{Role: RoleAssistant, Parts: []Part{
		TextPart("answer"),
		{Type: PartToolCall, ToolName: "search"},
		TextPart(" done"),
	}}
	if m.Text() != "answer done" {
		t.Errorf("Text() = %q", m.Text())
	}
}
