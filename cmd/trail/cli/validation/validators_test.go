package validation

import "testing"

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{name: "valid", id: "2026-08-05-abc123", wantErr: false},
		{name: "empty", id: "", wantErr: true},
		{name: "forward slash", id: "a/b", wantErr: true},
		{name: "backslash", id: `a\b`, wantErr: true},
		{name: "dot-dot", id: "..", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateSessionID(tt.id); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateToolUseID(t *testing.T) {
	if err := ValidateToolUseID(""); err != nil {
		t.Error("empty tool use ID is allowed")
	}
	if err := ValidateToolUseID("toolu_01AbC"); err != nil {
		t.Errorf("valid tool use ID rejected: %v", err)
	}
	if err := ValidateToolUseID("../evil"); err == nil {
		t.Error("path traversal accepted")
	}
}

func TestValidateRemoteName(t *testing.T) {
	if err := ValidateRemoteName("origin"); err != nil {
		t.Errorf("origin rejected: %v", err)
	}
	if err := ValidateRemoteName(""); err == nil {
		t.Error("empty remote accepted")
	}
	if err := ValidateRemoteName("bad remote"); err == nil {
		t.Error("remote with space accepted")
	}
}
