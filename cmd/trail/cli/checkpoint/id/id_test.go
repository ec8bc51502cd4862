package id

import (
	"encoding/json"
	"regexp"
	"testing"
)

var shape = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestGenerate(t *testing.T) {
	seen := make(map[CheckpointID]bool)
	for range 100 {
		cpID, err := Generate()
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if !shape.MatchString(cpID.String()) {
			t.Fatalf("Generate() = %q, want 12 lowercase hex chars", cpID)
		}
		if seen[cpID] {
			t.Fatalf("Generate() repeated %q", cpID)
		}
		seen[cpID] = true
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "a3b2c4d5e6f7", wantErr: false},
		{name: "too short", input: "a3b2c4", wantErr: true},
		{name: "too long", input: "a3b2c4d5e6f7a0", wantErr: true},
		{name: "uppercase rejected", input: "A3B2C4D5E6F7", wantErr: true},
		{name: "non-hex", input: "a3b2c4d5e6fz", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestPath(t *testing.T) {
	cpID := MustParse("a3b2c4d5e6f7")
	if got := cpID.Path(); got != "a3/b2c4d5e6f7" {
		t.Errorf("Path() = %q, want a3/b2c4d5e6f7", got)
	}
}

func TestPath_Stable(t *testing.T) {
	cpID, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if cpID.Path() != cpID.Path() {
		t.Error("Path split not stable")
	}
	if cpID.Path()[:2] != cpID.String()[:2] {
		t.Error("shard directory is not the first two characters")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cpID := MustParse("0123456789ab")
	data, err := json.Marshal(cpID)
	if err != nil {
		t.Fatal(err)
	}

	var back CheckpointID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != cpID {
		t.Errorf("round trip = %q, want %q", back, cpID)
	}
}

func TestUnmarshalJSON(t *testing.T) {
	var cpID CheckpointID
	if err := json.Unmarshal([]byte(`""`), &cpID); err != nil {
		t.Errorf("empty string should unmarshal: %v", err)
	}
	if !cpID.IsEmpty() {
		t.Error("empty string should decode to Empty")
	}
	if err := json.Unmarshal([]byte(`"nothex"`), &cpID); err == nil {
		t.Error("invalid ID should fail to unmarshal")
	}
}
