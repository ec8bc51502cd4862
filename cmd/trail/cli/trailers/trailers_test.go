package trailers

import (
	"strings"
	"testing"

	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
)

func TestParseCheckpoint(t *testing.T) {
	tests := []struct {
		name      string
		message   string
		wantID    string
		wantFound bool
	}{
		{
			name:      "present",
			message:   "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7\n",
			wantID:    "a3b2c4d5e6f7",
			wantFound: true,
		},
		{
			name:      "absent",
			message:   "fix: a\n",
			wantFound: false,
		},
		{
			name:      "malformed value",
			message:   "fix: a\n\nTrail-Checkpoint: nothex\n",
			wantFound: false,
		},
		{
			name:      "too-long value rejected",
			message:   "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7a0b1\n",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cpID, found := ParseCheckpoint(tt.message)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if found && cpID.String() != tt.wantID {
				t.Errorf("id = %q, want %q", cpID, tt.wantID)
			}
		})
	}
}

func TestFormatCheckpoint_ParsesBack(t *testing.T) {
	cpID := checkpointid.MustParse("0123456789ab")
	message := FormatCheckpoint("fix: a", cpID)
	got, found := ParseCheckpoint(message)
	if !found || got != cpID {
		t.Fatalf("round trip failed: %q", message)
	}
}

func TestFormatShadowCommit(t *testing.T) {
	message := FormatShadowCommit("Step 3", ".trail/metadata/sessions/s1", "s1", "shadow")

	if !strings.HasPrefix(message, "Step 3\n\n") {
		t.Errorf("subject not separated by blank line: %q", message)
	}
	if session, ok := ParseSession(message); !ok || session != "s1" {
		t.Errorf("ParseSession = %q, %v", session, ok)
	}
	if strat, ok := ParseStrategy(message); !ok || strat != "shadow" {
		t.Errorf("ParseStrategy = %q, %v", strat, ok)
	}
	if dir, ok := ParseMetadata(message); !ok || dir != ".trail/metadata/sessions/s1" {
		t.Errorf("ParseMetadata = %q, %v", dir, ok)
	}
}

func TestFormatShadowTaskCommit(t *testing.T) {
	message := FormatShadowTaskCommit("Task: build", ".trail/metadata/sessions/s1/tasks/t1", "s1", "shadow")
	if dir, ok := ParseTaskMetadata(message); !ok || dir != ".trail/metadata/sessions/s1/tasks/t1" {
		t.Errorf("ParseTaskMetadata = %q, %v", dir, ok)
	}
	// The task trailer must not satisfy the plain metadata parser's key.
	if _, ok := ParseSession(message); !ok {
		t.Error("session trailer missing from task commit")
	}
}

func TestParseAllSessions(t *testing.T) {
	message := "subject\n\nTrail-Session: a\nTrail-Session: b\nTrail-Session: a\n"
	got := ParseAllSessions(message)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ParseAllSessions = %v, want [a b]", got)
	}
}

func TestCheckpointSubject(t *testing.T) {
	cpID := checkpointid.MustParse("a3b2c4d5e6f7")
	subject := FormatCheckpointSubject(cpID)
	if subject != "Trail-Checkpoint: a3b2c4d5e6f7" {
		t.Errorf("subject = %q", subject)
	}
	idStr, found := strings.CutPrefix(subject, CheckpointSubjectPrefix)
	if !found || idStr != cpID.String() {
		t.Errorf("subject prefix round trip failed: %q", subject)
	}
}
