package strategy

import (
	"strings"
	"testing"

	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
)

func TestInsertCheckpointTrailer(t *testing.T) {
	cpID := checkpointid.MustParse("a3b2c4d5e6f7")

	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "plain subject",
			message: "fix: a\n",
			want:    "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7\n",
		},
		{
			name:    "trailer lands before comment region",
			message: "fix: a\n\n# Please enter the commit message\n# Lines starting with '#' are ignored\n",
			want:    "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7\n\n# Please enter the commit message\n# Lines starting with '#' are ignored\n",
		},
		{
			name:    "empty message keeps subject line free",
			message: "\n# comments\n",
			want:    "\n\nTrail-Checkpoint: a3b2c4d5e6f7\n\n# comments\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertCheckpointTrailer(tt.message, cpID)
			if got != tt.want {
				t.Errorf("insertCheckpointTrailer:\n got %q\nwant %q", got, tt.want)
			}
			if parsed, found := trailers.ParseCheckpoint(got); !found || parsed != cpID {
				t.Errorf("injected trailer does not parse back: %q", got)
			}
		})
	}
}

func TestHasUserContent(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    bool
	}{
		{name: "subject", message: "fix: a\n", want: true},
		{name: "empty", message: "\n\n", want: false},
		{name: "comments only", message: "# a comment\n# another\n", want: false},
		{
			name:    "trailer only",
			message: "\nTrail-Checkpoint: a3b2c4d5e6f7\n# comment\n",
			want:    false,
		},
		{
			name:    "trailer plus subject",
			message: "fix: a\n\nTrail-Checkpoint: a3b2c4d5e6f7\n",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasUserContent(tt.message); got != tt.want {
				t.Errorf("hasUserContent(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func TestStripCheckpointTrailer(t *testing.T) {
	message := "\nTrail-Checkpoint: a3b2c4d5e6f7\n# comment\n"
	stripped := stripCheckpointTrailer(message)
	if strings.Contains(stripped, "Trail-Checkpoint") {
		t.Errorf("trailer survived strip: %q", stripped)
	}
	if !strings.Contains(stripped, "# comment") {
		t.Errorf("comment lost during strip: %q", stripped)
	}
}

func TestMergeFileLists(t *testing.T) {
	got := mergeFileLists([]string{"b.txt"}, []string{"a.txt", "b.txt"}, nil, []string{"c.txt"})
	want := []string{"a.txt", "b.txt", "c.txt"}
	if len(got) != len(want) {
		t.Fatalf("mergeFileLists = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mergeFileLists = %v, want %v (sorted unique)", got, want)
		}
	}
}

func TestHasOverlappingFiles(t *testing.T) {
	if !hasOverlappingFiles([]string{"a", "b"}, []string{"b", "c"}) {
		t.Error("expected overlap on b")
	}
	if hasOverlappingFiles([]string{"a"}, []string{"b"}) {
		t.Error("unexpected overlap")
	}
	if hasOverlappingFiles(nil, []string{"a"}) {
		t.Error("empty staged list cannot overlap")
	}
}

func TestTruncatePrompt(t *testing.T) {
	if got := truncatePrompt("  hello\n  world  "); got != "hello world" {
		t.Errorf("truncatePrompt collapsed = %q", got)
	}
	long := strings.Repeat("x ", 600)
	got := truncatePrompt(long)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("long prompt not truncated: %d chars", len(got))
	}
}
