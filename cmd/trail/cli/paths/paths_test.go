package paths

import (
	"strings"
	"testing"
)

func TestHashWorktreeID(t *testing.T) {
	tests := []struct {
		name       string
		worktreeID string
	}{
		{name: "empty string", worktreeID: ""},
		{name: "simple name", worktreeID: "wt-123"},
		{name: "path-like name", worktreeID: "feature/auth-system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashWorktreeID(tt.worktreeID)
			if len(got) != 6 {
				t.Errorf("HashWorktreeID(%q) length = %d, want 6", tt.worktreeID, len(got))
			}
		})
	}
}

func TestHashWorktreeID_Deterministic(t *testing.T) {
	if HashWorktreeID("wt") != HashWorktreeID("wt") {
		t.Error("HashWorktreeID not deterministic")
	}
	if HashWorktreeID("a") == HashWorktreeID("b") {
		t.Error("HashWorktreeID collided for different inputs")
	}
}

func TestShadowRefForCommit(t *testing.T) {
	tests := []struct {
		name       string
		baseCommit string
		worktreeID string
		want       string
	}{
		{
			name:       "main worktree omits suffix",
			baseCommit: "abc1234567890",
			worktreeID: "",
			want:       "trail/abc1234",
		},
		{
			name:       "linked worktree",
			baseCommit: "abc1234567890",
			worktreeID: "wt-123",
			want:       "trail/abc1234-" + HashWorktreeID("wt-123"),
		},
		{
			name:       "short commit hash",
			baseCommit: "abc",
			worktreeID: "wt",
			want:       "trail/abc-" + HashWorktreeID("wt"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShadowRefForCommit(tt.baseCommit, tt.worktreeID)
			if got != tt.want {
				t.Errorf("ShadowRefForCommit(%q, %q) = %q, want %q",
					tt.baseCommit, tt.worktreeID, got, tt.want)
			}
		})
	}
}

func TestShadowRefForCommit_Deterministic(t *testing.T) {
	a := ShadowRefForCommit("deadbeefcafe", "wt")
	b := ShadowRefForCommit("deadbeefcafe", "wt")
	if a != b {
		t.Errorf("shadow ref name not a pure function: %q != %q", a, b)
	}
}

func TestIsShadowRef(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want bool
	}{
		{name: "shadow without worktree", ref: "trail/abc1234", want: true},
		{name: "shadow with worktree", ref: "trail/abc1234-e3b0c4", want: true},
		{name: "full hash", ref: "trail/" + strings.Repeat("a", 40), want: true},
		{name: "metadata ref excluded", ref: MetadataRefName, want: false},
		{name: "namespaced metadata ref excluded", ref: MetadataRefName + "/proj-12345678", want: false},
		{name: "user branch", ref: "main", want: false},
		{name: "too-short hash", ref: "trail/abc12", want: false},
		{name: "non-hex", ref: "trail/zzzzzzz", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsShadowRef(tt.ref); got != tt.want {
				t.Errorf("IsShadowRef(%q) = %v, want %v", tt.ref, got, tt.want)
			}
		})
	}
}

func TestIsShadowRef_GeneratedNamesClassify(t *testing.T) {
	for _, wt := range []string{"", "wt-1", "feature/x"} {
		ref := ShadowRefForCommit("0123456789abcdef", wt)
		if !IsShadowRef(ref) {
			t.Errorf("IsShadowRef(%q) = false for generated name", ref)
		}
	}
}

func TestParseShadowRef_RoundTrip(t *testing.T) {
	cases := []struct {
		baseCommit string
		worktreeID string
	}{
		{"abc1234567890", ""},
		{"abc1234567890", "wt-x"},
		{"deadbeef", "feature/auth"},
	}

	for _, tc := range cases {
		name := ShadowRefForCommit(tc.baseCommit, tc.worktreeID)
		commit, worktree, ok := ParseShadowRef(name)
		if !ok {
			t.Errorf("ParseShadowRef(%q) failed", name)
			continue
		}
		wantCommit := tc.baseCommit
		if len(wantCommit) > ShadowRefCommitLength {
			wantCommit = wantCommit[:ShadowRefCommitLength]
		}
		if commit != wantCommit {
			t.Errorf("commit prefix = %q, want %q", commit, wantCommit)
		}
		wantWorktree := ""
		if tc.worktreeID != "" {
			wantWorktree = HashWorktreeID(tc.worktreeID)
		}
		if worktree != wantWorktree {
			t.Errorf("worktree hash = %q, want %q", worktree, wantWorktree)
		}
	}
}

func TestMetadataRef(t *testing.T) {
	if got := MetadataRef(""); got != "trail/checkpoints/v1" {
		t.Errorf("MetadataRef(\"\") = %q", got)
	}
	if got := MetadataRef("proj-ab12cd34"); got != "trail/checkpoints/v1/proj-ab12cd34" {
		t.Errorf("MetadataRef(projectID) = %q", got)
	}
}

func TestProjectID(t *testing.T) {
	a := ProjectID("/home/dev/myproject")
	b := ProjectID("/home/dev/myproject")
	if a != b {
		t.Errorf("ProjectID not deterministic: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "myproject-") {
		t.Errorf("ProjectID = %q, want myproject- prefix", a)
	}
	if len(a) != len("myproject-")+8 {
		t.Errorf("ProjectID = %q, want 8 hex chars after basename", a)
	}
	if ProjectID("/home/dev/myproject") == ProjectID("/tmp/myproject") {
		t.Error("ProjectID collided for different roots with same basename")
	}
}

func TestSessionID(t *testing.T) {
	id := SessionID("abc-123")
	if len(id) != 11+len("abc-123") {
		t.Errorf("SessionID(%q) = %q, want date prefix", "abc-123", id)
	}
	if AgentSessionID(id) != "abc-123" {
		t.Errorf("AgentSessionID(%q) = %q, want %q", id, AgentSessionID(id), "abc-123")
	}
	// Undated IDs pass through unchanged.
	if AgentSessionID("raw") != "raw" {
		t.Error("AgentSessionID mangled an undated ID")
	}
}

func TestSessionMetadataDir(t *testing.T) {
	if got := SessionMetadataDir("2026-08-05-abc"); got != ".trail/metadata/sessions/2026-08-05-abc" {
		t.Errorf("SessionMetadataDir = %q", got)
	}
	if got := TaskMetadataDir("2026-08-05-abc", "toolu_01"); got != ".trail/metadata/sessions/2026-08-05-abc/tasks/toolu_01" {
		t.Errorf("TaskMetadataDir = %q", got)
	}
}

func TestIsInfrastructurePath(t *testing.T) {
	if !IsInfrastructurePath(".trail") || !IsInfrastructurePath(".trail/logs/x.log") {
		t.Error("work-area paths not classified as infrastructure")
	}
	if IsInfrastructurePath("src/.trailer.go") {
		t.Error("false positive on similar prefix")
	}
}
