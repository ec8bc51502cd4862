package strategy

import "testing"

func TestDiffStats(t *testing.T) {
	tests := []struct {
		name        string
		oldContent  string
		newContent  string
		wantAdded   int
		wantRemoved int
	}{
		{
			name:       "identical",
			oldContent: "a\nb\nc\n",
			newContent: "a\nb\nc\n",
		},
		{
			name:       "pure addition",
			oldContent: "a\n",
			newContent: "a\nb\nc\n",
			wantAdded:  2,
		},
		{
			name:        "pure removal",
			oldContent:  "a\nb\nc\n",
			newContent:  "a\n",
			wantRemoved: 2,
		},
		{
			name:        "replacement",
			oldContent:  "a\nold\nc\n",
			newContent:  "a\nnew\nc\n",
			wantAdded:   1,
			wantRemoved: 1,
		},
		{
			name:       "from empty",
			newContent: "a\nb\n",
			wantAdded:  2,
		},
		{
			name:        "to empty",
			oldContent:  "a\nb\n",
			wantRemoved: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := DiffStats([]byte(tt.oldContent), []byte(tt.newContent))
			if added != tt.wantAdded || removed != tt.wantRemoved {
				t.Errorf("DiffStats = (+%d/-%d), want (+%d/-%d)",
					added, removed, tt.wantAdded, tt.wantRemoved)
			}
		})
	}
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"a\n", 1},
		{"a\nb", 2},
		{"a\nb\n", 2},
	}
	for _, tt := range tests {
		if got := countLines(tt.text); got != tt.want {
			t.Errorf("countLines(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
