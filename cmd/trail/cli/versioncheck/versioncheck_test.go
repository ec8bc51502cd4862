package versioncheck

import "testing"

func TestIsOutdated(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()

	tests := []struct {
		name    string
		current string
		latest  string
		want    bool
	}{
		{name: "older than latest", current: "v1.2.0", latest: "v1.3.0", want: true},
		{name: "equal", current: "v1.3.0", latest: "v1.3.0", want: false},
		{name: "newer than latest", current: "v1.4.0", latest: "v1.3.0", want: false},
		{name: "no v prefix", current: "1.2.0", latest: "1.3.0", want: true},
		{name: "dev build never outdated", current: "dev", latest: "v9.9.9", want: false},
		{name: "unknown latest", current: "v1.0.0", latest: "", want: false},
		{name: "garbage latest", current: "v1.0.0", latest: "not-a-version", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Version = tt.current
			if got := IsOutdated(tt.latest); got != tt.want {
				t.Errorf("IsOutdated(%q) with current %q = %v, want %v", tt.latest, tt.current, got, tt.want)
			}
		})
	}
}
