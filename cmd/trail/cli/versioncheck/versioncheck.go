// Package versioncheck compares the running build against the newest release
// version recorded in settings. The doctor command surfaces the result; no
// network call happens here.
package versioncheck

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Current returns the running version.
func Current() string {
	return Version
}

// IsOutdated reports whether latest is a newer release than the running
// build. Dev builds and unparseable versions never count as outdated.
func IsOutdated(latest string) bool {
	current := canonical(Version)
	known := canonical(latest)
	if current == "" || known == "" {
		return false
	}
	return semver.Compare(current, known) < 0
}

// canonical normalizes a version string to semver form, or "" if invalid.
func canonical(v string) string {
	if v == "" || v == "dev" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}
