// Package validation contains input validators shared across the CLI.
// Identifiers that end up in file paths or ref names are validated here
// to prevent path traversal and malformed refs.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// pathSafeRegex matches identifiers safe for use as a single path segment.
	pathSafeRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

	// agentSessionIDRegex matches raw agent session IDs (UUID-ish, no separators).
	agentSessionIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)
)

// ValidateSessionID checks that a session ID is non-empty and contains no
// path separators. Session IDs become file names and in-tree directory names.
func ValidateSessionID(id string) error {
	if id == "" {
		return errors.New("session ID cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid session ID %q: contains path separators", id)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid session ID %q", id)
	}
	return nil
}

// ValidateAgentSessionID checks a raw agent-supplied session ID before it is
// embedded into a trail session ID.
func ValidateAgentSessionID(id string) error {
	if id == "" {
		return errors.New("agent session ID cannot be empty")
	}
	if !agentSessionIDRegex.MatchString(id) {
		return fmt.Errorf("invalid agent session ID %q", id)
	}
	return nil
}

// ValidateToolUseID checks a tool-use ID used as a path segment for task
// checkpoints. Empty is allowed (the field is optional).
func ValidateToolUseID(id string) error {
	if id == "" {
		return nil
	}
	if !pathSafeRegex.MatchString(id) {
		return fmt.Errorf("invalid tool use ID %q: must be alphanumeric with underscores/hyphens only", id)
	}
	return nil
}

// ValidateRemoteName checks a git remote name before it is passed to the
// push machinery.
func ValidateRemoteName(name string) error {
	if name == "" {
		return errors.New("remote name cannot be empty")
	}
	if !pathSafeRegex.MatchString(name) {
		return fmt.Errorf("invalid remote name %q", name)
	}
	return nil
}
