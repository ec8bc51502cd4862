// Package id provides the CheckpointID type used to key committed checkpoints.
// It lives in its own package so paths, trailers, and checkpoint can all use it
// without import cycles.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

// CheckpointID is a 12-character lowercase hex identifier. It links user
// commits (via the Trail-Checkpoint trailer) to metadata stored on the
// checkpoints ref.
//
//nolint:recvcheck // UnmarshalJSON needs a pointer receiver, the rest are value receivers
type CheckpointID string

// Empty represents an unset or invalid checkpoint ID.
const Empty CheckpointID = ""

// Pattern matches a valid checkpoint ID: exactly 12 lowercase hex characters.
// Exported so trailers can embed it without duplicating the pattern.
const Pattern = `[0-9a-f]{12}`

var idRegex = regexp.MustCompile(`^` + Pattern + `$`)

// Parse creates a CheckpointID from a string, validating its format.
func Parse(s string) (CheckpointID, error) {
	if err := Validate(s); err != nil {
		return Empty, err
	}
	return CheckpointID(s), nil
}

// MustParse creates a CheckpointID from a string, panicking if invalid.
// Use only for IDs from trusted sources (e.g. test fixtures).
func MustParse(s string) CheckpointID {
	cpID, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cpID
}

// Generate creates a new random checkpoint ID (6 bytes, 48 bits).
func Generate() (CheckpointID, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return Empty, fmt.Errorf("failed to generate checkpoint ID: %w", err)
	}
	return CheckpointID(hex.EncodeToString(b)), nil
}

// Validate checks that s is exactly 12 lowercase hex characters.
func Validate(s string) error {
	if !idRegex.MatchString(s) {
		return fmt.Errorf("invalid checkpoint ID %q: must be 12 lowercase hex characters", s)
	}
	return nil
}

// String returns the checkpoint ID as a string.
func (c CheckpointID) String() string {
	return string(c)
}

// IsEmpty reports whether the checkpoint ID is unset.
func (c CheckpointID) IsEmpty() bool {
	return c == Empty
}

// Path returns the sharded storage path on the checkpoints ref.
// The first two characters form the shard directory (256 buckets).
// Example: "a3b2c4d5e6f7" -> "a3/b2c4d5e6f7"
func (c CheckpointID) Path() string {
	if len(c) < 3 {
		return string(c)
	}
	return string(c[:2]) + "/" + string(c[2:])
}

// MarshalJSON implements json.Marshaler.
func (c CheckpointID) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(string(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint ID: %w", err)
	}
	return data, nil
}

// UnmarshalJSON implements json.Unmarshaler with validation.
// Empty strings are allowed and decode to Empty.
func (c *CheckpointID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint ID: %w", err)
	}
	if s == "" {
		*c = Empty
		return nil
	}
	if err := Validate(s); err != nil {
		return err
	}
	*c = CheckpointID(s)
	return nil
}
