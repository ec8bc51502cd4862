// Package trailers parses and formats trail commit-message trailers.
// Trailers follow the git convention: "Key: value" lines separated from the
// message body by a blank line.
package trailers

import (
	"fmt"
	"regexp"
	"strings"

	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
)

// Trailer keys used in commit messages.
const (
	// CheckpointTrailerKey links a user commit to its checkpoint metadata on
	// the checkpoints ref. Value: 12 hex characters. The trailer survives
	// amend and rebase because git carries the message forward.
	CheckpointTrailerKey = "Trail-Checkpoint"

	// SessionTrailerKey identifies which session created a commit.
	SessionTrailerKey = "Trail-Session"

	// StrategyTrailerKey names the strategy that created a commit.
	StrategyTrailerKey = "Trail-Strategy"

	// MetadataTrailerKey points at the metadata directory grafted into a
	// shadow commit's tree.
	MetadataTrailerKey = "Trail-Metadata"

	// MetadataTaskTrailerKey points at the task metadata directory for
	// subagent checkpoints.
	MetadataTaskTrailerKey = "Trail-Metadata-Task"

	// AgentTrailerKey records the agent that produced a checkpoint
	// (e.g. "Claude Code").
	AgentTrailerKey = "Trail-Agent"
)

// CheckpointSubjectPrefix is the subject-line convention for commits on the
// metadata ref: "Trail-Checkpoint: <id>".
const CheckpointSubjectPrefix = CheckpointTrailerKey + ": "

var (
	checkpointRegex   = regexp.MustCompile(CheckpointTrailerKey + `:\s*(` + checkpointid.Pattern + `)(?:\s|$)`)
	sessionRegex      = regexp.MustCompile(SessionTrailerKey + `:\s*(.+)`)
	strategyRegex     = regexp.MustCompile(StrategyTrailerKey + `:\s*(.+)`)
	metadataRegex     = regexp.MustCompile(MetadataTrailerKey + `:\s*(.+)`)
	metadataTaskRegex = regexp.MustCompile(MetadataTaskTrailerKey + `:\s*(.+)`)
	agentRegex        = regexp.MustCompile(AgentTrailerKey + `:\s*(.+)`)
)

// ParseCheckpoint extracts the checkpoint ID from a commit message.
// Returns found=false for absent or malformed values.
func ParseCheckpoint(message string) (checkpointid.CheckpointID, bool) {
	m := checkpointRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		if cpID, err := checkpointid.Parse(strings.TrimSpace(m[1])); err == nil {
			return cpID, true
		}
	}
	return checkpointid.Empty, false
}

// ParseSession extracts the session ID from a commit message. If multiple
// session trailers exist, the first one wins.
func ParseSession(message string) (string, bool) {
	m := sessionRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// ParseAllSessions extracts all session IDs from a commit message,
// deduplicated in order of appearance.
func ParseAllSessions(message string) []string {
	matches := sessionRegex.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) > 1 {
			sessionID := strings.TrimSpace(m[1])
			if !seen[sessionID] {
				seen[sessionID] = true
				ids = append(ids, sessionID)
			}
		}
	}
	return ids
}

// ParseStrategy extracts the strategy name from a commit message.
func ParseStrategy(message string) (string, bool) {
	m := strategyRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// ParseMetadata extracts the metadata directory from a commit message.
func ParseMetadata(message string) (string, bool) {
	m := metadataRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// ParseTaskMetadata extracts the task metadata directory from a commit message.
func ParseTaskMetadata(message string) (string, bool) {
	m := metadataTaskRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// ParseAgent extracts the agent name from a commit message.
func ParseAgent(message string) (string, bool) {
	m := agentRegex.FindStringSubmatch(message)
	if len(m) > 1 {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

// FormatShadowCommit builds the message for a session step commit on a shadow
// ref: subject, blank line, then metadata/session/strategy trailers.
func FormatShadowCommit(subject, metadataDir, sessionID, strategy string) string {
	var sb strings.Builder
	sb.WriteString(subject)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "%s: %s\n", MetadataTrailerKey, metadataDir)
	fmt.Fprintf(&sb, "%s: %s\n", SessionTrailerKey, sessionID)
	fmt.Fprintf(&sb, "%s: %s\n", StrategyTrailerKey, strategy)
	return sb.String()
}

// FormatShadowTaskCommit builds the message for a task step commit on a
// shadow ref.
func FormatShadowTaskCommit(subject, taskMetadataDir, sessionID, strategy string) string {
	var sb strings.Builder
	sb.WriteString(subject)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "%s: %s\n", MetadataTaskTrailerKey, taskMetadataDir)
	fmt.Fprintf(&sb, "%s: %s\n", SessionTrailerKey, sessionID)
	fmt.Fprintf(&sb, "%s: %s\n", StrategyTrailerKey, strategy)
	return sb.String()
}

// FormatCheckpoint appends a checkpoint trailer to a commit message.
func FormatCheckpoint(message string, cpID checkpointid.CheckpointID) string {
	return fmt.Sprintf("%s\n\n%s: %s\n", message, CheckpointTrailerKey, cpID.String())
}

// FormatCheckpointSubject builds the subject line for a commit on the
// metadata ref.
func FormatCheckpointSubject(cpID checkpointid.CheckpointID) string {
	return CheckpointSubjectPrefix + cpID.String()
}
