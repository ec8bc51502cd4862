// Package session is the durable per-session state store: one JSON document
// per session under <git-common-dir>/trail-sessions/. The directory is
// single-writer per worktree; writes are atomic (temp file + rename), so
// concurrent readers never observe a partial document.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/jsonutil"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/validation"
)

// stateDirName is the directory name inside the git common dir. Living in
// the common dir makes session state visible across linked worktrees.
const stateDirName = "trail-sessions"

// StaleEndedAge is how long an ended session is kept before the store
// garbage-collects it on the next load or list.
const StaleEndedAge = 7 * 24 * time.Hour

// Phase is the session lifecycle phase.
type Phase string

const (
	// PhaseActive means the agent is inside a turn.
	PhaseActive Phase = "active"
	// PhaseIdle means the session is open but between turns.
	PhaseIdle Phase = "idle"
	// PhaseEnded means the session was closed; kept only for checkpoint
	// reuse until it goes stale.
	PhaseEnded Phase = "ended"
)

// IsActive reports whether the phase counts as active work.
func (p Phase) IsActive() bool { return p == PhaseActive }

// State is the durable record for one session.
type State struct {
	// SessionID is the date-prefixed session identifier.
	SessionID string `json:"session_id"`

	// BaseCommit is the current promotion base: the commit the shadow ref is
	// anchored to. Updated on carry-forward and migration.
	BaseCommit string `json:"base_commit"`

	// AttributionBaseCommit is the original base at session start; promotion
	// bases move forward but attribution stays anchored here.
	AttributionBaseCommit string `json:"attribution_base_commit,omitempty"`

	// WorktreePath is the absolute worktree root.
	WorktreePath string `json:"worktree_path,omitempty"`

	// WorktreeID is the opaque worktree identity ("" for the main worktree).
	WorktreeID string `json:"worktree_id,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Phase is the lifecycle phase; empty means active for documents written
	// by older versions.
	Phase Phase `json:"phase,omitempty"`

	// StepCount counts non-skipped steps since the last promotion.
	StepCount int `json:"step_count"`

	// FilesTouched is the sorted unique set of paths the agent has modified
	// since the last promotion.
	FilesTouched []string `json:"files_touched,omitempty"`

	// UntrackedFilesAtStart preserves pre-existing untracked files across
	// rewinds.
	UntrackedFilesAtStart []string `json:"untracked_files_at_start,omitempty"`

	// LastCheckpointID is reused for follow-up commits that split one turn's
	// work across several commits.
	LastCheckpointID checkpointid.CheckpointID `json:"last_checkpoint_id,omitempty"`

	// FirstPrompt is a truncated copy of the prompt that opened the session.
	FirstPrompt string `json:"first_prompt,omitempty"`

	// AgentType names the agent driving this session.
	AgentType agent.Type `json:"agent_type,omitempty"`

	// TranscriptPath points at the live transcript for mid-turn detection.
	TranscriptPath string `json:"transcript_path,omitempty"`

	// TokenUsage accumulates across all steps since session start.
	TokenUsage *agent.TokenUsage `json:"token_usage,omitempty"`

	// Transcript position bookkeeping.
	TranscriptIdentifierAtStart string `json:"transcript_identifier_at_start,omitempty"`
	CheckpointTranscriptStart   int    `json:"checkpoint_transcript_start,omitempty"`
}

// IsStale reports whether an ended session has aged out.
func (s *State) IsStale(now time.Time) bool {
	return s.Phase == PhaseEnded && s.EndedAt != nil && now.Sub(*s.EndedAt) > StaleEndedAge
}

// Store manages state documents in a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the git common dir.
func NewStore() (*Store, error) {
	commonDir, err := paths.GitCommonDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get git common dir: %w", err)
	}
	return &Store{dir: filepath.Join(commonDir, stateDirName)}, nil
}

// NewStoreWithDir creates a store with an explicit directory (tests).
func NewStoreWithDir(dir string) *Store {
	return &Store{dir: dir}
}

// Load reads a session state. Returns (nil, nil) when the session does not
// exist — absence is not an error. Stale ended sessions are deleted on load
// and reported absent.
func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	_ = ctx

	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	data, err := os.ReadFile(s.filePath(sessionID)) //nolint:gosec // path derived from validated sessionID
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil // absent session is an expected case
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}

	if state.IsStale(time.Now()) {
		_ = s.Delete(ctx, sessionID)
		return nil, nil //nolint:nilnil // stale session treated as absent
	}
	return state, nil
}

// Exists reports whether a state document is present on disk.
func (s *Store) Exists(sessionID string) bool {
	if validation.ValidateSessionID(sessionID) != nil {
		return false
	}
	_, err := os.Stat(s.filePath(sessionID))
	return err == nil
}

// Save writes a session state atomically: a sibling tmp.<pid> file is
// renamed over the target so readers never see a torn document.
func (s *Store) Save(ctx context.Context, state *State) error {
	_ = ctx

	if err := validation.ValidateSessionID(state.SessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create session state directory: %w", err)
	}

	data, err := jsonutil.MarshalIndentWithNewline(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	target := s.filePath(state.SessionID)
	tmp := fmt.Sprintf("%s.tmp.%d", target, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to rename session state file: %w", err)
	}
	return nil
}

// Delete removes a session state. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	_ = ctx

	if err := validation.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}
	if err := os.Remove(s.filePath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session state file: %w", err)
	}
	return nil
}

// List returns all live session states. Corrupted documents are skipped;
// stale ended sessions are garbage-collected.
func (s *Store) List(ctx context.Context) ([]*State, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state directory: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp.") {
			continue
		}
		state, err := s.Load(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil || state == nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}

// FindByBaseCommit returns all sessions anchored at the given commit.
func (s *Store) FindByBaseCommit(ctx context.Context, baseCommit string) ([]*State, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var matching []*State
	for _, state := range all {
		if state.BaseCommit == baseCommit {
			matching = append(matching, state)
		}
	}
	return matching, nil
}

// FindByWorktree returns all sessions owned by the given worktree path.
func (s *Store) FindByWorktree(ctx context.Context, worktreePath string) ([]*State, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var matching []*State
	for _, state := range all {
		if state.WorktreePath == worktreePath {
			matching = append(matching, state)
		}
	}
	return matching, nil
}

func (s *Store) filePath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// decodeState parses a state document, accepting both snake_case (native)
// and camelCase (documents migrated from other implementations) field names.
// Unknown fields are ignored; missing fields default to zero values.
func decodeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.SessionID != "" {
		return &state, nil
	}

	// Fall back to camelCase aliases.
	var alias struct {
		SessionID                   string                    `json:"sessionId"`
		BaseCommit                  string                    `json:"baseCommit"`
		AttributionBaseCommit       string                    `json:"attributionBaseCommit"`
		WorktreePath                string                    `json:"worktreePath"`
		WorktreeID                  string                    `json:"worktreeId"`
		StartedAt                   time.Time                 `json:"startedAt"`
		EndedAt                     *time.Time                `json:"endedAt"`
		Phase                       Phase                     `json:"phase"`
		StepCount                   int                       `json:"stepCount"`
		FilesTouched                []string                  `json:"filesTouched"`
		UntrackedFilesAtStart       []string                  `json:"untrackedFilesAtStart"`
		LastCheckpointID            checkpointid.CheckpointID `json:"lastCheckpointId"`
		FirstPrompt                 string                    `json:"firstPrompt"`
		AgentType                   agent.Type                `json:"agentType"`
		TranscriptPath              string                    `json:"transcriptPath"`
		TokenUsage                  *agent.TokenUsage         `json:"tokenUsage"`
		TranscriptIdentifierAtStart string                    `json:"transcriptIdentifierAtStart"`
		CheckpointTranscriptStart   int                       `json:"checkpointTranscriptStart"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return nil, err
	}
	return &State{
		SessionID:                   alias.SessionID,
		BaseCommit:                  alias.BaseCommit,
		AttributionBaseCommit:       alias.AttributionBaseCommit,
		WorktreePath:                alias.WorktreePath,
		WorktreeID:                  alias.WorktreeID,
		StartedAt:                   alias.StartedAt,
		EndedAt:                     alias.EndedAt,
		Phase:                       alias.Phase,
		StepCount:                   alias.StepCount,
		FilesTouched:                alias.FilesTouched,
		UntrackedFilesAtStart:       alias.UntrackedFilesAtStart,
		LastCheckpointID:            alias.LastCheckpointID,
		FirstPrompt:                 alias.FirstPrompt,
		AgentType:                   alias.AgentType,
		TranscriptPath:              alias.TranscriptPath,
		TokenUsage:                  alias.TokenUsage,
		TranscriptIdentifierAtStart: alias.TranscriptIdentifierAtStart,
		CheckpointTranscriptStart:   alias.CheckpointTranscriptStart,
	}, nil
}
