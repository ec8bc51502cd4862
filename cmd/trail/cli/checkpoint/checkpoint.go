// Package checkpoint implements the two checkpoint stores: temporary
// checkpoints (commits on shadow refs, one per agent step) and committed
// checkpoints (sharded subtrees on the metadata ref, one per promotion).
//
// Both stores are built purely from object-store primitives — blobs, trees,
// commits, refs — via the gitstore adapter. Shadow refs and the metadata ref
// are independent linear histories joined only by trailer lines in commit
// messages.
package checkpoint

import (
	"errors"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
)

// Errors returned by checkpoint operations.
var (
	// ErrCheckpointNotFound is returned when a checkpoint ID doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrNoTranscript is returned when a checkpoint exists but carries no
	// transcript.
	ErrNoTranscript = errors.New("no transcript found for checkpoint")
)

// WriteTemporaryOptions describes one agent step to snapshot onto a shadow ref.
type WriteTemporaryOptions struct {
	// SessionID keys the metadata subtree and the session trailer.
	SessionID string

	// BaseCommit anchors the shadow ref name.
	BaseCommit string

	// WorktreeID partitions shadow refs across worktrees ("" for the main
	// worktree).
	WorktreeID string

	// ModifiedFiles, NewFiles, DeletedFiles are repo-relative paths reported
	// by the agent for this step.
	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// MetadataDir is the repo-relative graft point for the step's metadata
	// subtree; MetadataDirAbs is its on-disk location (may not exist).
	MetadataDir    string
	MetadataDirAbs string

	// CommitMessage is the full message including trailers; the caller is
	// responsible for the trailer contract.
	CommitMessage string

	// Author is the engine identity for the commit. Never the user's.
	Author Signature
}

// Signature mirrors gitstore.Signature without importing it here.
type Signature struct {
	Name  string
	Email string
}

// WriteTemporaryResult reports the step commit and whether it was deduplicated.
type WriteTemporaryResult struct {
	CommitHash plumbing.Hash

	// Skipped is true when the candidate tree matched the shadow tip and no
	// commit was written.
	Skipped bool
}

// ReadTemporaryResult describes the tip of a shadow ref.
type ReadTemporaryResult struct {
	CommitHash  plumbing.Hash
	TreeHash    plumbing.Hash
	SessionID   string
	MetadataDir string
	Timestamp   time.Time
}

// TemporaryInfo summarizes one shadow ref for listing and cleanup.
type TemporaryInfo struct {
	RefName      string
	BaseCommit   string // 7-char prefix from the ref name
	WorktreeHash string // 6-char worktree hash, "" for the main worktree
	LatestCommit plumbing.Hash
	SessionID    string
	Timestamp    time.Time
}

// stepMetadata is the checkpoint.json document grafted into each shadow
// commit's tree. It is deterministic for a given step so that identical
// steps produce identical trees — the dedup check depends on that. The step
// time lives on the commit, not in the tree.
type stepMetadata struct {
	SessionID     string   `json:"session_id"`
	BaseCommit    string   `json:"base_commit"`
	ModifiedFiles []string `json:"modified_files"`
	NewFiles      []string `json:"new_files"`
	DeletedFiles  []string `json:"deleted_files"`
}

// taskStepMetadata is the checkpoint.json for a task (subagent) step.
type taskStepMetadata struct {
	SessionID string    `json:"session_id"`
	ToolUseID string    `json:"tool_use_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteCommittedOptions describes a promotion to the metadata ref.
type WriteCommittedOptions struct {
	CheckpointID checkpointid.CheckpointID
	SessionID    string
	Strategy     string

	// Branch records where the user's commit landed ("" if detached).
	Branch string

	// Transcript, Prompts, Context are the session artifacts. Prompts are
	// joined with "\n---\n" into prompt.txt.
	Transcript []byte
	Prompts    []string
	Context    []byte

	// FilesTouched is the summary file list, already intersected with the
	// committed files by the caller.
	FilesTouched []string

	// CheckpointsCount is the number of steps condensed into this promotion.
	CheckpointsCount int

	Author Signature
	Agent  agent.Type

	// TurnID correlates checkpoints created within the same agent turn.
	TurnID string

	// Transcript position bookkeeping for multi-commit sessions.
	TranscriptIdentifierAtStart string
	CheckpointTranscriptStart   int

	TokenUsage *agent.TokenUsage
}

// UpdateCommittedOptions replaces a session's artifacts inside an existing
// checkpoint. Replace semantics: at session end the caller holds the full
// transcript and wants the checkpoint to contain exactly it.
type UpdateCommittedOptions struct {
	CheckpointID checkpointid.CheckpointID
	SessionID    string
	Transcript   []byte
	Prompts      []string
	Context      []byte
	Agent        agent.Type
	Author       Signature
}

// SessionFilePaths maps a session slot to its file locations from the tree
// root (leading "/", full sharded prefix).
type SessionFilePaths struct {
	Metadata    string `json:"metadata"`
	Transcript  string `json:"transcript"`
	Prompt      string `json:"prompt"`
	Context     string `json:"context"`
	ContentHash string `json:"content_hash"`
}

// CheckpointSummary is the root-level metadata.json for a committed
// checkpoint: aggregated stats plus the session slot index.
//
// Layout on the metadata ref:
//
//	<id[0:2]>/<id[2:]>/
//	├── metadata.json        # this summary
//	├── 1/                   # first session
//	│   ├── metadata.json    # CommittedMetadata
//	│   ├── full.jsonl       # transcript (possibly chunked: .001, .002, …)
//	│   ├── prompt.txt
//	│   ├── context.md
//	│   └── content_hash.txt
//	└── 2/                   # later sessions, if merged
type CheckpointSummary struct {
	CheckpointID     checkpointid.CheckpointID `json:"checkpoint_id"`
	Strategy         string                    `json:"strategy"`
	Branch           string                    `json:"branch,omitempty"`
	CheckpointsCount int                       `json:"checkpoints_count"`
	FilesTouched     []string                  `json:"files_touched"`
	Sessions         []SessionFilePaths        `json:"sessions"`
	TokenUsage       *agent.TokenUsage         `json:"token_usage,omitempty"`
}

// CommittedMetadata is the per-session metadata.json inside a checkpoint.
type CommittedMetadata struct {
	CheckpointID     checkpointid.CheckpointID `json:"checkpoint_id"`
	SessionID        string                    `json:"session_id"`
	Strategy         string                    `json:"strategy"`
	CreatedAt        time.Time                 `json:"created_at"`
	Branch           string                    `json:"branch,omitempty"`
	CheckpointsCount int                       `json:"checkpoints_count"`
	FilesTouched     []string                  `json:"files_touched"`
	Agent            agent.Type                `json:"agent,omitempty"`
	TurnID           string                    `json:"turn_id,omitempty"`

	TranscriptIdentifierAtStart string `json:"transcript_identifier_at_start,omitempty"`
	CheckpointTranscriptStart   int    `json:"checkpoint_transcript_start,omitempty"`

	TokenUsage *agent.TokenUsage `json:"token_usage,omitempty"`
}

// SessionContent is the hydrated content of one session slot.
type SessionContent struct {
	Metadata   CommittedMetadata
	Transcript []byte
	Prompts    string
	Context    string
}

// CommittedInfo summarizes one committed checkpoint for listings.
type CommittedInfo struct {
	CheckpointID     checkpointid.CheckpointID
	SessionID        string
	CreatedAt        time.Time
	CheckpointsCount int
	FilesTouched     []string
	Agent            agent.Type
	SessionCount     int
}

// WriteTaskOptions describes a task (subagent) step snapshot.
type WriteTaskOptions struct {
	SessionID  string
	BaseCommit string
	WorktreeID string
	ToolUseID  string
	AgentID    string

	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// TranscriptPath optionally points at the subagent transcript to embed.
	TranscriptPath string

	CommitMessage string
	Author        Signature
}
