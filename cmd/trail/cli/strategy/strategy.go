// Package strategy contains the coordinator that drives the checkpoint state
// machine: record step -> detect commit overlap -> inject trailer -> promote
// -> carry forward -> push. Hook handlers call into it; no engine failure is
// ever fatal to the host git operation.
package strategy

import (
	"errors"
	"fmt"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	"github.com/trailhq/trail/cmd/trail/cli/checkpoint"
	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
)

// Name identifies this strategy in trailers and settings.
const Name = "shadow"

// Engine identity for checkpoint commits. Engine-generated commits must
// never be attributed to the user (the adapter requires explicit identity).
const (
	engineAuthorName  = "trail"
	engineAuthorEmail = "checkpoints@trail.invalid"
)

// ErrNoSession is returned when no session state is available.
var ErrNoSession = errors.New("no session info available")

// ErrEmptyMessage signals that validate-commit-message intentionally cleared
// the message; the hook boundary maps it to a non-zero exit so git aborts
// the empty commit.
var ErrEmptyMessage = errors.New("commit message has no user content")

// Shadow is the strategy coordinator. One instance serves one hook
// invocation; all state is re-derived per call from the working directory.
type Shadow struct {
	git         *gitstore.Store
	checkpoints *checkpoint.Store
	sessions    *session.Store

	// worktreePath is the absolute worktree root for this invocation.
	worktreePath string

	// worktreeID partitions shadow refs across worktrees.
	worktreeID string
}

// New builds a coordinator for the repository containing dir. projectID
// namespaces the metadata ref ("" for the default).
func New(dir, projectID string) (*Shadow, error) {
	git, err := gitstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	sessions, err := session.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	worktreePath, err := git.WorktreeRoot()
	if err != nil {
		worktreePath = dir
	}
	worktreeID, err := paths.WorktreeID()
	if err != nil {
		worktreeID = ""
	}
	return &Shadow{
		git:          git,
		checkpoints:  checkpoint.NewStore(git, projectID),
		sessions:     sessions,
		worktreePath: worktreePath,
		worktreeID:   worktreeID,
	}, nil
}

// NewWithStores wires a coordinator from pre-built stores (tests).
func NewWithStores(git *gitstore.Store, checkpoints *checkpoint.Store, sessions *session.Store, worktreePath, worktreeID string) *Shadow {
	return &Shadow{
		git:          git,
		checkpoints:  checkpoints,
		sessions:     sessions,
		worktreePath: worktreePath,
		worktreeID:   worktreeID,
	}
}

// Checkpoints exposes the checkpoint store for read-side commands.
func (s *Shadow) Checkpoints() *checkpoint.Store { return s.checkpoints }

// Sessions exposes the session store for read-side commands.
func (s *Shadow) Sessions() *session.Store { return s.sessions }

// Git exposes the object-store adapter for read-side commands.
func (s *Shadow) Git() *gitstore.Store { return s.git }

// WorktreeID returns this invocation's worktree identity.
func (s *Shadow) WorktreeID() string { return s.worktreeID }

// Step describes one unit of agent work reported by a hook.
type Step struct {
	// SessionID is the date-prefixed session identifier.
	SessionID string

	// ModifiedFiles, NewFiles, DeletedFiles are repo-relative paths.
	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// Subject becomes the step commit's subject line (e.g. a turn
	// description).
	Subject string

	// AgentType names the agent driving the session.
	AgentType agent.Type

	// TranscriptPath points at the live transcript, when the adapter has one.
	TranscriptPath string

	// TranscriptIdentifier is the adapter's position marker at this step.
	TranscriptIdentifier string

	// TokenUsage is this step's token spend, folded into the session.
	TokenUsage *agent.TokenUsage

	// Prompt is the user prompt that opened the turn (stored truncated on
	// the first step).
	Prompt string
}

// TaskStep describes one subagent (task) unit of work.
type TaskStep struct {
	SessionID string
	ToolUseID string
	AgentID   string

	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// Description of the task, used in the step subject.
	Description string

	// TranscriptPath points at the subagent transcript, if any.
	TranscriptPath string
}

// engineAuthor returns the identity used for all engine commits.
func engineAuthor() checkpoint.Signature {
	return checkpoint.Signature{Name: engineAuthorName, Email: engineAuthorEmail}
}
