package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	"github.com/trailhq/trail/cmd/trail/cli/checkpoint"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
)

// maxStoredPromptLen bounds the first-prompt copy kept in session state.
const maxStoredPromptLen = 500

// RecordStep snapshots one agent step onto the session's shadow ref and
// updates the session record. The first step of a session initializes the
// record; a moved HEAD triggers best-effort shadow ref migration first.
func (s *Shadow) RecordStep(ctx context.Context, step Step) error {
	logCtx := logging.WithComponent(ctx, "checkpoint")

	state, err := s.sessions.Load(ctx, step.SessionID)
	if err != nil {
		// A broken state document is treated as an absent session.
		logging.Warn(logCtx, "failed to load session state, reinitializing",
			slog.String("session_id", step.SessionID),
			slog.String("error", err.Error()),
		)
		state = nil
	}

	if state == nil || state.BaseCommit == "" {
		state, err = s.initializeSession(step)
		if err != nil {
			return fmt.Errorf("failed to initialize session: %w", err)
		}
	} else {
		s.migrateIfMoved(logCtx, state)
	}

	metadataDir := paths.SessionMetadataDir(step.SessionID)
	metadataDirAbs := filepath.Join(s.worktreePath, filepath.FromSlash(metadataDir))

	subject := step.Subject
	if subject == "" {
		subject = fmt.Sprintf("Step %d", state.StepCount+1)
	}
	message := trailers.FormatShadowCommit(subject, metadataDir, step.SessionID, Name)

	result, err := s.checkpoints.WriteTemporary(ctx, checkpoint.WriteTemporaryOptions{
		SessionID:      step.SessionID,
		BaseCommit:     state.BaseCommit,
		WorktreeID:     state.WorktreeID,
		ModifiedFiles:  step.ModifiedFiles,
		NewFiles:       step.NewFiles,
		DeletedFiles:   step.DeletedFiles,
		MetadataDir:    metadataDir,
		MetadataDirAbs: metadataDirAbs,
		CommitMessage:  message,
		Author:         engineAuthor(),
	})
	if err != nil {
		return fmt.Errorf("failed to write temporary checkpoint: %w", err)
	}

	if !result.Skipped {
		state.StepCount++
		state.FilesTouched = mergeFileLists(state.FilesTouched, step.ModifiedFiles, step.NewFiles, step.DeletedFiles)
		state.TokenUsage = foldUsage(state.TokenUsage, step)
		if state.StepCount == 1 && step.TranscriptIdentifier != "" {
			state.TranscriptIdentifierAtStart = step.TranscriptIdentifier
		}
	}

	state.Phase = session.PhaseActive
	if step.TranscriptPath != "" {
		state.TranscriptPath = step.TranscriptPath
	}
	if step.AgentType != "" && state.AgentType == "" {
		state.AgentType = step.AgentType
	}
	if state.FirstPrompt == "" && step.Prompt != "" {
		state.FirstPrompt = truncatePrompt(step.Prompt)
	}

	if err := s.sessions.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}

	logging.Info(logCtx, "step recorded",
		slog.String("session_id", step.SessionID),
		slog.Int("step_count", state.StepCount),
		slog.Bool("skipped", result.Skipped),
		slog.Int("modified_files", len(step.ModifiedFiles)),
		slog.Int("new_files", len(step.NewFiles)),
		slog.Int("deleted_files", len(step.DeletedFiles)),
	)
	return nil
}

// RecordTaskStep snapshots a subagent step. Identical to RecordStep except
// the metadata lands under the task path and the subject encodes the task.
func (s *Shadow) RecordTaskStep(ctx context.Context, step TaskStep) error {
	logCtx := logging.WithComponent(ctx, "checkpoint")

	state, err := s.sessions.Load(ctx, step.SessionID)
	if err != nil {
		state = nil
	}
	if state == nil || state.BaseCommit == "" {
		state, err = s.initializeSession(Step{SessionID: step.SessionID})
		if err != nil {
			return fmt.Errorf("failed to initialize session: %w", err)
		}
	} else {
		s.migrateIfMoved(logCtx, state)
	}

	taskDir := paths.TaskMetadataDir(step.SessionID, step.ToolUseID)

	shortToolUse := step.ToolUseID
	if len(shortToolUse) > 12 {
		shortToolUse = shortToolUse[:12]
	}
	subject := fmt.Sprintf("Task %s", shortToolUse)
	if step.Description != "" {
		subject = fmt.Sprintf("Task: %s (%s)", step.Description, shortToolUse)
	}
	message := trailers.FormatShadowTaskCommit(subject, taskDir, step.SessionID, Name)

	_, err = s.checkpoints.WriteTemporaryTask(ctx, checkpoint.WriteTaskOptions{
		SessionID:      step.SessionID,
		BaseCommit:     state.BaseCommit,
		WorktreeID:     state.WorktreeID,
		ToolUseID:      step.ToolUseID,
		AgentID:        step.AgentID,
		ModifiedFiles:  step.ModifiedFiles,
		NewFiles:       step.NewFiles,
		DeletedFiles:   step.DeletedFiles,
		TranscriptPath: step.TranscriptPath,
		CommitMessage:  message,
		Author:         engineAuthor(),
	})
	if err != nil {
		return fmt.Errorf("failed to write task checkpoint: %w", err)
	}

	state.FilesTouched = mergeFileLists(state.FilesTouched, step.ModifiedFiles, step.NewFiles, step.DeletedFiles)
	if err := s.sessions.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}

	logging.Info(logCtx, "task step recorded",
		slog.String("session_id", step.SessionID),
		slog.String("tool_use_id", step.ToolUseID),
	)
	return nil
}

// EndSession marks the session ended. The record is kept for checkpoint-ID
// reuse until the stale threshold removes it.
func (s *Shadow) EndSession(ctx context.Context, sessionID string) error {
	state, err := s.sessions.Load(ctx, sessionID)
	if err != nil || state == nil {
		return nil
	}
	now := time.Now()
	state.Phase = session.PhaseEnded
	state.EndedAt = &now
	return s.sessions.Save(ctx, state)
}

// initializeSession creates the session record on the first step.
func (s *Shadow) initializeSession(step Step) (*session.State, error) {
	head, err := s.git.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	untracked, err := s.git.UntrackedPaths()
	if err != nil {
		untracked = nil
	}
	filtered := untracked[:0]
	for _, path := range untracked {
		if !paths.IsInfrastructurePath(path) {
			filtered = append(filtered, path)
		}
	}

	state := &session.State{
		SessionID:             step.SessionID,
		BaseCommit:            head.String(),
		AttributionBaseCommit: head.String(),
		WorktreePath:          s.worktreePath,
		WorktreeID:            s.worktreeID,
		StartedAt:             time.Now(),
		Phase:                 session.PhaseActive,
		UntrackedFilesAtStart: filtered,
		AgentType:             step.AgentType,
		TranscriptPath:        step.TranscriptPath,
	}
	if step.Prompt != "" {
		state.FirstPrompt = truncatePrompt(step.Prompt)
	}
	return state, nil
}

// migrateIfMoved re-homes the session's shadow ref after a history rewrite
// (rebase, amend, pull) moved the active tip. Best-effort: any failure keeps
// the session usable by at least updating BaseCommit.
func (s *Shadow) migrateIfMoved(logCtx context.Context, state *session.State) {
	head, err := s.git.Head()
	if err != nil {
		return
	}
	newBase := head.String()
	if state.BaseCommit == newBase {
		return
	}

	if err := s.checkpoints.RenameShadowRef(state.BaseCommit, newBase, state.WorktreeID); err != nil {
		// Rename target exists or the old ref is gone. Accept and move on;
		// the next step re-anchors on the new base.
		logging.Debug(logCtx, "shadow ref migration skipped",
			slog.String("session_id", state.SessionID),
			slog.String("old_base", shortHash(state.BaseCommit)),
			slog.String("new_base", shortHash(newBase)),
			slog.String("reason", err.Error()),
		)
	} else {
		logging.Info(logCtx, "shadow ref migrated",
			slog.String("session_id", state.SessionID),
			slog.String("old_base", shortHash(state.BaseCommit)),
			slog.String("new_base", shortHash(newBase)),
		)
	}
	state.BaseCommit = newBase
}

// mergeFileLists unions path lists into a sorted unique set.
func mergeFileLists(existing []string, lists ...[]string) []string {
	seen := make(map[string]bool, len(existing))
	for _, f := range existing {
		seen[f] = true
	}
	for _, list := range lists {
		for _, f := range list {
			seen[f] = true
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// foldUsage merges a step's token usage into the session total.
func foldUsage(existing *agent.TokenUsage, step Step) *agent.TokenUsage {
	return agent.Accumulate(existing, step.TokenUsage)
}

// truncatePrompt collapses whitespace and bounds the stored prompt copy.
func truncatePrompt(prompt string) string {
	collapsed := strings.Join(strings.Fields(prompt), " ")
	if utf8.RuneCountInString(collapsed) <= maxStoredPromptLen {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:maxStoredPromptLen]) + "..."
}

// shortHash truncates a hash for logs.
func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
