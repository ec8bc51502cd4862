package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
	"github.com/trailhq/trail/cmd/trail/cli/validation"
)

// Commit sources passed by the prepare-commit-msg hook.
const (
	sourceMerge  = "merge"
	sourceSquash = "squash"
	sourceAmend  = "commit"
)

// PrepareCommitMsg injects a Trail-Checkpoint trailer into the pending commit
// message when the staged changes overlap an active session's work.
//
// Merge and squash sources are skipped (auto-generated messages). Amends that
// already carry a trailer are left alone, which makes the hook idempotent.
func (s *Shadow) PrepareCommitMsg(ctx context.Context, messageFile, source, refHint string) error {
	_ = refHint
	logCtx := logging.WithComponent(ctx, "hooks")

	switch source {
	case sourceMerge, sourceSquash:
		logging.Debug(logCtx, "prepare-commit-msg: skipped for source",
			slog.String("source", source),
		)
		return nil
	}

	content, err := os.ReadFile(messageFile) //nolint:gosec // path supplied by the git hook
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}
	message := string(content)

	if existing, found := trailers.ParseCheckpoint(message); found {
		logging.Debug(logCtx, "prepare-commit-msg: trailer already present",
			slog.String("checkpoint_id", existing.String()),
		)
		return nil
	}
	if source == sourceAmend {
		// Amend without an existing trailer: nothing to restore from the
		// message itself; sessions matching HEAD are handled below like any
		// other commit.
		logging.Debug(logCtx, "prepare-commit-msg: amend without trailer")
	}

	head, err := s.git.Head()
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}
	headHash := head.String()

	states, err := s.sessions.FindByBaseCommit(ctx, headHash)
	if err != nil || len(states) == 0 {
		logging.Debug(logCtx, "prepare-commit-msg: no sessions at HEAD",
			slog.String("head", shortHash(headHash)),
		)
		return nil //nolint:nilerr // hooks are silent on failure
	}

	staged, err := s.git.StagedPaths()
	if err != nil || len(staged) == 0 {
		return nil //nolint:nilerr // nothing staged, nothing to link
	}

	for _, state := range states {
		if state.StepCount == 0 || len(state.FilesTouched) == 0 {
			continue
		}
		shadowTip, err := s.git.ResolveRef(paths.ShadowRefForCommit(state.BaseCommit, state.WorktreeID))
		if err != nil {
			continue
		}
		if !s.stagedOverlap(staged, state.FilesTouched, shadowTip) {
			continue
		}

		cpID := state.LastCheckpointID
		if cpID.IsEmpty() {
			generated, err := checkpointid.Generate()
			if err != nil {
				return fmt.Errorf("failed to generate checkpoint ID: %w", err)
			}
			cpID = generated
			state.LastCheckpointID = cpID
			if err := s.sessions.Save(ctx, state); err != nil {
				logging.Warn(logCtx, "prepare-commit-msg: failed to persist checkpoint ID",
					slog.String("session_id", state.SessionID),
					slog.String("error", err.Error()),
				)
			}
		}

		updated := insertCheckpointTrailer(message, cpID)
		if err := atomicWriteMessage(messageFile, []byte(updated)); err != nil {
			return nil //nolint:nilerr // hooks are silent on failure
		}

		logging.Info(logCtx, "prepare-commit-msg: trailer injected",
			slog.String("session_id", state.SessionID),
			slog.String("checkpoint_id", cpID.String()),
			slog.String("source", source),
		)
		return nil
	}

	logging.Debug(logCtx, "prepare-commit-msg: no overlapping session")
	return nil
}

// ValidateCommitMsg strips the engine trailer from a message that has no user
// content, so git aborts the otherwise-empty commit. Returns ErrEmptyMessage
// in that case — the one engine error a hook boundary converts into a
// non-zero exit.
func (s *Shadow) ValidateCommitMsg(ctx context.Context, messageFile string) error {
	logCtx := logging.WithComponent(ctx, "hooks")

	content, err := os.ReadFile(messageFile) //nolint:gosec // path supplied by the git hook
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}
	message := string(content)

	if _, found := trailers.ParseCheckpoint(message); !found {
		return nil
	}
	if hasUserContent(message) {
		return nil
	}

	stripped := stripCheckpointTrailer(message)
	if err := atomicWriteMessage(messageFile, []byte(stripped)); err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}

	logging.Info(logCtx, "commit-msg: stripped trailer from empty message")
	return ErrEmptyMessage
}

// PostCommit detects whether the commit just created incorporated session
// work, promotes overlapping sessions to committed checkpoints, and carries
// forward any remainder. Sessions are processed sequentially; a promotion
// failure for one session never blocks the others.
func (s *Shadow) PostCommit(ctx context.Context) error {
	logCtx := logging.WithComponent(ctx, "hooks")

	head, err := s.git.Head()
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}
	message, err := s.git.CommitMessage(head)
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}

	cpID, found := trailers.ParseCheckpoint(message)
	if !found {
		return nil
	}

	parent, err := s.git.CommitParent(head)
	if err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}

	committedFiles, err := s.git.DiffNameStatus(parent, head)
	if err != nil {
		logging.Warn(logCtx, "post-commit: diff failed",
			slog.String("error", err.Error()),
		)
		return nil //nolint:nilerr // hooks are silent on failure
	}

	states, err := s.sessions.FindByBaseCommit(ctx, parent.String())
	if err != nil || len(states) == 0 {
		logging.Debug(logCtx, "post-commit: no sessions at parent",
			slog.String("checkpoint_id", cpID.String()),
		)
		return nil //nolint:nilerr // hooks are silent on failure
	}

	for _, state := range states {
		if state.StepCount == 0 || len(state.FilesTouched) == 0 {
			continue
		}
		shadowRef := paths.ShadowRefForCommit(state.BaseCommit, state.WorktreeID)
		shadowTip, err := s.git.ResolveRef(shadowRef)
		if err != nil {
			continue
		}
		if !s.committedOverlap(head, parent, committedFiles, state.FilesTouched, shadowTip) {
			logging.Debug(logCtx, "post-commit: no content overlap",
				slog.String("session_id", state.SessionID),
			)
			continue
		}

		s.promoteAndCarryForward(ctx, cpID, state, head, shadowTip, committedFiles)

		if err := s.sessions.Save(ctx, state); err != nil {
			logging.Warn(logCtx, "post-commit: failed to save session state",
				slog.String("session_id", state.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// PrePush pushes the metadata ref alongside the user's push. Failure never
// blocks the user's own push.
func (s *Shadow) PrePush(ctx context.Context, remote string) error {
	logCtx := logging.WithComponent(ctx, "hooks")

	if err := validation.ValidateRemoteName(remote); err != nil {
		return nil //nolint:nilerr // hooks are silent on failure
	}
	refName := s.checkpoints.MetadataRefName()
	if !s.git.RefExists(refName) {
		return nil
	}
	if err := s.git.PushRef(ctx, remote, refName); err != nil {
		logging.Warn(logCtx, "pre-push: metadata ref push failed",
			slog.String("remote", remote),
			slog.String("ref", refName),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// hasUserContent reports whether the message carries anything besides
// #-comments and the engine's own trailer.
func hasUserContent(message string) bool {
	trailerPrefix := trailers.CheckpointTrailerKey + ":"
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, trailerPrefix) {
			continue
		}
		return true
	}
	return false
}

// stripCheckpointTrailer removes the checkpoint trailer line from a message.
func stripCheckpointTrailer(message string) string {
	trailerPrefix := trailers.CheckpointTrailerKey + ":"
	var kept []string
	for _, line := range strings.Split(message, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), trailerPrefix) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// insertCheckpointTrailer places the trailer immediately before the
// #-comment region (or at end of message if none), preceded by a blank line.
func insertCheckpointTrailer(message string, cpID checkpointid.CheckpointID) string {
	trailer := trailers.CheckpointTrailerKey + ": " + cpID.String()

	lines := strings.Split(message, "\n")
	commentStart := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "#") {
			commentStart = i
			break
		}
	}

	if commentStart == -1 {
		return strings.TrimRight(message, "\n") + "\n\n" + trailer + "\n"
	}

	userContent := strings.TrimRight(strings.Join(lines[:commentStart], "\n"), "\n")
	comments := strings.Join(lines[commentStart:], "\n")
	if userContent == "" {
		// Leave the first line free for the subject the user will type.
		return "\n\n" + trailer + "\n\n" + comments
	}
	return userContent + "\n\n" + trailer + "\n\n" + comments
}

// atomicWriteMessage writes the hook-owned message file via temp + rename in
// the same directory.
func atomicWriteMessage(path string, content []byte) error {
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

