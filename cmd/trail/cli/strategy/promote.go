package strategy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	"github.com/trailhq/trail/cmd/trail/cli/checkpoint"
	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/gitstore"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
	"github.com/trailhq/trail/redact"
)

// sessionData is what promotion extracts for a session.
type sessionData struct {
	Transcript []byte
	Prompts    []string
	Context    []byte
}

// promoteAndCarryForward writes the committed checkpoint for one overlapping
// session, then re-anchors the session on the new HEAD. Promotion failure is
// logged but never aborts the carry-forward: re-anchoring is what prevents
// losing the agent's uncommitted work.
func (s *Shadow) promoteAndCarryForward(
	ctx context.Context,
	cpID checkpointid.CheckpointID,
	state *session.State,
	head plumbing.Hash,
	shadowTip plumbing.Hash,
	committedFiles map[string]gitstore.ChangeKind,
) {
	logCtx := logging.WithComponent(ctx, "checkpoint")

	data := s.extractSessionData(state, shadowTip)

	committedTouched := intersectFiles(state.FilesTouched, committedFiles)

	err := s.checkpoints.WriteCommitted(ctx, checkpoint.WriteCommittedOptions{
		CheckpointID:                cpID,
		SessionID:                   state.SessionID,
		Strategy:                    Name,
		Branch:                      s.git.HeadBranch(),
		Transcript:                  redact.Lines(data.Transcript),
		Prompts:                     redact.Strings(data.Prompts),
		Context:                     data.Context,
		FilesTouched:                committedTouched,
		CheckpointsCount:            state.StepCount,
		Author:                      engineAuthor(),
		Agent:                       state.AgentType,
		TranscriptIdentifierAtStart: state.TranscriptIdentifierAtStart,
		CheckpointTranscriptStart:   state.CheckpointTranscriptStart,
		TokenUsage:                  state.TokenUsage,
	})
	if err != nil {
		logging.Warn(logCtx, "promotion failed; carrying forward anyway",
			slog.String("session_id", state.SessionID),
			slog.String("checkpoint_id", cpID.String()),
			slog.String("error", err.Error()),
		)
	} else {
		logging.Info(logCtx, "session promoted",
			slog.String("session_id", state.SessionID),
			slog.String("checkpoint_id", cpID.String()),
			slog.Int("steps", state.StepCount),
			slog.Int("files", len(committedTouched)),
		)
	}

	remaining := s.remainingAgentChanges(head, state.FilesTouched, committedFiles, shadowTip)

	// The old base is fully promoted; its shadow ref is obsolete either way.
	// Deletion failures are left for the cleanup tooling.
	oldBase := state.BaseCommit
	if err := s.checkpoints.DeleteShadowRef(oldBase, state.WorktreeID); err != nil {
		logging.Debug(logCtx, "shadow ref delete failed",
			slog.String("base", shortHash(oldBase)),
			slog.String("error", err.Error()),
		)
	}

	state.BaseCommit = head.String()
	state.LastCheckpointID = cpID
	state.StepCount = 0

	if len(remaining) == 0 {
		state.FilesTouched = nil
		return
	}

	// Carry forward: snapshot the still-uncommitted work onto a shadow ref
	// anchored at the new base, so nothing is lost if the session ends here.
	state.FilesTouched = remaining

	metadataDir := paths.SessionMetadataDir(state.SessionID)
	message := trailers.FormatShadowCommit("Carry forward session work", metadataDir, state.SessionID, Name)
	result, err := s.checkpoints.WriteTemporary(ctx, checkpoint.WriteTemporaryOptions{
		SessionID:      state.SessionID,
		BaseCommit:     state.BaseCommit,
		WorktreeID:     state.WorktreeID,
		ModifiedFiles:  remaining,
		MetadataDir:    metadataDir,
		MetadataDirAbs: filepath.Join(s.worktreePath, filepath.FromSlash(metadataDir)),
		CommitMessage:  message,
		Author:         engineAuthor(),
	})
	if err != nil {
		logging.Warn(logCtx, "carry-forward snapshot failed; next step will retry",
			slog.String("session_id", state.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !result.Skipped {
		state.StepCount = 1
	}

	logging.Info(logCtx, "session carried forward",
		slog.String("session_id", state.SessionID),
		slog.String("new_base", shortHash(state.BaseCommit)),
		slog.Int("remaining_files", len(remaining)),
	)
}

// extractSessionData gathers transcript, prompts, and context for promotion:
// (a) from the shadow tip's metadata subtree, else (b) from the live
// transcript via the agent adapter, else (c) empty.
func (s *Shadow) extractSessionData(state *session.State, shadowTip plumbing.Hash) sessionData {
	var data sessionData

	metadataDir := paths.SessionMetadataDir(state.SessionID)
	if shadowTip != plumbing.ZeroHash {
		if transcript, err := s.git.ReadFileAtCommit(shadowTip, metadataDir+"/"+paths.TranscriptFileName); err == nil {
			data.Transcript = transcript
		}
		if prompts, err := s.git.ReadFileAtCommit(shadowTip, metadataDir+"/"+paths.PromptFileName); err == nil {
			data.Prompts = checkpoint.SplitPrompts(string(prompts))
		}
		if contextMD, err := s.git.ReadFileAtCommit(shadowTip, metadataDir+"/"+paths.ContextFileName); err == nil {
			data.Context = contextMD
		}
	}

	if len(data.Transcript) == 0 && state.TranscriptPath != "" {
		if content, err := os.ReadFile(state.TranscriptPath); err == nil {
			data.Transcript = content
		}
	}

	if len(data.Prompts) == 0 && len(data.Transcript) > 0 && state.AgentType != "" {
		if a, err := agent.Get(state.AgentType); err == nil {
			if analyzer, ok := a.(agent.TranscriptAnalyzer); ok {
				data.Prompts = analyzer.Prompts(data.Transcript)
			}
		}
	}

	if len(data.Context) == 0 {
		data.Context = buildContext(state, data.Prompts)
	}
	return data
}

// buildContext derives a context.md when the session did not record one.
func buildContext(state *session.State, prompts []string) []byte {
	var b strings.Builder
	b.WriteString("# Session " + state.SessionID + "\n\n")
	if state.FirstPrompt != "" {
		b.WriteString(state.FirstPrompt + "\n\n")
	} else if len(prompts) > 0 {
		b.WriteString(prompts[0] + "\n\n")
	}
	if len(state.FilesTouched) > 0 {
		b.WriteString("Files touched:\n")
		for _, f := range state.FilesTouched {
			b.WriteString("- " + f + "\n")
		}
	}
	return []byte(b.String())
}

// intersectFiles returns the sorted intersection of filesTouched with the
// committed diff.
func intersectFiles(filesTouched []string, committedFiles map[string]gitstore.ChangeKind) []string {
	var out []string
	for _, f := range filesTouched {
		if _, ok := committedFiles[f]; ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
