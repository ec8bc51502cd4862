package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trailhq/trail/cmd/trail/cli/agent"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/strategy"
)

// newHookCmd builds the hook command family. Git hooks and agent lifecycle
// hooks both route here; every handler exits zero on engine failure so the
// host operation is never blocked — except commit-msg when the engine
// intentionally cleared the message.
func newHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "hook",
		Short:  "Hook entrypoints (installed by trail setup)",
		Hidden: true,
	}
	cmd.AddCommand(
		newPrepareCommitMsgCmd(),
		newCommitMsgCmd(),
		newPostCommitCmd(),
		newPrePushCmd(),
		newAgentHookCmd(),
	)
	return cmd
}

func newPrepareCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "prepare-commit-msg <file> [source] [sha]",
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := newShadow()
			if err != nil || !cfg.Enabled {
				return nil //nolint:nilerr // hooks are silent on failure
			}
			source := ""
			if len(args) > 1 {
				source = args[1]
			}
			refHint := ""
			if len(args) > 2 {
				refHint = args[2]
			}
			_ = s.PrepareCommitMsg(cmd.Context(), args[0], source, refHint)
			return nil
		},
	}
}

func newCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "commit-msg <file>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := newShadow()
			if err != nil || !cfg.Enabled {
				return nil //nolint:nilerr // hooks are silent on failure
			}
			if err := s.ValidateCommitMsg(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, strategy.ErrEmptyMessage) {
					// The one intentional non-zero exit: git aborts the
					// otherwise-empty commit.
					return fmt.Errorf("aborting commit: message has no content")
				}
			}
			return nil
		},
	}
}

func newPostCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "post-commit",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, err := newShadow()
			if err != nil || !cfg.Enabled {
				return nil //nolint:nilerr // hooks are silent on failure
			}
			_ = s.PostCommit(cmd.Context())
			return nil
		},
	}
}

func newPrePushCmd() *cobra.Command {
	return &cobra.Command{
		Use:  "pre-push [remote]",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, cfg, err := newShadow()
			if err != nil || !cfg.Enabled {
				return nil //nolint:nilerr // hooks are silent on failure
			}
			remote := cfg.RemoteName()
			if len(args) > 0 && args[0] != "" {
				remote = args[0]
			}
			_ = s.PrePush(cmd.Context(), remote)
			return nil
		},
	}
}

// agentHookPayload is the JSON document agent hooks deliver on stdin.
type agentHookPayload struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Prompt         string `json:"prompt,omitempty"`
	ToolUseID      string `json:"tool_use_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Description    string `json:"description,omitempty"`
}

func newAgentHookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Agent lifecycle hook entrypoints",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "session-start",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				payload, ok := readAgentPayload(cmd.InOrStdin())
				if !ok {
					return nil
				}
				sessionID := paths.SessionID(payload.SessionID)
				_ = logging.Init(sessionID)
				_ = paths.WriteCurrentSession(sessionID)
				return nil
			},
		},
		&cobra.Command{
			Use:  "turn-end",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runTurnEnd(cmd.Context(), cmd.InOrStdin())
				return nil
			},
		},
		&cobra.Command{
			Use:  "task-end",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				runTaskEnd(cmd.Context(), cmd.InOrStdin())
				return nil
			},
		},
		&cobra.Command{
			Use:  "session-end",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				payload, ok := readAgentPayload(cmd.InOrStdin())
				if !ok {
					return nil
				}
				s, cfg, err := newShadow()
				if err != nil || !cfg.Enabled {
					return nil //nolint:nilerr // hooks are silent on failure
				}
				_ = s.EndSession(cmd.Context(), sessionIDFor(cmd.Context(), s, payload))
				logging.Close()
				return nil
			},
		},
	)
	return cmd
}

// runTurnEnd records one step from a turn-end (Stop) event: the transcript
// names the files the agent modified this turn.
func runTurnEnd(ctx context.Context, stdin io.Reader) {
	payload, ok := readAgentPayload(stdin)
	if !ok {
		return
	}
	s, cfg, err := newShadow()
	if err != nil || !cfg.Enabled {
		return
	}
	sessionID := sessionIDFor(ctx, s, payload)
	_ = logging.Init(sessionID)

	step := strategy.Step{
		SessionID:      sessionID,
		AgentType:      agent.TypeClaudeCode,
		TranscriptPath: payload.TranscriptPath,
		Prompt:         payload.Prompt,
		Subject:        "Agent turn",
	}

	if a, err := agent.Get(agent.TypeClaudeCode); err == nil {
		if analyzer, ok := a.(agent.TranscriptAnalyzer); ok && payload.TranscriptPath != "" {
			offset := 0
			if state, err := s.Sessions().Load(ctx, sessionID); err == nil && state != nil {
				offset = state.CheckpointTranscriptStart
			}
			if files, pos, err := analyzer.ModifiedFilesFromOffset(payload.TranscriptPath, offset); err == nil {
				step.ModifiedFiles = relativize(files)
				step.TranscriptIdentifier = fmt.Sprintf("%d", pos)
			}
			if transcript, err := os.ReadFile(payload.TranscriptPath); err == nil {
				step.TokenUsage = analyzer.Usage(transcript, offset)
				if prompts := analyzer.Prompts(transcript); len(prompts) > 0 {
					step.Subject = firstLine(prompts[len(prompts)-1])
				}
			}
		}
	}

	_ = s.RecordStep(ctx, step)
}

// runTaskEnd records a subagent task step.
func runTaskEnd(ctx context.Context, stdin io.Reader) {
	payload, ok := readAgentPayload(stdin)
	if !ok || payload.ToolUseID == "" {
		return
	}
	s, cfg, err := newShadow()
	if err != nil || !cfg.Enabled {
		return
	}
	sessionID := sessionIDFor(ctx, s, payload)

	step := strategy.TaskStep{
		SessionID:      sessionID,
		ToolUseID:      payload.ToolUseID,
		AgentID:        payload.AgentID,
		Description:    payload.Description,
		TranscriptPath: payload.TranscriptPath,
	}
	if a, err := agent.Get(agent.TypeClaudeCode); err == nil {
		if analyzer, ok := a.(agent.TranscriptAnalyzer); ok && payload.TranscriptPath != "" {
			if files, _, err := analyzer.ModifiedFilesFromOffset(payload.TranscriptPath, 0); err == nil {
				step.ModifiedFiles = relativize(files)
			}
		}
	}
	_ = s.RecordTaskStep(ctx, step)
}

func readAgentPayload(stdin io.Reader) (agentHookPayload, bool) {
	var payload agentHookPayload
	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil || len(data) == 0 {
		return payload, false
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.SessionID == "" {
		return payload, false
	}
	return payload, true
}

// sessionIDFor maps an agent session ID to the trail session ID, preferring
// an existing record (session may span midnight).
func sessionIDFor(ctx context.Context, s *strategy.Shadow, payload agentHookPayload) string {
	if current, err := paths.ReadCurrentSession(); err == nil && current != "" {
		if paths.AgentSessionID(current) == payload.SessionID {
			return current
		}
	}
	dated := paths.SessionID(payload.SessionID)
	if state, err := s.Sessions().Load(ctx, dated); err == nil && state != nil {
		return dated
	}
	return dated
}

// relativize maps absolute transcript paths onto repo-relative paths and
// drops anything outside the repository or inside the work area.
func relativize(files []string) []string {
	root, err := paths.RepoRoot()
	if err != nil {
		return files
	}
	var out []string
	for _, f := range files {
		rel := f
		if filepath.IsAbs(f) {
			rel = paths.ToRelativePath(f, root)
		}
		if rel == "" || paths.IsInfrastructurePath(rel) {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 72 {
		return s[:72]
	}
	return s
}
