package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active sessions and shadow refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, err := newShadow()
			if err != nil {
				return err
			}
			if !cfg.Enabled {
				fmt.Println("trail is disabled (.trail/settings.json: enabled=false)")
				return nil
			}

			states, err := s.Sessions().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(states) == 0 {
				fmt.Println("No sessions.")
				return nil
			}

			bold, reset := styleCodes()
			for _, state := range states {
				fmt.Printf("%s%s%s\n", bold, state.SessionID, reset)
				fmt.Printf("  phase:    %s\n", phaseLabel(state))
				fmt.Printf("  base:     %s\n", short(state.BaseCommit))
				fmt.Printf("  steps:    %d\n", state.StepCount)
				if len(state.FilesTouched) > 0 {
					fmt.Printf("  touched:  %s\n", strings.Join(state.FilesTouched, ", "))
				}
				shadowRef := paths.ShadowRefForCommit(state.BaseCommit, state.WorktreeID)
				if s.Git().RefExists(shadowRef) {
					fmt.Printf("  shadow:   %s\n", shadowRef)
				}
				if !state.LastCheckpointID.IsEmpty() {
					fmt.Printf("  last cp:  %s\n", state.LastCheckpointID)
				}
				if state.FirstPrompt != "" {
					fmt.Printf("  prompt:   %s\n", clip(state.FirstPrompt, 80))
				}
			}
			return nil
		},
	}
}

func phaseLabel(state *session.State) string {
	if state.Phase == "" {
		return string(session.PhaseActive)
	}
	return string(state.Phase)
}

// styleCodes returns ANSI bold/reset when stdout is a terminal.
func styleCodes() (string, string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return "\033[1m", "\033[0m"
	}
	return "", ""
}

func short(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
