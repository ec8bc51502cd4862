package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	checkpointid "github.com/trailhq/trail/cmd/trail/cli/checkpoint/id"
	"github.com/trailhq/trail/cmd/trail/cli/trailers"
)

func newExplainCmd() *cobra.Command {
	var showTranscript bool
	cmd := &cobra.Command{
		Use:   "explain [checkpoint-id]",
		Short: "Show the checkpoint behind a commit or ID",
		Long: `Resolves a checkpoint by its 12-hex ID, or from the Trail-Checkpoint
trailer of HEAD when no argument is given, and prints its summary, prompts,
and files touched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := newShadow()
			if err != nil {
				return err
			}

			var cpID checkpointid.CheckpointID
			if len(args) == 1 {
				cpID, err = checkpointid.Parse(args[0])
				if err != nil {
					return err
				}
			} else {
				head, err := s.Git().Head()
				if err != nil {
					return err
				}
				message, err := s.Git().CommitMessage(head)
				if err != nil {
					return err
				}
				var found bool
				cpID, found = trailers.ParseCheckpoint(message)
				if !found {
					return errors.New("HEAD carries no Trail-Checkpoint trailer")
				}
			}

			summary, err := s.Checkpoints().ReadCommitted(cmd.Context(), cpID)
			if err != nil {
				return err
			}
			if summary == nil {
				return fmt.Errorf("checkpoint %s not found", cpID)
			}

			bold, reset := styleCodes()
			fmt.Printf("%sCheckpoint %s%s\n", bold, summary.CheckpointID, reset)
			fmt.Printf("  strategy:  %s\n", summary.Strategy)
			if summary.Branch != "" {
				fmt.Printf("  branch:    %s\n", summary.Branch)
			}
			fmt.Printf("  steps:     %d\n", summary.CheckpointsCount)
			fmt.Printf("  sessions:  %d\n", len(summary.Sessions))
			if len(summary.FilesTouched) > 0 {
				fmt.Printf("  files:     %s\n", strings.Join(summary.FilesTouched, ", "))
			}
			if summary.TokenUsage != nil {
				fmt.Printf("  tokens:    in=%d out=%d calls=%d\n",
					summary.TokenUsage.InputTokens, summary.TokenUsage.OutputTokens, summary.TokenUsage.APICallCount)
			}

			for i := 1; i <= len(summary.Sessions); i++ {
				content, err := s.Checkpoints().ReadSessionContent(cmd.Context(), cpID, i)
				if err != nil {
					continue
				}
				fmt.Printf("\n%sSession %d: %s%s\n", bold, i, content.Metadata.SessionID, reset)
				if content.Prompts != "" {
					fmt.Println("  prompts:")
					for _, p := range strings.Split(content.Prompts, "\n---\n") {
						fmt.Printf("    - %s\n", clip(strings.TrimSpace(p), 100))
					}
				}
				if showTranscript && len(content.Transcript) > 0 {
					fmt.Printf("\n%s\n", content.Transcript)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTranscript, "transcript", false, "print the full transcript")
	return cmd
}
