package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trailhq/trail/cmd/trail/cli/telemetry"
)

func newLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "List committed checkpoints, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := newShadow()
			if err != nil {
				return err
			}
			infos, err := s.Checkpoints().ListCommitted(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No checkpoints.")
				return nil
			}
			telemetry.Capture("log", map[string]any{"count": len(infos)})

			bold, reset := styleCodes()
			for _, info := range infos {
				fmt.Printf("%s%s%s  %s\n", bold, info.CheckpointID, reset,
					info.CreatedAt.Format("2006-01-02 15:04"))
				if info.SessionID != "" {
					fmt.Printf("  session: %s", info.SessionID)
					if info.Agent != "" {
						fmt.Printf("  (%s)", info.Agent)
					}
					fmt.Println()
				}
				if len(info.FilesTouched) > 0 {
					fmt.Printf("  files:   %s\n", strings.Join(info.FilesTouched, ", "))
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum checkpoints to list")
	return cmd
}
