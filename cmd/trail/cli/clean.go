package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove orphan shadow refs",
		Long: `Enumerates shadow refs that no live session references — leftovers
from failed deletions or sessions removed out of band — and deletes them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, _, err := newShadow()
			if err != nil {
				return err
			}

			if dryRun {
				orphans, err := s.OrphanShadowRefs(cmd.Context())
				if err != nil {
					return err
				}
				if len(orphans) == 0 {
					fmt.Println("Nothing to clean.")
					return nil
				}
				for _, orphan := range orphans {
					fmt.Printf("would delete %s (session %s)\n", orphan.RefName, orphan.SessionID)
				}
				return nil
			}

			removed, err := s.CleanOrphanShadowRefs(cmd.Context())
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Println("Nothing to clean.")
				return nil
			}
			for _, name := range removed {
				fmt.Printf("deleted %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list orphans without deleting")
	return cmd
}
