package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/trailhq/trail/cmd/trail/cli/strategy"
)

func newRewindCmd() *cobra.Command {
	var limit int
	var force bool

	cmd := &cobra.Command{
		Use:   "rewind [commit]",
		Short: "List checkpoints or restore the working tree to one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := newShadow()
			if err != nil {
				return err
			}

			points, err := s.ListRewindPoints(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				if len(points) == 0 {
					fmt.Println("No rewind points.")
					return nil
				}
				bold, reset := styleCodes()
				for _, p := range points {
					kind := ""
					if p.IsTask {
						kind = " [task]"
					}
					fmt.Printf("%s%s%s  %s  %s%s\n", bold, p.CommitHash.String()[:7], reset,
						p.Date.Format("2006-01-02 15:04"), p.Message, kind)
				}
				return nil
			}

			target := findPoint(points, args[0])
			if target == nil {
				return fmt.Errorf("no rewind point matches %q", args[0])
			}

			preview, err := s.PreviewRewind(cmd.Context(), *target)
			if err != nil {
				return err
			}
			if len(preview.FilesToRestore) == 0 && len(preview.FilesToDelete) == 0 {
				fmt.Println("Working tree already matches that checkpoint.")
				return nil
			}

			fmt.Printf("Rewinding to %s will:\n", target.CommitHash.String()[:7])
			for _, f := range preview.FilesToRestore {
				fmt.Printf("  restore: %s%s\n", f, formatStat(preview.RestoreStats[f]))
			}
			for _, f := range preview.FilesToDelete {
				fmt.Printf("  delete:  %s\n", f)
			}
			if !force && !confirm("Continue?") {
				fmt.Println("Aborted.")
				return nil
			}

			if err := s.Rewind(cmd.Context(), *target); err != nil {
				return err
			}
			fmt.Printf("Restored working tree to %s\n", target.CommitHash.String()[:7])
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rewind points to list")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")
	return cmd
}

// formatStat renders per-file line stats like " (+12/-3)"; empty for a
// stat-less entry.
func formatStat(stat strategy.FileStat) string {
	switch {
	case stat.Added > 0 && stat.Removed > 0:
		return fmt.Sprintf(" (+%d/-%d)", stat.Added, stat.Removed)
	case stat.Added > 0:
		return fmt.Sprintf(" (+%d)", stat.Added)
	case stat.Removed > 0:
		return fmt.Sprintf(" (-%d)", stat.Removed)
	default:
		return ""
	}
}

func findPoint(points []strategy.RewindPoint, prefix string) *strategy.RewindPoint {
	for i := range points {
		if strings.HasPrefix(points[i].CommitHash.String(), prefix) {
			return &points[i]
		}
	}
	if hash := plumbing.NewHash(prefix); !hash.IsZero() {
		for i := range points {
			if points[i].CommitHash == hash {
				return &points[i]
			}
		}
	}
	return nil
}

// confirm prompts via /dev/tty so it works when stdin is redirected. Without
// a TTY it declines: a destructive default would be wrong in scripts.
func confirm(prompt string) bool {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer tty.Close()

	fmt.Fprintf(tty, "%s [y/N] ", prompt)
	response, err := bufio.NewReader(tty).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.TrimSpace(strings.ToLower(response)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
