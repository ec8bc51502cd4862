package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/versioncheck"
)

// gitHookNames are the hooks setup installs.
var gitHookNames = []string{"prepare-commit-msg", "commit-msg", "post-commit", "pre-push"}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose stuck sessions, missing hooks, and version skew",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, err := newShadow()
			if err != nil {
				return err
			}

			problems := 0

			stuck, err := s.StuckSessions(cmd.Context())
			if err == nil {
				for _, state := range stuck {
					problems++
					fmt.Printf("✗ stuck session %s (active since %s, no steps)\n",
						state.SessionID, state.StartedAt.Format("2006-01-02"))
					fmt.Printf("  run: trail clean\n")
				}
			}

			commonDir, err := paths.GitCommonDir()
			if err == nil {
				for _, hook := range gitHookNames {
					if _, err := os.Stat(filepath.Join(commonDir, "hooks", hook)); err != nil {
						problems++
						fmt.Printf("✗ git hook %s not installed\n", hook)
						fmt.Printf("  run: trail setup\n")
					}
				}
			}

			orphans, err := s.OrphanShadowRefs(cmd.Context())
			if err == nil && len(orphans) > 0 {
				problems++
				fmt.Printf("✗ %d orphan shadow ref(s)\n", len(orphans))
				fmt.Printf("  run: trail clean\n")
			}

			if versioncheck.IsOutdated(cfg.LatestKnownVersion) {
				problems++
				fmt.Printf("✗ trail %s is outdated (latest known: %s)\n",
					versioncheck.Current(), cfg.LatestKnownVersion)
			}

			if problems == 0 {
				fmt.Println("✓ everything looks healthy")
			}
			return nil
		},
	}
}
