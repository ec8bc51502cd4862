// Package cli wires the trail command tree. Commands are thin: they parse
// flags, build a strategy coordinator for the current repository, and print
// results. All engine behavior lives below this package.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trailhq/trail/cmd/trail/cli/settings"
	"github.com/trailhq/trail/cmd/trail/cli/strategy"
	"github.com/trailhq/trail/cmd/trail/cli/telemetry"
	"github.com/trailhq/trail/cmd/trail/cli/versioncheck"

	// Register the Claude Code adapter.
	_ "github.com/trailhq/trail/cmd/trail/cli/agent/claudecode"
)

var rootCmd = &cobra.Command{
	Use:   "trail",
	Short: "Durable, searchable audit trail for AI coding-agent sessions",
	Long: `trail records every agent session in your repository: each turn is
snapshotted onto a shadow ref, and when you commit work the agent touched,
the session is promoted to a durable checkpoint on the trail/checkpoints/v1
ref — without polluting your branch history.`,
	Version:       versioncheck.Current(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() {
	defer telemetry.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trail: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(
		newHookCmd(),
		newStatusCmd(),
		newLogCmd(),
		newExplainCmd(),
		newRewindCmd(),
		newDoctorCmd(),
		newCleanCmd(),
		newSetupCmd(),
	)
}

// newShadow builds the coordinator for the current directory, honoring the
// enabled flag and project namespace from settings.
func newShadow() (*strategy.Shadow, *settings.Settings, error) {
	cfg, err := settings.Load()
	if err != nil {
		cfg = &settings.Settings{Enabled: true, Strategy: settings.DefaultStrategyName}
	}
	s, err := strategy.New(".", cfg.SharedProjectID)
	if err != nil {
		return nil, cfg, err
	}
	return s, cfg, nil
}
