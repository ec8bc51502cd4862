package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/trailhq/trail/cmd/trail/cli/jsonutil"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/settings"
)

// gitignoreEntries keeps transient work-area content out of the user's
// history.
var gitignoreEntries = []string{
	"tmp/",
	"logs/",
	"metadata/",
	"current_session",
	"settings.local.json",
}

func newSetupCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install git hooks and initialize .trail",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			root, err := paths.RepoRoot()
			if err != nil {
				return fmt.Errorf("not inside a git repository: %w", err)
			}

			cfg, err := settings.Load()
			if err != nil {
				cfg = &settings.Settings{Strategy: settings.DefaultStrategyName, Enabled: true}
			}

			// The wizard only runs interactively; -y and non-TTY installs
			// keep existing answers.
			if !yes && term.IsTerminal(int(os.Stdin.Fd())) {
				telemetryOptIn := cfg.TelemetryEnabled()
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title("Share anonymous usage statistics?").
							Description("Command names and counts only; never code or prompts.").
							Value(&telemetryOptIn),
					),
				)
				if err := form.Run(); err == nil {
					cfg.Telemetry = &telemetryOptIn
				}
			}

			if err := installHooks(); err != nil {
				return err
			}
			if err := writeGitignore(root); err != nil {
				return err
			}
			if err := writeSettings(root, cfg); err != nil {
				return err
			}

			fmt.Println("✓ trail is set up")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept defaults, no prompts")
	return cmd
}

// installHooks writes the four git hook scripts. Existing non-trail hooks
// are left alone and reported instead of overwritten.
func installHooks() error {
	commonDir, err := paths.GitCommonDir()
	if err != nil {
		return err
	}
	hooksDir := filepath.Join(commonDir, "hooks")
	if err := os.MkdirAll(hooksDir, 0o750); err != nil {
		return fmt.Errorf("failed to create hooks directory: %w", err)
	}

	for _, hook := range gitHookNames {
		path := filepath.Join(hooksDir, hook)
		script := fmt.Sprintf("#!/bin/sh\nexec trail hook %s \"$@\"\n", hook)

		if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // hook path under git dir
			if strings.Contains(string(existing), "trail hook") {
				continue // already ours
			}
			fmt.Printf("! %s exists and is not a trail hook; skipping (chain it manually)\n", hook)
			continue
		}
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:gosec // hooks must be executable
			return fmt.Errorf("failed to install %s hook: %w", hook, err)
		}
		fmt.Printf("✓ installed %s hook\n", hook)
	}
	return nil
}

func writeGitignore(root string) error {
	dir := filepath.Join(root, paths.TrailDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create %s: %w", paths.TrailDir, err)
	}
	path := filepath.Join(dir, ".gitignore")

	var content string
	if data, err := os.ReadFile(path); err == nil { //nolint:gosec // path under repo root
		content = string(data)
	}
	var missing []string
	for _, entry := range gitignoreEntries {
		if !strings.Contains(content, entry) {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	content += strings.Join(missing, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // repo-local dotfile
		return fmt.Errorf("failed to write .trail/.gitignore: %w", err)
	}
	return nil
}

func writeSettings(root string, cfg *settings.Settings) error {
	data, err := jsonutil.MarshalIndentWithNewline(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	path := filepath.Join(root, settings.SettingsFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // repo-local settings file
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
