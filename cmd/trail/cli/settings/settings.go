// Package settings loads trail configuration. It is separate from the cli
// package so strategy can import it without a cycle (cli imports strategy).
package settings

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trailhq/trail/cmd/trail/cli/paths"
)

// DefaultStrategyName is used when no strategy is configured.
const DefaultStrategyName = "shadow"

const (
	// SettingsFile is the committed settings file.
	SettingsFile = ".trail/settings.json"
	// SettingsLocalFile holds per-developer overrides (gitignored).
	SettingsLocalFile = ".trail/settings.local.json"
)

// Settings represents the .trail/settings.json configuration.
type Settings struct {
	// Strategy names the checkpoint strategy to use.
	Strategy string `json:"strategy"`

	// Enabled gates the whole tool. When false, hooks exit silently.
	Enabled bool `json:"enabled"`

	// LogLevel sets logging verbosity (debug, info, warn, error).
	// TRAIL_LOG_LEVEL overrides it.
	LogLevel string `json:"log_level,omitempty"`

	// Remote names the remote the metadata ref is pushed to. Defaults to
	// "origin" when empty.
	Remote string `json:"remote,omitempty"`

	// SharedProjectID namespaces the metadata ref when checkpoints live in a
	// shared side repository. Empty for the common single-repo case.
	SharedProjectID string `json:"shared_project_id,omitempty"`

	// StrategyOptions carries strategy-specific configuration.
	StrategyOptions map[string]any `json:"strategy_options,omitempty"`

	// Telemetry controls anonymous usage analytics.
	// nil = not asked yet, true = opted in, false = opted out.
	Telemetry *bool `json:"telemetry,omitempty"`

	// LatestKnownVersion records the newest release version seen, for the
	// doctor version-skew check.
	LatestKnownVersion string `json:"latest_known_version,omitempty"`
}

// Load reads .trail/settings.json and applies .trail/settings.local.json
// overrides. Returns defaults if neither file exists. Works from any
// subdirectory of the repository.
func Load() (*Settings, error) {
	settingsAbs, err := paths.AbsPath(SettingsFile)
	if err != nil {
		settingsAbs = SettingsFile
	}
	localAbs, err := paths.AbsPath(SettingsLocalFile)
	if err != nil {
		localAbs = SettingsLocalFile
	}

	s, err := loadFromFile(settingsAbs)
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(localAbs) //nolint:gosec // path is from AbsPath or constant
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
	} else if err := mergeJSON(s, localData); err != nil {
		return nil, fmt.Errorf("merging local settings: %w", err)
	}

	applyDefaults(s)
	return s, nil
}

func loadFromFile(path string) (*Settings, error) {
	s := &Settings{
		Strategy: DefaultStrategyName,
		Enabled:  true,
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings file: %w", err)
	}
	applyDefaults(s)
	return s, nil
}

// mergeJSON overlays fields present in data onto s. Only fields that appear
// in the JSON override; absent fields keep their base values.
func mergeJSON(s *Settings, data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}

	if v, ok := raw["strategy"]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("parsing strategy field: %w", err)
		}
		if str != "" {
			s.Strategy = str
		}
	}
	if v, ok := raw["enabled"]; ok {
		if err := json.Unmarshal(v, &s.Enabled); err != nil {
			return fmt.Errorf("parsing enabled field: %w", err)
		}
	}
	if v, ok := raw["log_level"]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("parsing log_level field: %w", err)
		}
		if str != "" {
			s.LogLevel = str
		}
	}
	if v, ok := raw["remote"]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("parsing remote field: %w", err)
		}
		if str != "" {
			s.Remote = str
		}
	}
	if v, ok := raw["shared_project_id"]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("parsing shared_project_id field: %w", err)
		}
		if str != "" {
			s.SharedProjectID = str
		}
	}
	if v, ok := raw["strategy_options"]; ok {
		var opts map[string]any
		if err := json.Unmarshal(v, &opts); err != nil {
			return fmt.Errorf("parsing strategy_options field: %w", err)
		}
		if s.StrategyOptions == nil {
			s.StrategyOptions = opts
		} else {
			for k, val := range opts {
				s.StrategyOptions[k] = val
			}
		}
	}
	if v, ok := raw["telemetry"]; ok {
		var t bool
		if err := json.Unmarshal(v, &t); err != nil {
			return fmt.Errorf("parsing telemetry field: %w", err)
		}
		s.Telemetry = &t
	}
	if v, ok := raw["latest_known_version"]; ok {
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("parsing latest_known_version field: %w", err)
		}
		if str != "" {
			s.LatestKnownVersion = str
		}
	}
	return nil
}

func applyDefaults(s *Settings) {
	if s.Strategy == "" {
		s.Strategy = DefaultStrategyName
	}
	if s.Remote == "" {
		s.Remote = "origin"
	}
}

// RemoteName returns the configured push remote.
func (s *Settings) RemoteName() string {
	if s.Remote == "" {
		return "origin"
	}
	return s.Remote
}

// TelemetryEnabled reports whether the user opted into telemetry.
func (s *Settings) TelemetryEnabled() bool {
	return s.Telemetry != nil && *s.Telemetry
}
