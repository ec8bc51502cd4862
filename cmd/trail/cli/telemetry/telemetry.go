// Package telemetry sends opt-in, anonymous usage events. The distinct ID is
// a hashed machine ID, never a user identity; events carry only command names
// and coarse counts. Telemetry failures are always swallowed — no user-facing
// operation depends on it.
package telemetry

import (
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"

	"github.com/trailhq/trail/cmd/trail/cli/settings"
)

// apiKey is the public project write key. Write-only: it cannot read data.
const apiKey = "phc_trail_cli"

const endpoint = "https://eu.i.posthog.com"

var (
	clientOnce sync.Once
	client     posthog.Client
	distinctID string
)

func getClient() (posthog.Client, string) {
	clientOnce.Do(func() {
		id, err := machineid.ProtectedID("trail")
		if err != nil {
			return
		}
		c, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
		if err != nil {
			return
		}
		client = c
		distinctID = id
	})
	return client, distinctID
}

// Capture records one event when the user has opted in. Never returns an
// error; telemetry is fire-and-forget.
func Capture(event string, properties map[string]any) {
	cfg, err := settings.Load()
	if err != nil || !cfg.TelemetryEnabled() {
		return
	}
	c, id := getClient()
	if c == nil {
		return
	}
	props := posthog.NewProperties()
	for k, v := range properties {
		props.Set(k, v)
	}
	_ = c.Enqueue(posthog.Capture{ //nolint:errcheck // fire-and-forget
		DistinctId: id,
		Event:      event,
		Properties: props,
	})
}

// Close flushes any queued events. Safe to call when telemetry never
// initialized.
func Close() {
	if client != nil {
		_ = client.Close()
	}
}
