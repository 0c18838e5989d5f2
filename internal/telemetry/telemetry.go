// Package telemetry sends anonymous pipeline outcome events to PostHog.
package telemetry

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
)

// Tracker enqueues analytics events; the zero value and a nil *Tracker are no-ops
type Tracker struct {
	client     posthog.Client
	distinctID string
	log        *slog.Logger
}

// New creates a tracker. An empty key disables telemetry entirely.
// installID identifies this installation; a random one is used when empty.
func New(key, host, installID string, log *slog.Logger) *Tracker {
	t := &Tracker{distinctID: installID, log: log}
	if t.distinctID == "" {
		t.distinctID = uuid.NewString()
	}
	if key == "" {
		return t
	}

	client, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		if log != nil {
			log.Warn("failed to initialize PostHog", "error", err)
		}
		return t
	}
	t.client = client
	return t
}

// Enabled reports whether events are sent anywhere
func (t *Tracker) Enabled() bool {
	return t != nil && t.client != nil
}

// Track sends an event with properties
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	properties := posthog.NewProperties()
	for k, v := range props {
		properties.Set(k, v)
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: properties,
	}); err != nil && t.log != nil {
		t.log.Debug("telemetry event dropped", "event", event, "error", err)
	}
}

// Close flushes pending events
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.client.Close()
}
