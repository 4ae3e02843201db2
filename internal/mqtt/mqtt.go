// Package mqtt publishes fixture verdicts and system events, with an abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

// TopicVerdicts is the MQTT topic for detection verdicts.
const TopicVerdicts = "eol/fixture/verdicts"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "eol/fixture/system"

// System event names.
const (
	EventStartup     = "STARTUP"
	EventShutdown    = "SHUTDOWN"
	EventReconnected = "RECONNECTED"
	EventDeviceLost  = "DEVICE_LOST"
	EventHeartbeat   = "HEARTBEAT"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishVerdict sends a session verdict to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishVerdict(v logic.Verdict) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, device lost).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "DEVICE_LOST"
	Reason     string // e.g., "SIGTERM", "heartbeat failed"
	Device     string // DEVICE_LOST only
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// VerdictPayload is the MQTT message payload for a verdict.
type VerdictPayload struct {
	Verdict VerdictInner `json:"verdict"`
}

// VerdictInner contains the verdict details.
type VerdictInner struct {
	SessionID  string              `json:"session_id"`
	Timestamp  string              `json:"timestamp"`
	Outcome    string              `json:"outcome"`
	Passed     bool                `json:"passed"`
	Failed     int                 `json:"failed"`
	Detail     string              `json:"detail,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Buckets    map[string][]string `json:"buckets,omitempty"`
}

// FormatVerdictPayload creates the JSON payload for a verdict. Empty buckets are omitted.
func FormatVerdictPayload(v logic.Verdict) ([]byte, error) {
	var buckets map[string][]string
	for cat, labels := range v.Buckets {
		if len(labels) == 0 {
			continue
		}
		if buckets == nil {
			buckets = make(map[string][]string)
		}
		buckets[string(cat)] = labels
	}
	return json.Marshal(VerdictPayload{
		Verdict: VerdictInner{
			SessionID:  v.SessionID,
			Timestamp:  v.FinishedAt.UTC().Format(time.RFC3339),
			Outcome:    string(v.Outcome),
			Passed:     v.Passed,
			Failed:     v.Failed(),
			Detail:     v.Detail,
			DurationMs: v.FinishedAt.Sub(v.StartedAt).Milliseconds(),
			Buckets:    buckets,
		},
	})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED, DEVICE_LOST) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Device    string `json:"device,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Device:    event.Device,
		},
	}
	return json.Marshal(payload)
}
