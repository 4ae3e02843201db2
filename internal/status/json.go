package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Devices       []DeviceJSON `json:"devices"`
	Session       *SessionJSON `json:"session,omitempty"`
	LastVerdict   *VerdictJSON `json:"last_verdict,omitempty"`
	Totals        TotalsJSON   `json:"totals"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// DeviceJSON is the JSON representation of one board.
type DeviceJSON struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Port     string `json:"port,omitempty"`
	Version  string `json:"version,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	Max      int    `json:"max_attempts,omitempty"`
}

// SessionJSON is the JSON representation of detection progress.
type SessionJSON struct {
	ID       string  `json:"id"`
	Phase    string  `json:"phase"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Current  string  `json:"current,omitempty"`
}

// VerdictJSON summarizes the last verdict.
type VerdictJSON struct {
	SessionID string              `json:"session_id"`
	Outcome   string              `json:"outcome"`
	Passed    bool                `json:"passed"`
	Detail    string              `json:"detail,omitempty"`
	Finished  string              `json:"finished"`
	Buckets   map[string][]string `json:"buckets,omitempty"`
}

// TotalsJSON is the JSON representation of session counts.
type TotalsJSON struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Aborted int `json:"aborted"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Variant    string `json:"variant"`
	Broker     string `json:"broker"`
	HTTPAddr   string `json:"http_addr"`
	Store      string `json:"store"`
	RunOutputs bool   `json:"run_outputs"`
	SlowDebug  bool   `json:"slow_debug"`
}

func buildVerdict(v *logic.Verdict) *VerdictJSON {
	if v == nil {
		return nil
	}
	out := &VerdictJSON{
		SessionID: v.SessionID,
		Outcome:   string(v.Outcome),
		Passed:    v.Passed,
		Detail:    v.Detail,
		Finished:  v.FinishedAt.UTC().Format(time.RFC3339),
	}
	for cat, labels := range v.Buckets {
		if len(labels) == 0 {
			continue
		}
		if out.Buckets == nil {
			out.Buckets = make(map[string][]string)
		}
		out.Buckets[string(cat)] = labels
	}
	return out
}

func buildInner(snap Snapshot) StatusInner {
	devices := make([]DeviceJSON, len(snap.Devices))
	for i, d := range snap.Devices {
		st := d.State
		if st == "" {
			st = "UNKNOWN"
		}
		devices[i] = DeviceJSON{
			Name: d.Name, State: st, Port: d.Port, Version: d.Version,
			Degraded: d.Degraded, Attempt: d.Attempt, Max: d.Max,
		}
	}

	inner := StatusInner{
		Devices:       devices,
		LastVerdict:   buildVerdict(snap.LastVerdict),
		Totals:        TotalsJSON(snap.Totals),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config:        ConfigJSON(snap.Config),
	}
	if s := snap.Session; s != nil {
		inner.Session = &SessionJSON{ID: s.ID, Phase: s.Phase, Status: s.Status, Progress: s.Progress, Current: s.Current}
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
