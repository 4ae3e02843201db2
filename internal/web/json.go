package web

import (
	"encoding/json"
	"net/http"

	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/sequencer"
)

// RangeRequest is the body of a threshold range update.
type RangeRequest struct {
	Min *int32 `json:"min"`
	Max *int32 `json:"max"`
}

// ValueRequest is the body of a scalar threshold update.
type ValueRequest struct {
	Value *int32 `json:"value"`
}

// ModeRequest toggles slow-debug mode.
type ModeRequest struct {
	Enabled bool `json:"enabled"`
}

// QuickReadRequest selects channels for a quick-read. An empty list reads them all.
type QuickReadRequest struct {
	Channels []uint8 `json:"channels"`
	Retry    bool    `json:"retry"`
}

// ChannelThreshold is one channel's active range.
type ChannelThreshold struct {
	Channel  uint8  `json:"channel"`
	Label    string `json:"label"`
	Min      int32  `json:"min"`
	Max      int32  `json:"max"`
	Override bool   `json:"override"`
}

// BucketThresholds lists every channel of one device/state.
type BucketThresholds struct {
	Device   logic.Device       `json:"device"`
	State    logic.State        `json:"state"`
	Channels []ChannelThreshold `json:"channels"`
}

// ThresholdsResponse is the full threshold table.
type ThresholdsResponse struct {
	Ranges    []BucketThresholds `json:"ranges"`
	Power     map[string]int32   `json:"power"`
	Tolerance map[string]int32   `json:"tolerance"`
}

// DebugResponse is the slow-debug history.
type DebugResponse struct {
	Enabled  bool             `json:"enabled"`
	Paused   bool             `json:"paused"`
	Waiting  bool             `json:"waiting"`
	Selected *sequencer.Step  `json:"selected,omitempty"`
	Steps    []sequencer.Step `json:"steps"`
}

// SessionResponse reports the running detection.
type SessionResponse struct {
	Active  bool               `json:"active"`
	Session *sequencer.Session `json:"session,omitempty"`
}

// QuickReadResponse carries the per-channel outcome of a quick-read.
type QuickReadResponse struct {
	Device  logic.Device            `json:"device"`
	Results []sequencer.QuickResult `json:"results"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
