// Package status provides a thread-safe status tracker for the eol-tester daemon.
// It is read by HTTP handlers, the websocket stream and MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Variant    string
	Broker     string
	HTTPAddr   string
	Store      string
	RunOutputs bool
	SlowDebug  bool
}

// Device is the connection state of one board.
type Device struct {
	Name     string
	State    string // DISCONNECTED, CONNECTING, CONNECTED, VERIFIED
	Port     string
	Version  string
	Degraded bool
	Attempt  int
	Max      int
}

// Session is the progress of the running detection.
type Session struct {
	ID       string
	Phase    string
	Status   string
	Progress float64
	Current  string // label of the channel being measured
}

// Totals counts finished sessions since start.
type Totals struct {
	Passed  int
	Failed  int
	Aborted int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Devices       []Device
	Session       *Session
	LastVerdict   *logic.Verdict
	Totals        Totals
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Device returns the named device, if known.
func (s Snapshot) Device(name string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	devices map[string]Device
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		devices: make(map[string]Device),
	}
}

// SetDevice replaces the state of one board.
func (t *Tracker) SetDevice(d Device) {
	t.mu.Lock()
	t.devices[d.Name] = d
	t.mu.Unlock()
}

// UpdateDevice applies fn to the named board's state.
func (t *Tracker) UpdateDevice(name string, fn func(*Device)) {
	t.mu.Lock()
	d := t.devices[name]
	d.Name = name
	fn(&d)
	t.devices[name] = d
	t.mu.Unlock()
}

// SetSession records detection progress. nil clears it.
func (t *Tracker) SetSession(s *Session) {
	t.mu.Lock()
	if s != nil {
		c := *s
		s = &c
	}
	t.snap.Session = s
	t.mu.Unlock()
}

// RecordVerdict stores the last verdict and counts it.
func (t *Tracker) RecordVerdict(v logic.Verdict) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastVerdict = &v
	t.snap.Session = nil
	switch {
	case v.Passed:
		t.snap.Totals.Passed++
	case v.Outcome == logic.OutcomeCompleted:
		t.snap.Totals.Failed++
	default:
		t.snap.Totals.Aborted++
	}
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// SetSlowDebug updates the displayed slow-debug setting.
func (t *Tracker) SetSlowDebug(on bool) {
	t.mu.Lock()
	t.snap.Config.SlowDebug = on
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Devices = make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		s.Devices = append(s.Devices, d)
	}
	if s.Session != nil {
		c := *s.Session
		s.Session = &c
	}
	t.mu.RUnlock()

	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].Name < s.Devices[j].Name })
	s.Now = time.Now()
	return s
}
