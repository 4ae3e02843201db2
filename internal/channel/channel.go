// Package channel holds the static channel tables for every supported board variant.
//
// The binary output tables (Secondary device) and the line sensor table (Primary device)
// describe different hardware and are versioned independently; they are never merged.
package channel

import (
	"fmt"

	"github.com/sweeney/eol-tester/internal/logic"
)

// Table versions. Bump when a table's ids or semantics change.
const (
	BinaryTableVersion = 3
	LineTableVersion   = 2
)

// Channel is one addressable measurement point.
type Channel struct {
	ID       uint8
	Name     string
	PinLabel string
}

// Label renders the channel for operators and verdict buckets.
func (c Channel) Label() string {
	return fmt.Sprintf("%s (%s)", c.Name, c.PinLabel)
}

// Variant identifies a board build.
type Variant string

const (
	VariantBodyDoor  Variant = "bodydoor"
	VariantMainBoard Variant = "mainboard"
)

// Registry is the immutable channel map for one board variant.
type Registry struct {
	variant Variant
	outputs []Channel
	rails   logic.RailSets
	sensors []Sensor
	byID    map[uint8]Sensor
}

// New builds the registry for the given variant.
func New(v Variant) (*Registry, error) {
	var outputs []Channel
	rails := logic.RailSets{
		logic.Rail3V3:     {0, 1},
		logic.RailBody12V: {2, 3},
		logic.RailDoor24V: {4, 5},
		logic.RailDoor12V: {6, 7},
	}
	switch v {
	case VariantBodyDoor:
		outputs = bodyDoorOutputs
	case VariantMainBoard:
		outputs = append(append([]Channel{}, bodyDoorOutputs...), mainBoardExtra...)
		rails[logic.Rail3V3] = []uint8{0, 1, 18}
	default:
		return nil, fmt.Errorf("unknown board variant %q", v)
	}

	byID := make(map[uint8]Sensor, len(lineSensors))
	for _, s := range lineSensors {
		byID[s.ID] = s
	}
	return &Registry{
		variant: v,
		outputs: outputs,
		rails:   rails,
		sensors: lineSensors,
		byID:    byID,
	}, nil
}

// Variant returns the board variant.
func (r *Registry) Variant() Variant { return r.variant }

// Outputs returns the Secondary channel table.
func (r *Registry) Outputs() []Channel {
	return append([]Channel(nil), r.outputs...)
}

// OutputIDs returns every Secondary channel id in table order.
func (r *Registry) OutputIDs() []uint8 {
	ids := make([]uint8, len(r.outputs))
	for i, c := range r.outputs {
		ids[i] = c.ID
	}
	return ids
}

// Sensors returns the Primary sensor table.
func (r *Registry) Sensors() []Sensor {
	return append([]Sensor(nil), r.sensors...)
}

// SensorIDs returns every Primary channel id in table order.
func (r *Registry) SensorIDs() []uint8 {
	ids := make([]uint8, len(r.sensors))
	for i, s := range r.sensors {
		ids[i] = s.ID
	}
	return ids
}

// Sensor looks up a Primary channel by id.
func (r *Registry) Sensor(id uint8) (Sensor, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// IDs returns the channel ids that belong to a device.
func (r *Registry) IDs(dev logic.Device) []uint8 {
	if dev == logic.DevicePrimary {
		return r.SensorIDs()
	}
	return r.OutputIDs()
}

// Rails returns the power rail membership for the anomaly rules.
func (r *Registry) Rails() logic.RailSets {
	out := make(logic.RailSets, len(r.rails))
	for k, v := range r.rails {
		out[k] = append([]uint8(nil), v...)
	}
	return out
}

// CrossChecks returns the sensor pairs that must agree within a tolerance.
func (r *Registry) CrossChecks() []logic.CrossCheck {
	return []logic.CrossCheck{
		{Tolerance: logic.ToleranceTemperature, A: SensorMCUTemp, B: SensorBoardTemp},
		{Tolerance: logic.ToleranceFlow, A: SensorFlow1, B: SensorFlow2},
	}
}

// Label renders a channel of either device; unknown ids fall back to "<device>#<id>".
func (r *Registry) Label(dev logic.Device, id uint8) string {
	if dev == logic.DevicePrimary {
		if s, ok := r.byID[id]; ok {
			return s.Label()
		}
	} else if int(id) < len(r.outputs) {
		return r.outputs[id].Label()
	}
	return fmt.Sprintf("%s#%d", dev, id)
}

var bodyDoorOutputs = []Channel{
	{0, "3V3 MCU", "J1-1"},
	{1, "3V3 Sensor", "J1-2"},
	{2, "Body 12V Main", "J2-1"},
	{3, "Body 12V Aux", "J2-2"},
	{4, "Door 24V Lock", "J3-1"},
	{5, "Door 24V Motor", "J3-2"},
	{6, "Door 12V Light", "J3-3"},
	{7, "Door 12V Sensor", "J3-4"},
	{8, "Relay K1", "J4-1"},
	{9, "Relay K2", "J4-2"},
	{10, "Relay K3", "J4-3"},
	{11, "Relay K4", "J4-4"},
	{12, "Fan", "J5-1"},
	{13, "Pump", "J5-2"},
	{14, "Heater", "J5-3"},
	{15, "Valve A", "J6-1"},
	{16, "Valve B", "J6-2"},
	{17, "Buzzer", "J6-3"},
}

var mainBoardExtra = []Channel{
	{18, "3V3 MCU2", "J7-1"},
	{19, "Horn", "J7-2"},
	{20, "Wiper", "J7-3"},
	{21, "Mirror L", "J8-1"},
	{22, "Mirror R", "J8-2"},
}
