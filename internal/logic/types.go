// Package logic contains the pure data model and validation rules for fixture tests.
// This package has NO external dependencies (no serial ports, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"fmt"
	"time"
)

// Device identifies one of the two physical boards attached to the fixture.
type Device string

const (
	// DevicePrimary is the sensor board speaking the line protocol.
	DevicePrimary Device = "primary"
	// DeviceSecondary is the output board speaking the binary framed protocol.
	DeviceSecondary Device = "secondary"
)

// Devices lists every device in a stable order.
var Devices = []Device{DevicePrimary, DeviceSecondary}

// State is the hardware state of a channel when a reading was taken.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// States lists every state in a stable order.
var States = []State{StateIdle, StateRunning}

// ErrInvalidRange is returned when a range has Min > Max.
var ErrInvalidRange = errors.New("invalid range: min must be <= max")

// Range is an inclusive threshold window.
type Range struct {
	Min int32 `json:"min"`
	Max int32 `json:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v int32) bool {
	return r.Min <= v && v <= r.Max
}

// Validate rejects ranges whose bounds are inverted.
func (r Range) Validate() error {
	if r.Min > r.Max {
		return fmt.Errorf("%w (min=%d max=%d)", ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

// Reading is a single value reported by a device. It is never mutated after creation.
type Reading struct {
	Device    Device
	Channel   uint8
	Value     int32
	State     State
	Timestamp time.Time
}

// Rail identifies a supply rail checked by the power-anomaly rules.
type Rail string

const (
	Rail3V3     Rail = "3v3"
	RailBody12V Rail = "body12v"
	RailDoor24V Rail = "door24v"
	RailDoor12V Rail = "door12v"
)

// Rails lists every rail in evaluation order.
var Rails = []Rail{Rail3V3, RailBody12V, RailDoor24V, RailDoor12V}

// Tolerance names a signed difference tolerance between two sensor channels.
type Tolerance string

const (
	ToleranceTemperature Tolerance = "temperature"
	ToleranceFlow        Tolerance = "flow"
)

// Tolerances lists every tolerance.
var Tolerances = []Tolerance{ToleranceTemperature, ToleranceFlow}

// Category names a failure bucket in a verdict.
type Category string

const (
	CategoryIdleRange      Category = "idle-range"
	CategoryRunningRange   Category = "running-range"
	CategorySensorRange    Category = "sensor-range"
	CategoryNoData         Category = "no-data"
	CategorySensorCross    Category = "sensor-crosscheck"
	CategoryAnomaly3V3     Category = "power-anomaly-3v3"
	CategoryAnomalyBody12V Category = "power-anomaly-body12v"
	CategoryAnomalyDoor24V Category = "power-anomaly-door24v"
	CategoryAnomalyDoor12V Category = "power-anomaly-door12v"
)

// Categories lists every bucket in report order.
var Categories = []Category{
	CategoryNoData,
	CategoryIdleRange,
	CategoryRunningRange,
	CategorySensorRange,
	CategorySensorCross,
	CategoryAnomaly3V3,
	CategoryAnomalyBody12V,
	CategoryAnomalyDoor24V,
	CategoryAnomalyDoor12V,
}

// Outcome is the terminal status of a detection session.
type Outcome string

const (
	// OutcomeCompleted means every phase ran and the verdict was judged.
	OutcomeCompleted Outcome = "COMPLETED"
	// OutcomeCancelled means the operator stopped the session before judging.
	OutcomeCancelled Outcome = "CANCELLED"
	// OutcomeConnectFailed means a device could not be opened within the attempt ceiling.
	OutcomeConnectFailed Outcome = "CONNECT_FAILED"
	// OutcomeConnectionLost means a heartbeat died or a port vanished mid-session.
	OutcomeConnectionLost Outcome = "CONNECTION_LOST"
	// OutcomeProgramFailed means the external flashing tool reported failure.
	OutcomeProgramFailed Outcome = "PROGRAM_FAILED"
)

// Verdict is the final result of a detection session.
type Verdict struct {
	SessionID  string
	Outcome    Outcome
	Passed     bool
	Buckets    map[Category][]string
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns the number of labels across all buckets.
func (v Verdict) Failed() int {
	n := 0
	for _, labels := range v.Buckets {
		n += len(labels)
	}
	return n
}

// ChannelRef addresses one channel on one device.
type ChannelRef struct {
	Device  Device
	Channel uint8
}
