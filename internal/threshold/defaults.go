package threshold

import (
	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/logic"
)

// Compiled-in power-anomaly thresholds. A rail reading below its threshold is faulted.
var defaultPower = map[logic.Rail]int32{
	logic.Rail3V3:     3000,
	logic.RailBody12V: 10000,
	logic.RailDoor24V: 20000,
	logic.RailDoor12V: 10000,
}

// Compiled-in difference tolerances between paired sensors.
var defaultTolerance = map[logic.Tolerance]int32{
	logic.ToleranceTemperature: 5,
	logic.ToleranceFlow:        50,
}

var railRanges = map[logic.Rail]logic.Range{
	logic.Rail3V3:     {Min: 3200, Max: 3400},
	logic.RailBody12V: {Min: 11500, Max: 12500},
	logic.RailDoor24V: {Min: 23000, Max: 25000},
	logic.RailDoor12V: {Min: 11500, Max: 12500},
}

var (
	outputOff = logic.Range{Min: 0, Max: 100}
	outputOn  = logic.Range{Min: 500, Max: 4000}
)

var sensorRanges = map[channel.Kind]logic.Range{
	channel.KindAnalog:      {Min: 200, Max: 800},
	channel.KindTemperature: {Min: 150, Max: 600}, // 15.0 to 60.0 °C
	channel.KindPulses:      {Min: 1000, Max: 2000},
}

// defaultRange returns the compiled-in range for a channel.
func defaultRange(reg *channel.Registry, rails map[uint8]logic.Rail, dev logic.Device, st logic.State, id uint8) logic.Range {
	if dev == logic.DevicePrimary {
		if s, ok := reg.Sensor(id); ok {
			return sensorRanges[s.Kind]
		}
		return sensorRanges[channel.KindAnalog]
	}
	if rail, ok := rails[id]; ok {
		return railRanges[rail]
	}
	if st == logic.StateRunning {
		return outputOn
	}
	return outputOff
}
