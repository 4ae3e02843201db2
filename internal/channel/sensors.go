package channel

import "strings"

// Kind is the line shape a sensor reports in.
type Kind int

const (
	KindAnalog      Kind = iota // "<name> (<pin>): <int>"
	KindTemperature             // "<label> 溫度: <float> °C", scaled ×10
	KindPulses                  // "<label>: <int> pulses"
)

// Sensor is a Primary channel together with its line-protocol request and reply name.
type Sensor struct {
	Channel
	Kind    Kind
	Command string // request token, sent followed by "\n"
	Match   string // name fragment that appears in the reply line
}

// Primary sensor ids referenced by cross-checks.
const (
	SensorMCUTemp   uint8 = 8
	SensorBoardTemp uint8 = 9
	SensorFlow1     uint8 = 10
	SensorFlow2     uint8 = 11
)

var lineSensors = []Sensor{
	{Channel{0, "AmbientRL", "A0"}, KindAnalog, "s0", "AmbientRL"},
	{Channel{1, "AmbientRR", "A1"}, KindAnalog, "s1", "AmbientRR"},
	{Channel{2, "AmbientFL", "A2"}, KindAnalog, "s2", "AmbientFL"},
	{Channel{3, "AmbientFR", "A3"}, KindAnalog, "s3", "AmbientFR"},
	{Channel{4, "Humidity", "A4"}, KindAnalog, "s4", "Humidity"},
	{Channel{5, "Pressure", "A5"}, KindAnalog, "s5", "Pressure"},
	{Channel{6, "Light", "A6"}, KindAnalog, "s6", "Light"},
	{Channel{7, "Battery", "A7"}, KindAnalog, "s7", "Battery"},
	{Channel{SensorMCUTemp, "MCU Temp", "U1"}, KindTemperature, "mcutemp", "MCU"},
	{Channel{SensorBoardTemp, "Board Temp", "NTC1"}, KindTemperature, "boardtemp", "Board"},
	{Channel{SensorFlow1, "Flow 1", "P1"}, KindPulses, "flow1500", "Flow1"},
	{Channel{SensorFlow2, "Flow 2", "P2"}, KindPulses, "flow2500", "Flow2"},
}

// LookupLine maps a reply name fragment of the given kind to its channel id.
// Matching is case-insensitive on the trimmed fragment.
func (r *Registry) LookupLine(kind Kind, fragment string) (uint8, bool) {
	fragment = strings.TrimSpace(fragment)
	for _, s := range r.sensors {
		if s.Kind == kind && strings.EqualFold(s.Match, fragment) {
			return s.ID, true
		}
	}
	return 0, false
}
