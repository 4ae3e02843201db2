package transport

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/logger"
)

// maxLineBuffer bounds the bytes held while waiting for a newline.
const maxLineBuffer = 4096

// Lookup maps a reply name fragment to a channel id.
type Lookup interface {
	LookupLine(kind channel.Kind, fragment string) (uint8, bool)
}

// LineExtractor turns one text line into a reading.
type LineExtractor interface {
	TryParse(line string) (id uint8, value int32, ok bool)
}

var (
	analogRe      = regexp.MustCompile(`^(.+?)\s*\(([^)]*)\):\s*(-?\d+)$`)
	temperatureRe = regexp.MustCompile(`^(.+?)\s*溫度:\s*(-?\d+(?:\.\d+)?)\s*°C$`)
	pulsesRe      = regexp.MustCompile(`(?i)^(.+?):\s*(\d+)\s*pulses$`)
)

// AnalogExtractor parses "<name> (<pin>): <int>".
type AnalogExtractor struct{ Lookup Lookup }

func (e AnalogExtractor) TryParse(line string) (uint8, int32, bool) {
	m := analogRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseInt(m[3], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	id, ok := e.Lookup.LookupLine(channel.KindAnalog, m[1])
	return id, int32(v), ok
}

// TemperatureExtractor parses "<label> 溫度: <float> °C" and scales by ten, truncating.
type TemperatureExtractor struct{ Lookup Lookup }

func (e TemperatureExtractor) TryParse(line string) (uint8, int32, bool) {
	m := temperatureRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	f, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	id, ok := e.Lookup.LookupLine(channel.KindTemperature, m[1])
	return id, int32(f * 10), ok
}

// PulsesExtractor parses "<label>: <int> pulses".
type PulsesExtractor struct{ Lookup Lookup }

func (e PulsesExtractor) TryParse(line string) (uint8, int32, bool) {
	m := pulsesRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	v, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	id, ok := e.Lookup.LookupLine(channel.KindPulses, m[1])
	return id, int32(v), ok
}

// DefaultExtractors returns the extractors in priority order.
func DefaultExtractors(l Lookup) []LineExtractor {
	return []LineExtractor{
		AnalogExtractor{l},
		TemperatureExtractor{l},
		PulsesExtractor{l},
	}
}

// LineCodec decodes the newline-terminated text protocol.
type LineCodec struct {
	extractors []LineExtractor
	log        *logger.Logger
}

// NewLineCodec creates a line codec trying extractors in order.
func NewLineCodec(log *logger.Logger, extractors ...LineExtractor) *LineCodec {
	return &LineCodec{extractors: extractors, log: log}
}

// Ping implements Codec.
func (c *LineCodec) Ping() []byte { return []byte("connect\n") }

// Command renders a request token as a line.
func Command(token string) []byte { return []byte(token + "\n") }

// Decode implements Codec.
func (c *LineCodec) Decode(buf []byte) ([]Event, int) {
	var events []Event
	consumed := 0
	for {
		nl := bytes.IndexByte(buf[consumed:], '\n')
		if nl < 0 {
			break
		}
		raw := buf[consumed : consumed+nl]
		consumed += nl + 1
		if ev, ok := c.parseLine(raw); ok {
			events = append(events, ev)
		}
	}
	if len(buf)-consumed > maxLineBuffer {
		c.log.Debugw("discarding unterminated input", "bytes", len(buf)-consumed)
		consumed = len(buf)
	}
	return events, consumed
}

func (c *LineCodec) parseLine(raw []byte) (Event, bool) {
	line := strings.ToValidUTF8(string(bytes.TrimSuffix(raw, []byte("\r"))), "�")
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}
	if strings.EqualFold(line, "connected") {
		return Event{Kind: EventHeartbeat}, true
	}
	for _, x := range c.extractors {
		if id, v, ok := x.TryParse(line); ok {
			return Event{Kind: EventData, Channel: id, Value: v}, true
		}
	}
	c.log.Debugw("unmatched line", "line", line)
	return Event{Kind: EventOther}, true
}
