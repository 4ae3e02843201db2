package transport

import (
	"bytes"
	"errors"

	"github.com/sweeney/eol-tester/internal/logger"
)

// EventKind classifies what a decoded frame or line carried.
type EventKind int

const (
	// EventData is a channel reading.
	EventData EventKind = iota
	// EventHeartbeat is a ping reply. Version is set by the binary protocol.
	EventHeartbeat
	// EventOther is valid traffic that carries no reading (acks, unmatched lines).
	EventOther
)

// Event is one unit of inbound traffic.
type Event struct {
	Kind    EventKind
	Channel uint8
	Value   int32
	Version string
}

// Codec frames one wire protocol.
type Codec interface {
	// Decode consumes complete messages from buf, returning the decoded events and
	// how many bytes were consumed. Incomplete trailing input is left for the next call.
	Decode(buf []byte) ([]Event, int)
	// Ping is the heartbeat request.
	Ping() []byte
}

// BinaryCodec decodes the fixed 9-byte framed protocol.
type BinaryCodec struct {
	log *logger.Logger
}

// NewBinaryCodec creates a binary codec.
func NewBinaryCodec(log *logger.Logger) *BinaryCodec {
	return &BinaryCodec{log: log}
}

// Ping implements Codec.
func (c *BinaryCodec) Ping() []byte { return PingFrame() }

// Decode implements Codec. Bytes that do not start a valid frame are dropped one at a
// time until the stream lines up with a header again.
func (c *BinaryCodec) Decode(buf []byte) ([]Event, int) {
	var events []Event
	i := 0
	for len(buf)-i >= FrameLen {
		f, err := DecodeFrame(buf[i : i+FrameLen])
		if err != nil {
			if errors.Is(err, ErrFrame) {
				c.log.Debugw("dropping byte", "byte", buf[i], "err", err)
			}
			i++
			continue
		}
		i += FrameLen
		events = append(events, frameEvent(f))
	}
	// A tail that cannot become a header is garbage.
	for i < len(buf) && !bytes.HasPrefix(frameHeader[:], buf[i:min(len(buf), i+len(frameHeader))]) {
		c.log.Debugw("dropping byte", "byte", buf[i])
		i++
	}
	return events, i
}

func frameEvent(f Frame) Event {
	switch f.Cmd {
	case CmdRead:
		return Event{Kind: EventData, Channel: f.Channel(), Value: f.Value()}
	case CmdPing:
		return Event{Kind: EventHeartbeat, Version: f.Version()}
	default:
		return Event{Kind: EventOther}
	}
}
