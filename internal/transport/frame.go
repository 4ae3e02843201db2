package transport

import (
	"errors"
	"fmt"
)

// FrameLen is the fixed size of a binary frame.
const FrameLen = 9

// Binary protocol commands.
const (
	CmdStart        byte = 0x01 // data: 24-bit channel bitmask
	CmdStop         byte = 0x02 // data: 24-bit channel bitmask
	CmdRead         byte = 0x03 // request data: channel id; reply: id + 24-bit value
	CmdClearCounter byte = 0x04 // data: channel id
	CmdPing         byte = 0x05 // reply data: firmware version
)

var frameHeader = [3]byte{0x40, 0x71, 0x30}

// ErrFrame reports a frame with a bad length, header or checksum.
var ErrFrame = errors.New("malformed frame")

// Frame is one decoded binary message.
type Frame struct {
	Cmd  byte
	Data [4]byte
}

// Checksum returns the two's complement of the byte sum of b[0:8].
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b[:FrameLen-1] {
		sum += v
	}
	return -sum
}

// EncodeFrame builds header + cmd + data + checksum.
func EncodeFrame(cmd byte, data [4]byte) []byte {
	b := make([]byte, FrameLen)
	copy(b, frameHeader[:])
	b[3] = cmd
	copy(b[4:8], data[:])
	b[8] = Checksum(b)
	return b
}

// DecodeFrame validates and decodes exactly one frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) != FrameLen {
		return Frame{}, fmt.Errorf("%w: length %d", ErrFrame, len(b))
	}
	if b[0] != frameHeader[0] || b[1] != frameHeader[1] || b[2] != frameHeader[2] {
		return Frame{}, fmt.Errorf("%w: header % X", ErrFrame, b[:3])
	}
	if cs := Checksum(b); cs != b[8] {
		return Frame{}, fmt.Errorf("%w: checksum %02X, want %02X", ErrFrame, b[8], cs)
	}
	var f Frame
	f.Cmd = b[3]
	copy(f.Data[:], b[4:8])
	return f, nil
}

// Channel returns the channel id of a read reply.
func (f Frame) Channel() uint8 { return f.Data[0] }

// Value returns the 24-bit little-endian value of a read reply.
func (f Frame) Value() int32 {
	return int32(f.Data[1]) | int32(f.Data[2])<<8 | int32(f.Data[3])<<16
}

// Version renders a ping reply as "b3.b2.b1.b0".
func (f Frame) Version() string {
	return fmt.Sprintf("%d.%d.%d.%d", f.Data[3], f.Data[2], f.Data[1], f.Data[0])
}

// ReadFrame requests one channel.
func ReadFrame(id uint8) []byte {
	return EncodeFrame(CmdRead, [4]byte{id})
}

// ClearCounterFrame resets a pulse counter.
func ClearCounterFrame(id uint8) []byte {
	return EncodeFrame(CmdClearCounter, [4]byte{id})
}

// PingFrame requests the firmware version.
func PingFrame() []byte {
	return EncodeFrame(CmdPing, [4]byte{})
}

// MaskFrame builds a start or stop frame for the given channel ids.
// Ids outside the 24-bit mask are ignored.
func MaskFrame(cmd byte, ids []uint8) []byte {
	var mask uint32
	for _, id := range ids {
		if id < 24 {
			mask |= 1 << id
		}
	}
	return EncodeFrame(cmd, [4]byte{byte(mask), byte(mask >> 8), byte(mask >> 16)})
}
