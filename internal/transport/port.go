package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the link speed of both fixture boards.
const DefaultBaud = 115200

// Port is an open serial link.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a named port at the given baud rate.
type Opener func(name string, baud int) (Port, error)

// SerialOpener opens real ports as 8N1 with RTS and DTR held low. Reads return after
// readTimeout with no data so the poll loop never blocks.
func SerialOpener(readTimeout time.Duration) Opener {
	return func(name string, baud int) (Port, error) {
		p, err := serial.Open(name, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
			InitialStatusBits: &serial.ModemOutputBits{
				RTS: false,
				DTR: false,
			},
		})
		if err != nil {
			return nil, err
		}
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
		if err := p.ResetInputBuffer(); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("reset input buffer: %w", err)
		}
		return p, nil
	}
}

// ListPorts returns the serial ports currently known to the OS.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	return ports, nil
}

// isDisconnect reports whether err means the device is gone rather than a transient fault.
func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, ErrPortGone) {
		return true
	}
	var code serial.PortErrorCode = -1
	var portErr serial.PortError
	var portErrPtr *serial.PortError
	if errors.As(err, &portErrPtr) {
		code = portErrPtr.Code()
	} else if errors.As(err, &portErr) {
		code = portErr.Code()
	}
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	}
	return false
}
