// Package device turns channel-level requests into protocol commands for each board.
package device

import (
	"errors"
	"fmt"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/transport"
)

// ErrUnknownChannel is returned for an id missing from the board's table.
var ErrUnknownChannel = errors.New("unknown channel")

// Sender writes raw bytes to a device link.
type Sender interface {
	Send(b []byte) error
}

// RunningFlags records which outputs are driven.
type RunningFlags interface {
	Start(ids []uint8)
	Stop(ids []uint8)
}

// Sensor drives the Primary board over the line protocol.
type Sensor struct {
	tr  Sender
	reg *channel.Registry
}

// NewSensor creates a sensor board adapter.
func NewSensor(tr Sender, reg *channel.Registry) *Sensor {
	return &Sensor{tr: tr, reg: reg}
}

// RequestRead sends the channel's request token.
func (s *Sensor) RequestRead(id uint8) error {
	sensor, ok := s.reg.Sensor(id)
	if !ok {
		return fmt.Errorf("%w: primary #%d", ErrUnknownChannel, id)
	}
	return s.tr.Send(transport.Command(sensor.Command))
}

// Outputs drives the Secondary board over the binary protocol.
type Outputs struct {
	tr    Sender
	reg   *channel.Registry
	flags RunningFlags
}

// NewOutputs creates an output board adapter. flags is set after a successful
// start and cleared by every stop, sent or not.
func NewOutputs(tr Sender, reg *channel.Registry, flags RunningFlags) *Outputs {
	return &Outputs{tr: tr, reg: reg, flags: flags}
}

func (o *Outputs) check(id uint8) error {
	if int(id) >= len(o.reg.Outputs()) {
		return fmt.Errorf("%w: secondary #%d", ErrUnknownChannel, id)
	}
	return nil
}

// RequestRead asks for one channel value.
func (o *Outputs) RequestRead(id uint8) error {
	if err := o.check(id); err != nil {
		return err
	}
	return o.tr.Send(transport.ReadFrame(id))
}

// Start drives the given outputs and marks them running.
func (o *Outputs) Start(ids []uint8) error {
	for _, id := range ids {
		if err := o.check(id); err != nil {
			return err
		}
	}
	if err := o.tr.Send(transport.MaskFrame(transport.CmdStart, ids)); err != nil {
		return fmt.Errorf("start outputs: %w", err)
	}
	o.flags.Start(ids)
	return nil
}

// Stop releases the given outputs and marks them idle. The flags are cleared even
// when the command cannot be sent: a board that dropped off the link comes back
// with its outputs off.
func (o *Outputs) Stop(ids []uint8) error {
	o.flags.Stop(ids)
	if err := o.tr.Send(transport.MaskFrame(transport.CmdStop, ids)); err != nil {
		return fmt.Errorf("stop outputs: %w", err)
	}
	return nil
}

// ClearCounter resets a pulse counter on the output board.
func (o *Outputs) ClearCounter(id uint8) error {
	if err := o.check(id); err != nil {
		return err
	}
	return o.tr.Send(transport.ClearCounterFrame(id))
}
