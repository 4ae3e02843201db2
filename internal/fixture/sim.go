package fixture

import (
	"fmt"
	"sync"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/transport"
)

// Port names the simulator registers with its opener.
const (
	SimPrimaryPort   = "sim-primary"
	SimSecondaryPort = "sim-secondary"
)

type simKey struct {
	dev logic.Device
	st  logic.State
	id  uint8
}

// Simulator emulates both boards of a healthy unit behind a transport.FakeOpener.
// Individual channels can be given other values or silenced to exercise failures.
type Simulator struct {
	Opener    *transport.FakeOpener
	Primary   *transport.FakePort
	Secondary *transport.FakePort

	reg     *channel.Registry
	version [4]byte

	mu       sync.Mutex
	running  map[uint8]bool
	override map[simKey]int32
	silent   map[simKey]bool
}

// NewSimulator creates both boards and registers them under SimPrimaryPort and
// SimSecondaryPort.
func NewSimulator(reg *channel.Registry) *Simulator {
	s := &Simulator{
		Opener:    transport.NewFakeOpener(),
		Primary:   transport.NewFakePort(),
		Secondary: transport.NewFakePort(),
		reg:       reg,
		version:   [4]byte{7, 0, 2, 1},
		running:   make(map[uint8]bool),
		override:  make(map[simKey]int32),
		silent:    make(map[simKey]bool),
	}
	s.Primary.OnWrite = s.onPrimary
	s.Secondary.OnWrite = s.onSecondary
	s.Opener.Add(SimPrimaryPort, s.Primary)
	s.Opener.Add(SimSecondaryPort, s.Secondary)
	return s
}

// SetValue makes a channel report v in the given state.
func (s *Simulator) SetValue(dev logic.Device, st logic.State, id uint8, v int32) {
	s.mu.Lock()
	s.override[simKey{dev, st, id}] = v
	s.mu.Unlock()
}

// Silence stops a channel from answering in the given state.
func (s *Simulator) Silence(dev logic.Device, st logic.State, id uint8) {
	s.mu.Lock()
	s.silent[simKey{dev, st, id}] = true
	s.mu.Unlock()
}

// Running reports the outputs the secondary board is driving.
func (s *Simulator) Running(id uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// ReplugSecondary reconnects the output board after Unplug. Like the real board
// after a power cycle, it comes back with every output off.
func (s *Simulator) ReplugSecondary() {
	s.mu.Lock()
	s.running = make(map[uint8]bool)
	s.mu.Unlock()
	s.Secondary.Replug()
}

func (s *Simulator) value(k simKey) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silent[k] {
		return 0, false
	}
	if v, ok := s.override[k]; ok {
		return v, true
	}
	return healthyValue(k), true
}

// healthyValue sits inside every default threshold.
func healthyValue(k simKey) int32 {
	if k.dev == logic.DevicePrimary {
		switch k.id {
		case channel.SensorMCUTemp, channel.SensorBoardTemp:
			return 300
		case channel.SensorFlow1, channel.SensorFlow2:
			return 1500
		}
		return 500
	}
	if k.st == logic.StateRunning {
		return 1000
	}
	switch k.id {
	case 0, 1, 18:
		return 3300
	case 2, 3, 6, 7:
		return 12000
	case 4, 5:
		return 24000
	}
	return 50
}

func (s *Simulator) onSecondary(p *transport.FakePort, b []byte) {
	f, err := transport.DecodeFrame(b)
	if err != nil {
		return
	}
	switch f.Cmd {
	case transport.CmdPing:
		p.Feed(transport.EncodeFrame(transport.CmdPing, s.version))
	case transport.CmdStart, transport.CmdStop:
		mask := uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16
		s.mu.Lock()
		for id := uint8(0); id < 24; id++ {
			if mask&(1<<id) != 0 {
				s.running[id] = f.Cmd == transport.CmdStart
			}
		}
		s.mu.Unlock()
	case transport.CmdRead:
		id := f.Data[0]
		st := logic.StateIdle
		if s.Running(id) {
			st = logic.StateRunning
		}
		v, ok := s.value(simKey{logic.DeviceSecondary, st, id})
		if !ok {
			return
		}
		p.Feed(transport.EncodeFrame(transport.CmdRead, [4]byte{id, byte(v), byte(v >> 8), byte(v >> 16)}))
	}
}

func (s *Simulator) onPrimary(p *transport.FakePort, b []byte) {
	cmd := string(b)
	if cmd == "connect\n" {
		p.Feed([]byte("connected\r\n"))
		return
	}
	for _, sn := range s.reg.Sensors() {
		if cmd != sn.Command+"\n" {
			continue
		}
		v, ok := s.value(simKey{logic.DevicePrimary, logic.StateIdle, sn.ID})
		if !ok {
			return
		}
		p.Feed([]byte(sensorLine(sn, v) + "\r\n"))
		return
	}
}

// sensorLine renders a reply the way the sensor board prints it.
func sensorLine(sn channel.Sensor, v int32) string {
	switch sn.Kind {
	case channel.KindTemperature:
		return fmt.Sprintf("%s 溫度: %d.%d °C", sn.Match, v/10, v%10)
	case channel.KindPulses:
		return fmt.Sprintf("%s: %d pulses", sn.Match, v)
	}
	return fmt.Sprintf("%s (%s): %d", sn.Match, sn.PinLabel, v)
}
