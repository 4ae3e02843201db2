package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/readings"
	"github.com/sweeney/eol-tester/internal/transport"
)

type fakeSender struct {
	sent [][]byte
	err  error
}

func (f *fakeSender) Send(b []byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, b)
	return nil
}

func registry(t *testing.T) *channel.Registry {
	t.Helper()
	reg, err := channel.New(channel.VariantBodyDoor)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestSensorRequestRead(t *testing.T) {
	tr := &fakeSender{}
	s := NewSensor(tr, registry(t))

	if err := s.RequestRead(channel.SensorFlow1); err != nil {
		t.Fatal(err)
	}
	if err := s.RequestRead(3); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 2 || string(tr.sent[0]) != "flow1500\n" || string(tr.sent[1]) != "s3\n" {
		t.Errorf("sent: got %q", tr.sent)
	}
	if err := s.RequestRead(99); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestOutputsStartStopUpdateFlags(t *testing.T) {
	tr := &fakeSender{}
	store := readings.New(nil)
	o := NewOutputs(tr, registry(t), store)

	if err := o.Start([]uint8{8, 9}); err != nil {
		t.Fatal(err)
	}
	if !store.Running(8) || !store.Running(9) {
		t.Error("start must set running flags")
	}
	if !bytes.Equal(tr.sent[0], transport.MaskFrame(transport.CmdStart, []uint8{8, 9})) {
		t.Errorf("start frame: got % X", tr.sent[0])
	}

	if err := o.Stop([]uint8{8}); err != nil {
		t.Fatal(err)
	}
	if store.Running(8) || !store.Running(9) {
		t.Error("stop must clear only the given flags")
	}
	if r := store.Record(logic.DeviceSecondary, 9, 900); r.State != logic.StateRunning {
		t.Errorf("reading state: got %s", r.State)
	}
}

func TestOutputsFailedStartLeavesFlags(t *testing.T) {
	tr := &fakeSender{err: transport.ErrNotConnected}
	store := readings.New(nil)
	o := NewOutputs(tr, registry(t), store)

	if err := o.Start([]uint8{8}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if store.Running(8) {
		t.Error("flag set although the start command failed")
	}
}

func TestOutputsFailedStopClearsFlags(t *testing.T) {
	tr := &fakeSender{}
	store := readings.New(nil)
	o := NewOutputs(tr, registry(t), store)
	if err := o.Start([]uint8{8, 9}); err != nil {
		t.Fatal(err)
	}

	tr.err = transport.ErrNotConnected
	if err := o.Stop([]uint8{8, 9}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if ids := store.RunningIDs(); len(ids) != 0 {
		t.Errorf("running flags left after a failed stop: %v", ids)
	}
	if r := store.Record(logic.DeviceSecondary, 8, 50); r.State != logic.StateIdle {
		t.Errorf("reading state after failed stop: got %s", r.State)
	}
}

func TestOutputsRejectUnknownChannel(t *testing.T) {
	o := NewOutputs(&fakeSender{}, registry(t), readings.New(nil))
	if err := o.RequestRead(18); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("RequestRead: got %v", err)
	}
	if err := o.Start([]uint8{1, 40}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Start: got %v", err)
	}
}

func TestOutputsReadAndClear(t *testing.T) {
	tr := &fakeSender{}
	o := NewOutputs(tr, registry(t), readings.New(nil))
	_ = o.RequestRead(5)
	_ = o.ClearCounter(13)
	if !bytes.Equal(tr.sent[0], transport.ReadFrame(5)) || !bytes.Equal(tr.sent[1], transport.ClearCounterFrame(13)) {
		t.Errorf("sent: % X", tr.sent)
	}
}
