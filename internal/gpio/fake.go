package gpio

import (
	"errors"
	"sync"
)

// FakePanel is a test double that returns scripted button samples and records lamps.
type FakePanel struct {
	mu sync.Mutex

	// Samples contains scripted button states.
	// Each call to Pressed() consumes the next sample.
	Samples []bool
	index   int

	// ReadError, if set, will be returned by Pressed()
	ReadError error

	lamps  [][2]bool
	closed bool
}

// NewFakePanel creates a FakePanel with the given button samples.
func NewFakePanel(samples []bool) *FakePanel {
	return &FakePanel{Samples: samples}
}

// Pressed returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakePanel) Pressed() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}

	s := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return s, nil
}

// SetLamps records the lamp state.
func (f *FakePanel) SetLamps(pass, fail bool) error {
	f.mu.Lock()
	f.lamps = append(f.lamps, [2]bool{pass, fail})
	f.mu.Unlock()
	return nil
}

// Lamps returns the last lamp state set.
func (f *FakePanel) Lamps() (pass, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lamps) == 0 {
		return false, false
	}
	l := f.lamps[len(f.lamps)-1]
	return l[0], l[1]
}

// LampChanges returns how many times the lamps were set.
func (f *FakePanel) LampChanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lamps)
}

// Close marks the panel as closed.
func (f *FakePanel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakePanel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
