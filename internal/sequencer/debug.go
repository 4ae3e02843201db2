package sequencer

import (
	"context"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

// Step is the before/after record of one channel measurement.
type Step struct {
	Index    int          `json:"index"`
	Phase    Phase        `json:"phase"`
	Device   logic.Device `json:"device"`
	State    logic.State  `json:"state"`
	Channel  uint8        `json:"channel"`
	Label    string       `json:"label"`
	Before   *int32       `json:"before,omitempty"`
	After    *int32       `json:"after,omitempty"`
	Attempts int          `json:"attempts"`
	Got      bool         `json:"got"`
	At       time.Time    `json:"at"`
}

// Debugger keeps the per-channel history of a session. In slow-debug mode the
// sequencer waits on it after every channel until Next or Resume releases it.
type Debugger struct {
	mu      sync.Mutex
	steps   []Step
	cursor  int
	enabled bool
	paused  bool
	release bool
	waiting bool
	wake    chan struct{}
}

// NewDebugger creates an empty history.
func NewDebugger() *Debugger {
	return &Debugger{cursor: -1, wake: make(chan struct{}, 1)}
}

func (d *Debugger) reset(enabled bool) {
	d.mu.Lock()
	d.steps = nil
	d.cursor = -1
	d.enabled = enabled
	d.paused = enabled
	d.release = false
	d.mu.Unlock()
}

func (d *Debugger) record(s Step) {
	d.mu.Lock()
	s.Index = len(d.steps)
	d.steps = append(d.steps, s)
	d.cursor = s.Index
	d.mu.Unlock()
}

// Enabled reports whether the current session runs in slow-debug mode.
func (d *Debugger) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Steps returns a copy of the history.
func (d *Debugger) Steps() []Step {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Step(nil), d.steps...)
}

// Selected returns the step under the cursor.
func (d *Debugger) Selected() (Step, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selectedLocked()
}

func (d *Debugger) selectedLocked() (Step, bool) {
	if d.cursor < 0 || d.cursor >= len(d.steps) {
		return Step{}, false
	}
	return d.steps[d.cursor], true
}

// Previous moves the cursor back one step.
func (d *Debugger) Previous() (Step, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursor > 0 {
		d.cursor--
	}
	return d.selectedLocked()
}

// Next moves the cursor forward. At the newest step it lets a paused sequencer
// measure one more channel.
func (d *Debugger) Next() (Step, bool) {
	d.mu.Lock()
	if d.cursor < len(d.steps)-1 {
		d.cursor++
		s, ok := d.selectedLocked()
		d.mu.Unlock()
		return s, ok
	}
	d.release = true
	s, ok := d.selectedLocked()
	d.mu.Unlock()
	d.kick()
	return s, ok
}

// Pause stops the sequencer after the channel in progress.
func (d *Debugger) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume lets the sequencer run freely until Pause.
func (d *Debugger) Resume() {
	d.mu.Lock()
	d.paused = false
	d.cursor = len(d.steps) - 1
	d.mu.Unlock()
	d.kick()
}

// Paused reports whether the sequencer will stop after each channel.
func (d *Debugger) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Waiting reports whether the sequencer is blocked on the debugger.
func (d *Debugger) Waiting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *Debugger) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// wait blocks while paused. It returns early when stop reports true or ctx ends.
func (d *Debugger) wait(ctx context.Context, stop func() bool) error {
	defer func() {
		d.mu.Lock()
		d.waiting = false
		d.mu.Unlock()
	}()
	for {
		d.mu.Lock()
		if !d.enabled || !d.paused || d.release {
			d.release = false
			d.mu.Unlock()
			return nil
		}
		d.waiting = true
		d.mu.Unlock()

		if stop() {
			return nil
		}
		select {
		case <-d.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
