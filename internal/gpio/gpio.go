// Package gpio drives the fixture panel: the operator start button and the pass/fail lamps.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"context"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
)

// Panel is the fixture's operator I/O.
type Panel interface {
	// Pressed returns the logical state of the start button.
	// The button pulls the line low: raw 0 = pressed.
	Pressed() (bool, error)

	// SetLamps drives the pass and fail lamps.
	SetLamps(pass, fail bool) error

	// Close releases GPIO resources. Lamps are switched off first.
	Close() error
}

// Default line offsets (BCM numbering).
const (
	DefaultChip     = "gpiochip0"
	DefaultPinStart = 17
	DefaultPinPass  = 27
	DefaultPinFail  = 22
)

// Lamp shows a verdict on the panel.
type Lamp int

const (
	LampOff Lamp = iota
	LampBusy
	LampPass
	LampFail
)

// Show sets the lamps for l. Busy lights both.
func Show(p Panel, l Lamp) error {
	switch l {
	case LampBusy:
		return p.SetLamps(true, true)
	case LampPass:
		return p.SetLamps(true, false)
	case LampFail:
		return p.SetLamps(false, true)
	}
	return p.SetLamps(false, false)
}

// Button turns raw button samples into debounced presses.
// A press fires once, when the line has been held down for the debounce duration.
type Button struct {
	debounce time.Duration

	down     bool
	since    time.Time
	reported bool
}

// NewButton creates a debouncer.
func NewButton(debounce time.Duration) *Button {
	return &Button{debounce: debounce}
}

// Process feeds one sample and reports whether it completed a press.
func (b *Button) Process(pressed bool, now time.Time) bool {
	if pressed != b.down {
		b.down = pressed
		b.since = now
		b.reported = false
		return false
	}
	if !pressed || b.reported {
		return false
	}
	if now.Sub(b.since) >= b.debounce {
		b.reported = true
		return true
	}
	return false
}

// Watch polls the panel until ctx ends and calls onPress for each debounced press.
func Watch(ctx context.Context, p Panel, poll, debounce time.Duration, onPress func(), log *logger.Logger) {
	if log == nil {
		log = logger.Nop()
	}
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	btn := NewButton(debounce)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pressed, err := p.Pressed()
			if err != nil {
				log.Debugw("start button read error", "err", err)
				continue
			}
			if btn.Process(pressed, now) {
				log.Infow("start button pressed")
				onPress()
			}
		}
	}
}
