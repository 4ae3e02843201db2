//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Pins selects the panel lines on a chip.
type Pins struct {
	Chip  string
	Start int
	Pass  int
	Fail  int
}

// RealPanel drives the panel through the Linux GPIO character device.
type RealPanel struct {
	chip  *gpiocdev.Chip
	start *gpiocdev.Line
	pass  *gpiocdev.Line
	fail  *gpiocdev.Line
}

// NewRealPanel requests the button as a pulled-up input and both lamps as outputs, off.
func NewRealPanel(p Pins) (*RealPanel, error) {
	if p.Chip == "" {
		p.Chip = DefaultChip
	}
	chip, err := gpiocdev.NewChip(p.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	start, err := chip.RequestLine(p.Start, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request start pin %d: %w", p.Start, err)
	}

	pass, err := chip.RequestLine(p.Pass, gpiocdev.AsOutput(0))
	if err != nil {
		start.Close()
		chip.Close()
		return nil, fmt.Errorf("request pass lamp pin %d: %w", p.Pass, err)
	}

	fail, err := chip.RequestLine(p.Fail, gpiocdev.AsOutput(0))
	if err != nil {
		pass.Close()
		start.Close()
		chip.Close()
		return nil, fmt.Errorf("request fail lamp pin %d: %w", p.Fail, err)
	}

	return &RealPanel{chip: chip, start: start, pass: pass, fail: fail}, nil
}

// Pressed inverts the raw line: raw 0 (pulled to ground) = pressed.
func (r *RealPanel) Pressed() (bool, error) {
	raw, err := r.start.Value()
	if err != nil {
		return false, fmt.Errorf("read start pin: %w", err)
	}
	return raw == 0, nil
}

// SetLamps drives both lamp lines.
func (r *RealPanel) SetLamps(pass, fail bool) error {
	if err := r.pass.SetValue(bit(pass)); err != nil {
		return fmt.Errorf("set pass lamp: %w", err)
	}
	if err := r.fail.SetValue(bit(fail)); err != nil {
		return fmt.Errorf("set fail lamp: %w", err)
	}
	return nil
}

func bit(on bool) int {
	if on {
		return 1
	}
	return 0
}

// Close switches the lamps off and returns every line to an input with pull-down,
// matching the Pi boot defaults.
func (r *RealPanel) Close() error {
	var errs []error

	for name, l := range map[string]*gpiocdev.Line{"start": r.start, "pass": r.pass, "fail": r.fail} {
		if l == nil {
			continue
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
