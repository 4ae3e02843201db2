//go:build !linux

package gpio

import "errors"

// Pins selects the panel lines on a chip.
type Pins struct {
	Chip  string
	Start int
	Pass  int
	Fail  int
}

// RealPanel is not available on non-Linux platforms.
type RealPanel struct{}

// NewRealPanel returns an error on non-Linux platforms.
func NewRealPanel(Pins) (*RealPanel, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Pressed is not implemented on non-Linux platforms.
func (r *RealPanel) Pressed() (bool, error) {
	return false, errors.New("gpio: not supported")
}

// SetLamps is not implemented on non-Linux platforms.
func (r *RealPanel) SetLamps(bool, bool) error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (r *RealPanel) Close() error {
	return nil
}
