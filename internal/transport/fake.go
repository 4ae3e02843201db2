package transport

import (
	"errors"
	"sync"
)

// ErrPortGone is returned by FakePort after Unplug.
var ErrPortGone = errors.New("port gone")

// FakePort is an in-memory Port. Inbound bytes are queued with Feed and handed out by
// Read; writes are recorded and passed to OnWrite so tests can script replies.
type FakePort struct {
	mu       sync.Mutex
	inbound  []byte
	written  [][]byte
	closed   int
	gone     bool
	WriteErr error

	// OnWrite, if set, is called with each written buffer (outside the port lock).
	OnWrite func(p *FakePort, b []byte)
}

// NewFakePort creates an empty fake port.
func NewFakePort() *FakePort { return &FakePort{} }

// Feed queues bytes for the next Read.
func (p *FakePort) Feed(b []byte) {
	p.mu.Lock()
	p.inbound = append(p.inbound, b...)
	p.mu.Unlock()
}

// Unplug makes every subsequent Read and Write fail with ErrPortGone.
func (p *FakePort) Unplug() {
	p.mu.Lock()
	p.gone = true
	p.mu.Unlock()
}

// Replug undoes Unplug and drops anything queued while the port was gone.
func (p *FakePort) Replug() {
	p.mu.Lock()
	p.gone = false
	p.inbound = nil
	p.mu.Unlock()
}

// Read returns queued bytes, or 0 with no error when the queue is empty.
func (p *FakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return 0, ErrPortGone
	}
	n := copy(b, p.inbound)
	p.inbound = p.inbound[n:]
	return n, nil
}

// Write records b.
func (p *FakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.gone {
		p.mu.Unlock()
		return 0, ErrPortGone
	}
	if p.WriteErr != nil {
		err := p.WriteErr
		p.mu.Unlock()
		return 0, err
	}
	p.written = append(p.written, append([]byte(nil), b...))
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		hook(p, b)
	}
	return len(b), nil
}

// Close counts closes.
func (p *FakePort) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

// Written returns a copy of every buffer written so far.
func (p *FakePort) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

// Closes returns how many times Close was called.
func (p *FakePort) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeOpener hands out FakePorts by name.
type FakeOpener struct {
	mu    sync.Mutex
	ports map[string]*FakePort
	fails map[string]int
	opens int
}

// NewFakeOpener creates an opener with no known ports.
func NewFakeOpener() *FakeOpener {
	return &FakeOpener{ports: make(map[string]*FakePort), fails: make(map[string]int)}
}

// Add registers a port under name.
func (o *FakeOpener) Add(name string, p *FakePort) {
	o.mu.Lock()
	o.ports[name] = p
	o.mu.Unlock()
}

// FailNext makes the next n opens of name fail.
func (o *FakeOpener) FailNext(name string, n int) {
	o.mu.Lock()
	o.fails[name] = n
	o.mu.Unlock()
}

// Opens returns the number of Open calls, successful or not.
func (o *FakeOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// Open implements Opener.
func (o *FakeOpener) Open(name string, _ int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.fails[name] > 0 {
		o.fails[name]--
		return nil, errors.New("port busy")
	}
	p, ok := o.ports[name]
	if !ok {
		return nil, errors.New("no such port")
	}
	return p, nil
}

// Ports lists registered names; usable as a PortWatcher lister.
func (o *FakeOpener) Ports() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.ports))
	for n := range o.ports {
		names = append(names, n)
	}
	return names, nil
}

// Remove unregisters a port, as if it were unplugged.
func (o *FakeOpener) Remove(name string) {
	o.mu.Lock()
	delete(o.ports, name)
	o.mu.Unlock()
}
