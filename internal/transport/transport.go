// Package transport owns the serial links to the fixture boards.
//
// A Transport drives one port: a poll loop that reads and decodes inbound traffic, and
// a heartbeat that probes the device when the link has been quiet. Both run on a single
// goroutine and share one mutex, so sends, polls and heartbeats never interleave.
// Callbacks are dispatched outside the lock in arrival order.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
)

// Errors returned by Transport.
var (
	ErrOpen             = errors.New("open port")
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyOpen      = errors.New("transport already open")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// State is the connection state of a Transport.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnected    State = "CONNECTED" // open, no heartbeat reply yet
	StateVerified     State = "VERIFIED"  // device answered a heartbeat
)

// Defaults for Config.
const (
	DefaultPollInterval      = 50 * time.Millisecond
	DefaultHeartbeatInterval = time.Second
	DefaultActivityWindow    = 800 * time.Millisecond
	DefaultMaxMissed         = 3
)

// Config configures a Transport. Zero durations take the defaults.
type Config struct {
	Name              string
	Codec             Codec
	Opener            Opener
	Log               *logger.Logger
	Now               func() time.Time
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ActivityWindow    time.Duration
	MaxMissed         int
}

// Handlers receive transport events. Any may be nil. Handlers run on the transport
// goroutine and must not call Close on the same transport; ForceClose is safe.
type Handlers struct {
	OnData            func(id uint8, value int32)
	OnHeartbeatFailed func()
	OnFirmwareVersion func(version string)
	OnVerified        func()
	OnPortLost        func(err error)
}

// Transport is one serial link with framing and heartbeat.
type Transport struct {
	cfg Config
	log *logger.Logger

	mu           sync.Mutex
	handlers     Handlers
	port         Port
	portName     string
	state        State
	buf          []byte
	scratch      []byte
	lastActivity time.Time
	awaiting     bool
	failures     int
	version      string
	stop         chan struct{}
	done         chan struct{}
}

// New creates a disconnected transport.
func New(cfg Config) *Transport {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	if cfg.MaxMissed <= 0 {
		cfg.MaxMissed = DefaultMaxMissed
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	return &Transport{
		cfg:     cfg,
		log:     cfg.Log.With("device", cfg.Name),
		state:   StateDisconnected,
		scratch: make([]byte, 512),
	}
}

// SetHandlers replaces the event handlers.
func (t *Transport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// Name returns the configured device name.
func (t *Transport) Name() string { return t.cfg.Name }

// State returns the connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Degraded reports whether at least one heartbeat has gone unanswered.
func (t *Transport) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures > 0
}

// Version returns the last firmware version reported by the device.
func (t *Transport) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Port returns the name of the open port, or "".
func (t *Transport) Port() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portName
}

// Open opens the port, sends an initial ping and starts the poll/heartbeat loop.
// Failures are returned, never retried.
func (t *Transport) Open(name string, baud int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return ErrAlreadyOpen
	}

	p, err := t.cfg.Opener(name, baud)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrOpen, name, err)
	}

	t.port = p
	t.portName = name
	t.state = StateConnected
	t.buf = t.buf[:0]
	t.lastActivity = time.Time{}
	t.failures = 0
	t.awaiting = false
	t.version = ""

	if _, err := p.Write(t.cfg.Codec.Ping()); err != nil {
		t.port = nil
		t.portName = ""
		t.state = StateDisconnected
		_ = p.Close()
		return fmt.Errorf("%w %s: initial ping: %v", ErrOpen, name, err)
	}
	t.awaiting = true

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)

	t.log.Infow("transport opened", "port", name, "baud", baud)
	return nil
}

func (t *Transport) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	poll := time.NewTicker(t.cfg.PollInterval)
	defer poll.Stop()
	hb := time.NewTicker(t.cfg.HeartbeatInterval)
	defer hb.Stop()

	for {
		select {
		case <-stop:
			return
		case <-poll.C:
			t.pollOnce()
		case <-hb.C:
			t.heartbeatTick(t.cfg.Now())
		}
	}
}

// Send writes raw bytes. Sending counts as link activity for the heartbeat.
func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, err := t.port.Write(b); err != nil {
		lost := isDisconnect(err)
		var onLost func(error)
		if lost {
			t.teardownLocked()
			onLost = t.handlers.OnPortLost
		}
		t.mu.Unlock()
		if onLost != nil {
			onLost(err)
		}
		return fmt.Errorf("write %s: %w", t.cfg.Name, err)
	}
	t.lastActivity = t.cfg.Now()
	t.mu.Unlock()
	return nil
}

// pollOnce reads whatever is pending and decodes it.
func (t *Transport) pollOnce() {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return
	}

	n, err := t.port.Read(t.scratch)
	if err != nil {
		if !isDisconnect(err) {
			t.mu.Unlock()
			t.log.Debugw("read error", "err", err)
			return
		}
		t.log.Warnw("port lost", "port", t.portName, "err", err)
		t.teardownLocked()
		onLost := t.handlers.OnPortLost
		t.mu.Unlock()
		if onLost != nil {
			onLost(err)
		}
		return
	}
	if n == 0 {
		t.mu.Unlock()
		return
	}

	t.buf = append(t.buf, t.scratch[:n]...)
	events, consumed := t.cfg.Codec.Decode(t.buf)
	t.buf = append(t.buf[:0], t.buf[consumed:]...)

	var calls []func()
	if len(events) > 0 {
		t.lastActivity = t.cfg.Now()
		t.failures = 0
		t.awaiting = false
	}
	h := t.handlers
	for _, ev := range events {
		switch ev.Kind {
		case EventData:
			if h.OnData != nil {
				id, v := ev.Channel, ev.Value
				calls = append(calls, func() { h.OnData(id, v) })
			}
		case EventHeartbeat:
			calls = append(calls, t.heartbeatReplyLocked(ev.Version, h)...)
		}
	}
	t.mu.Unlock()

	for _, fn := range calls {
		fn()
	}
}

// heartbeatReplyLocked marks the link verified on the first reply and reports the
// firmware version only when it first appears or changes.
func (t *Transport) heartbeatReplyLocked(version string, h Handlers) []func() {
	var calls []func()
	if t.state != StateVerified {
		t.state = StateVerified
		t.log.Infow("device verified", "port", t.portName)
		if h.OnVerified != nil {
			calls = append(calls, h.OnVerified)
		}
	}
	if version != "" && version != t.version {
		t.version = version
		t.log.Infow("firmware version", "version", version)
		if h.OnFirmwareVersion != nil {
			calls = append(calls, func() { h.OnFirmwareVersion(version) })
		}
	}
	return calls
}

// heartbeatTick runs one heartbeat period.
func (t *Transport) heartbeatTick(now time.Time) {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return
	}

	if !t.lastActivity.IsZero() && now.Sub(t.lastActivity) < t.cfg.ActivityWindow {
		t.failures = 0
		t.mu.Unlock()
		return
	}

	if t.awaiting {
		t.failures++
		t.log.Debugw("heartbeat missed", "failures", t.failures)
		if t.failures >= t.cfg.MaxMissed {
			t.log.Warnw("heartbeat failed, closing", "port", t.portName, "err", ErrHeartbeatTimeout)
			t.teardownLocked()
			onFailed := t.handlers.OnHeartbeatFailed
			t.mu.Unlock()
			if onFailed != nil {
				onFailed()
			}
			return
		}
	}

	if _, err := t.port.Write(t.cfg.Codec.Ping()); err != nil {
		t.log.Debugw("heartbeat write failed", "err", err)
	}
	t.awaiting = true
	t.mu.Unlock()
}

// teardownLocked closes the port and signals the loop without waiting for it, so it is
// safe to call from the loop itself.
func (t *Transport) teardownLocked() (bool, chan struct{}, error) {
	p, done := t.port, t.done
	if p == nil {
		return false, nil, nil
	}
	err := p.Close()
	close(t.stop)
	t.port = nil
	t.portName = ""
	t.state = StateDisconnected
	t.buf = t.buf[:0]
	t.awaiting = false
	t.failures = 0
	t.stop = nil
	t.done = nil
	return true, done, err
}

// Close stops the loop and closes the port. Closing a closed transport is a no-op.
func (t *Transport) Close() error {
	t.mu.Lock()
	closed, done, err := t.teardownLocked()
	t.mu.Unlock()
	if !closed {
		return nil
	}
	<-done
	t.log.Infow("transport closed")
	if err != nil {
		return fmt.Errorf("close %s: %w", t.cfg.Name, err)
	}
	return nil
}

// ForceClose tears the link down without waiting for the loop. It is used when the OS
// reports the device vanished and is safe to call from a handler.
func (t *Transport) ForceClose() {
	t.mu.Lock()
	closed, _, err := t.teardownLocked()
	t.mu.Unlock()
	if closed {
		t.log.Infow("transport force-closed", "err", err)
	}
}
