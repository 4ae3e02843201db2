package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/transport"
)

// ErrConnectFailed is returned when a link cannot be opened within the attempt ceiling.
var ErrConnectFailed = errors.New("connect failed")

// Link is a device connection the controller can open and close.
type Link interface {
	Name() string
	Open(port string, baud int) error
	Close() error
	State() transport.State
}

// ConnState is the externally visible state of one link.
type ConnState struct {
	State   string `json:"state"`
	Port    string `json:"port"`
	Attempt int    `json:"attempt,omitempty"`
	Max     int    `json:"max_attempts,omitempty"`
}

// Connecting is reported while an open is being attempted.
const Connecting = "CONNECTING"

// Target is a link and the port it should be opened on.
type Target struct {
	Link Link
	Port string
	Baud int
}

// ControllerConfig tunes the connect retry policy.
type ControllerConfig struct {
	Attempts int
	Delay    time.Duration
}

// Default retry policy: fixed ceiling, fixed delay.
const (
	DefaultConnectAttempts = 3
	DefaultConnectDelay    = time.Second
)

// ConnectionController opens links with a fixed retry policy and reports their state.
type ConnectionController struct {
	cfg   ControllerConfig
	log   *logger.Logger
	sleep SleepFunc

	mu       sync.Mutex
	targets  []Target
	attempts map[string]ConnState
	onState  func(name string, st ConnState)
	onLost   func(name string, reason string)
}

// NewConnectionController creates a controller for targets.
func NewConnectionController(cfg ControllerConfig, targets []Target, sleep SleepFunc, log *logger.Logger) *ConnectionController {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConnectAttempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if sleep == nil {
		sleep = Sleep
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ConnectionController{
		cfg:      cfg,
		log:      log,
		sleep:    sleep,
		targets:  targets,
		attempts: make(map[string]ConnState),
	}
}

// OnState registers a callback for state changes.
func (c *ConnectionController) OnState(fn func(name string, st ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnLost registers a callback for links lost after a successful open.
func (c *ConnectionController) OnLost(fn func(name string, reason string)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// SetPort changes the port a link is opened on. It takes effect on the next Connect.
func (c *ConnectionController) SetPort(name, port string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.targets {
		if c.targets[i].Link.Name() == name {
			c.targets[i].Port = port
		}
	}
}

// Connect opens every link that is not already open. Each link gets up to Attempts
// tries separated by Delay. stop is checked between attempts.
func (c *ConnectionController) Connect(ctx context.Context, stop func() bool) error {
	c.mu.Lock()
	targets := append([]Target(nil), c.targets...)
	c.mu.Unlock()

	for _, tg := range targets {
		if tg.Link.State() != transport.StateDisconnected {
			continue
		}
		if err := c.connectOne(ctx, tg, stop); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConnectionController) connectOne(ctx context.Context, tg Target, stop func() bool) error {
	name := tg.Link.Name()
	if tg.Port == "" {
		c.report(name, ConnState{State: string(transport.StateDisconnected)})
		return fmt.Errorf("%w: %s: no port configured", ErrConnectFailed, name)
	}
	baud := tg.Baud
	if baud == 0 {
		baud = transport.DefaultBaud
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if stop != nil && stop() {
				return errCancelled
			}
			if err := c.sleep(ctx, c.cfg.Delay); err != nil {
				return err
			}
		}
		c.report(name, ConnState{State: Connecting, Port: tg.Port, Attempt: attempt, Max: c.cfg.Attempts})

		lastErr = tg.Link.Open(tg.Port, baud)
		if lastErr == nil {
			c.report(name, ConnState{State: string(tg.Link.State()), Port: tg.Port})
			return nil
		}
		c.log.Warnw("connect attempt failed", "device", name, "port", tg.Port,
			"attempt", attempt, "max", c.cfg.Attempts, "err", lastErr)
	}
	c.report(name, ConnState{State: string(transport.StateDisconnected), Port: tg.Port})
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, name, c.cfg.Attempts, lastErr)
}

// Lost is called when a link died (heartbeat failure, vanished port). The link is
// expected to be closed already.
func (c *ConnectionController) Lost(name, reason string) {
	c.log.Warnw("connection lost", "device", name, "reason", reason)
	c.report(name, ConnState{State: string(transport.StateDisconnected)})

	c.mu.Lock()
	fn := c.onLost
	c.mu.Unlock()
	if fn != nil {
		fn(name, reason)
	}
}

// Disconnect closes every link.
func (c *ConnectionController) Disconnect() {
	c.mu.Lock()
	targets := append([]Target(nil), c.targets...)
	c.mu.Unlock()
	for _, tg := range targets {
		if err := tg.Link.Close(); err != nil {
			c.log.Warnw("close link", "device", tg.Link.Name(), "err", err)
		}
		c.report(tg.Link.Name(), ConnState{State: string(transport.StateDisconnected), Port: tg.Port})
	}
}

// States returns the last reported state of each link.
func (c *ConnectionController) States() map[string]ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ConnState, len(c.attempts))
	for k, v := range c.attempts {
		out[k] = v
	}
	return out
}

func (c *ConnectionController) report(name string, st ConnState) {
	c.mu.Lock()
	c.attempts[name] = st
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(name, st)
	}
}
