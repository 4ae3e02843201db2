// Package sequencer drives a complete fixture test: connect, measure every channel in
// each phase, then judge the collected readings into a verdict.
//
// The sequencer never blocks on a reply. Each read is a send, a bounded settle delay,
// and a check whether the readings store grew.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/firmware"
	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/readings"
)

// ErrSessionActive is returned when Run is called while a session is in progress.
var ErrSessionActive = errors.New("detection session already active")

// ErrNoData marks a channel that produced no reading within its retry budget.
var ErrNoData = errors.New("no data")

var errCancelled = errors.New("cancelled")

// Phase is a step of the detection state machine.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseProgramming  Phase = "PROGRAMMING"
	PhaseConnecting   Phase = "CONNECTING"
	PhaseReadIdle     Phase = "READ_IDLE"
	PhaseStartOutputs Phase = "START_OUTPUTS"
	PhaseReadRunning  Phase = "READ_RUNNING"
	PhaseStopOutputs  Phase = "STOP_OUTPUTS"
	PhaseReadSensors  Phase = "READ_SENSORS"
	PhaseJudging      Phase = "JUDGING"
	PhaseCancelled    Phase = "CANCELLED"
)

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader requests a single channel value from a device.
type Reader interface {
	RequestRead(id uint8) error
}

// OutputDriver is the Secondary board: reads plus start/stop of outputs.
type OutputDriver interface {
	Reader
	Start(ids []uint8) error
	Stop(ids []uint8) error
}

// Connector opens the device links.
type Connector interface {
	Connect(ctx context.Context, stop func() bool) error
}

// Config tunes a session.
type Config struct {
	SettleDelay     time.Duration
	RetryDelay      time.Duration
	MaxRetries      int
	RunOutputs      bool
	SlowDebug       bool
	FirmwarePath    string
	Verify          bool
	Reset           bool
	PostResetSettle time.Duration
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		SettleDelay:     200 * time.Millisecond,
		RetryDelay:      100 * time.Millisecond,
		MaxRetries:      3,
		RunOutputs:      true,
		Verify:          true,
		Reset:           true,
		PostResetSettle: 2 * time.Second,
	}
}

// Deps are the collaborators a Sequencer drives.
type Deps struct {
	Connector  Connector
	Sensor     Reader
	Outputs    OutputDriver
	Readings   *readings.Store
	Validator  *logic.Validator
	Registry   *channel.Registry
	Programmer firmware.Programmer
	Log        *logger.Logger
	Now        func() time.Time
	Sleep      SleepFunc
	NewID      func() string
}

// Current is the channel being measured right now.
type Current struct {
	Device  logic.Device `json:"device"`
	Channel uint8        `json:"channel"`
	Label   string       `json:"label"`
	Phase   Phase        `json:"phase"`
}

// Progress is reported at every phase change and every channel.
type Progress struct {
	SessionID string   `json:"session_id"`
	Phase     Phase    `json:"phase"`
	Status    string   `json:"status"`
	Fraction  float64  `json:"progress"`
	Current   *Current `json:"current,omitempty"`
}

// Session is a read-only view of the active detection session.
type Session struct {
	ID        string    `json:"id"`
	Phase     Phase     `json:"phase"`
	Status    string    `json:"status"`
	Fraction  float64   `json:"progress"`
	Current   *Current  `json:"current,omitempty"`
	Cancelled bool      `json:"cancelled"`
	Retries   int       `json:"retries"`
	Misses    int       `json:"misses"`
	StartedAt time.Time `json:"started_at"`
}

type session struct {
	id        string
	startedAt time.Time
	phase     Phase
	status    string
	fraction  float64
	current   *Current
	retries   map[logic.Miss]int
	misses    []logic.Miss
}

// Sequencer runs detection sessions, one at a time.
type Sequencer struct {
	d     Deps
	log   *logger.Logger
	debug *Debugger

	active    atomic.Bool
	cancelled atomic.Bool
	lost      atomic.Pointer[string]

	mu         sync.RWMutex
	cfg        Config
	sess       *session
	onProgress func(Progress)
}

// New creates a sequencer.
func New(cfg Config, d Deps) *Sequencer {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = Sleep
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Sequencer{d: d, log: d.Log, debug: NewDebugger(), cfg: cfg}
}

// OnProgress registers the progress callback. It runs on the session goroutine.
func (s *Sequencer) OnProgress(fn func(Progress)) {
	s.mu.Lock()
	s.onProgress = fn
	s.mu.Unlock()
}

// Debugger returns the slow-debug history.
func (s *Sequencer) Debugger() *Debugger { return s.debug }

// Config returns the session configuration.
func (s *Sequencer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetConfig replaces the configuration used by the next session.
func (s *Sequencer) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Active reports whether a session is running.
func (s *Sequencer) Active() bool { return s.active.Load() }

// Cancel asks the active session to stop. The wait in flight completes first.
// It returns false when no session is active.
func (s *Sequencer) Cancel() bool {
	if !s.active.Load() {
		return false
	}
	s.cancelled.Store(true)
	s.debug.kick()
	s.log.Infow("cancel requested")
	return true
}

// ConnectionLost aborts the active session with a connection-lost verdict.
func (s *Sequencer) ConnectionLost(reason string) {
	if !s.active.Load() {
		return
	}
	s.lost.Store(&reason)
	s.debug.kick()
}

// Session returns the active session, if any.
func (s *Sequencer) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil {
		return Session{}, false
	}
	retries := 0
	for _, n := range s.sess.retries {
		retries += n
	}
	return Session{
		ID:        s.sess.id,
		Phase:     s.sess.phase,
		Status:    s.sess.status,
		Fraction:  s.sess.fraction,
		Current:   s.sess.current,
		Cancelled: s.cancelled.Load(),
		Retries:   retries,
		Misses:    len(s.sess.misses),
		StartedAt: s.sess.startedAt,
	}, true
}

// Current returns the channel being measured, or nil between channels.
func (s *Sequencer) Current() *Current {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sess == nil || s.sess.current == nil {
		return nil
	}
	c := *s.sess.current
	return &c
}

func (s *Sequencer) stopRequested() bool {
	return s.cancelled.Load() || s.lost.Load() != nil
}

// interrupted reports why the session must end early, if it must.
func (s *Sequencer) interrupted(ctx context.Context) (logic.Outcome, string, bool) {
	if r := s.lost.Load(); r != nil {
		return logic.OutcomeConnectionLost, *r, true
	}
	if s.cancelled.Load() {
		return logic.OutcomeCancelled, "cancelled by operator", true
	}
	if err := ctx.Err(); err != nil {
		return logic.OutcomeCancelled, err.Error(), true
	}
	return "", "", false
}

// Run executes one session and returns its verdict. Fatal problems produce a verdict
// with a non-Completed outcome; the only error is ErrSessionActive.
func (s *Sequencer) Run(ctx context.Context) (logic.Verdict, error) {
	if !s.active.CompareAndSwap(false, true) {
		return logic.Verdict{}, ErrSessionActive
	}
	defer s.active.Store(false)

	s.cancelled.Store(false)
	s.lost.Store(nil)
	cfg := s.Config()

	sess := &session{
		id:        s.d.NewID(),
		startedAt: s.d.Now(),
		phase:     PhaseIdle,
		retries:   make(map[logic.Miss]int),
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	s.debug.reset(cfg.SlowDebug)

	s.log.Infow("session started", "session", sess.id, "run_outputs", cfg.RunOutputs, "slow_debug", cfg.SlowDebug)

	v := s.run(ctx, sess, cfg)
	v.SessionID = sess.id
	v.StartedAt = sess.startedAt
	v.FinishedAt = s.d.Now()
	v.Passed = v.Outcome == logic.OutcomeCompleted && v.Failed() == 0

	final := PhaseIdle
	if v.Outcome == logic.OutcomeCancelled {
		final = PhaseCancelled
	}
	s.enter(sess, final, string(v.Outcome), 1)

	s.mu.Lock()
	s.sess = nil
	s.mu.Unlock()

	s.log.Infow("session finished", "session", sess.id, "outcome", v.Outcome,
		"passed", v.Passed, "failed", v.Failed(), "detail", v.Detail)
	return v, nil
}

func terminal(o logic.Outcome, detail string) logic.Verdict {
	return logic.Verdict{Outcome: o, Detail: detail, Buckets: map[logic.Category][]string{}}
}

func (s *Sequencer) run(ctx context.Context, sess *session, cfg Config) logic.Verdict {
	if cfg.FirmwarePath != "" && s.d.Programmer != nil {
		s.enter(sess, PhaseProgramming, "programming firmware", 0)
		if _, err := s.d.Programmer.Program(ctx, cfg.FirmwarePath, cfg.Verify, cfg.Reset); err != nil {
			return terminal(logic.OutcomeProgramFailed, err.Error())
		}
		if err := s.d.Sleep(ctx, cfg.PostResetSettle); err != nil {
			return terminal(logic.OutcomeCancelled, err.Error())
		}
	}
	if o, detail, stop := s.interrupted(ctx); stop {
		return terminal(o, detail)
	}

	s.enter(sess, PhaseConnecting, "connecting", 0.05)
	if err := s.d.Connector.Connect(ctx, s.stopRequested); err != nil {
		if o, detail, stop := s.interrupted(ctx); stop {
			return terminal(o, detail)
		}
		return terminal(logic.OutcomeConnectFailed, err.Error())
	}

	plan := s.plan(cfg)
	idleEnd, runEnd := 0.7, 0.7
	if len(plan.RunningChannels) > 0 {
		idleEnd, runEnd = 0.4, 0.75
	}

	if s.readPhase(ctx, sess, cfg, PhaseReadIdle, logic.DeviceSecondary, plan.IdleChannels, s.d.Outputs, 0.1, idleEnd) {
		return s.abort(ctx)
	}

	if len(plan.RunningChannels) > 0 {
		s.enter(sess, PhaseStartOutputs, "starting outputs", idleEnd)
		if err := s.d.Outputs.Start(plan.RunningChannels); err != nil {
			s.log.Warnw("start outputs failed", "err", err)
		}
		interrupted := s.d.Sleep(ctx, cfg.SettleDelay) != nil ||
			s.readPhase(ctx, sess, cfg, PhaseReadRunning, logic.DeviceSecondary, plan.RunningChannels, s.d.Outputs, idleEnd+0.02, runEnd)

		s.enter(sess, PhaseStopOutputs, "stopping outputs", runEnd)
		if err := s.d.Outputs.Stop(plan.RunningChannels); err != nil {
			s.log.Warnw("stop outputs failed", "err", err)
		}
		if interrupted {
			return s.abort(ctx)
		}
	}

	if s.readPhase(ctx, sess, cfg, PhaseReadSensors, logic.DevicePrimary, plan.SensorChannels, s.d.Sensor, runEnd+0.02, 0.95) {
		return s.abort(ctx)
	}
	if o, detail, stop := s.interrupted(ctx); stop {
		return terminal(o, detail)
	}

	s.enter(sess, PhaseJudging, "judging", 0.95)
	snap := s.d.Readings.Since(sess.startedAt)
	s.mu.RLock()
	misses := append([]logic.Miss(nil), sess.misses...)
	s.mu.RUnlock()
	buckets := s.d.Validator.Judge(snap, plan, misses, s.d.Registry.Label)
	return logic.Verdict{Outcome: logic.OutcomeCompleted, Buckets: buckets}
}

func (s *Sequencer) abort(ctx context.Context) logic.Verdict {
	o, detail, stop := s.interrupted(ctx)
	if !stop {
		o, detail = logic.OutcomeCancelled, "interrupted"
	}
	return terminal(o, detail)
}

// plan lists the channels each phase measures. Rail channels are supplies and are
// only measured idle.
func (s *Sequencer) plan(cfg Config) logic.Plan {
	p := logic.Plan{
		IdleChannels:   s.d.Registry.OutputIDs(),
		SensorChannels: s.d.Registry.SensorIDs(),
	}
	if !cfg.RunOutputs {
		return p
	}
	onRail := make(map[uint8]bool)
	for _, ids := range s.d.Registry.Rails() {
		for _, id := range ids {
			onRail[id] = true
		}
	}
	for _, id := range p.IdleChannels {
		if !onRail[id] {
			p.RunningChannels = append(p.RunningChannels, id)
		}
	}
	return p
}

// readPhase measures every channel in ids. It returns true when the session must stop.
func (s *Sequencer) readPhase(ctx context.Context, sess *session, cfg Config, phase Phase, dev logic.Device, ids []uint8, r Reader, from, to float64) bool {
	s.enter(sess, phase, string(phase), from)
	for i, id := range ids {
		if s.stopRequested() || ctx.Err() != nil {
			return true
		}
		label := s.d.Registry.Label(dev, id)
		cur := &Current{Device: dev, Channel: id, Label: label, Phase: phase}
		frac := from + (to-from)*float64(i)/float64(len(ids))
		s.progress(sess, phase, fmt.Sprintf("reading %s", label), frac, cur)

		step, err := s.readChannel(ctx, sess, cfg, phase, dev, id, r)
		step.Label = label
		s.debug.record(step)
		if err != nil {
			return true
		}

		if err := s.debug.wait(ctx, s.stopRequested); err != nil {
			return true
		}
	}
	s.mu.Lock()
	sess.current = nil
	s.mu.Unlock()
	return false
}

// readChannel sends up to 1+MaxRetries requests, stopping at the first new reading.
// A channel that never answers is recorded as a miss and does not stop the phase.
func (s *Sequencer) readChannel(ctx context.Context, sess *session, cfg Config, phase Phase, dev logic.Device, id uint8, r Reader) (Step, error) {
	st := s.d.Readings.StateFor(dev, id)
	step := Step{Phase: phase, Device: dev, State: st, Channel: id, At: s.d.Now()}
	if prev, ok := s.d.Readings.Latest(dev, st, id); ok {
		v := prev.Value
		step.Before = &v
	}
	before := s.d.Readings.Count(dev, st, id)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.stopRequested() {
				return step, errCancelled
			}
			s.mu.Lock()
			sess.retries[logic.Miss{Device: dev, State: st, Channel: id}]++
			s.mu.Unlock()
			if err := s.d.Sleep(ctx, cfg.RetryDelay); err != nil {
				return step, err
			}
		}
		step.Attempts++
		if err := r.RequestRead(id); err != nil {
			s.log.Debugw("read request failed", "device", dev, "channel", id, "err", err)
		}
		if err := s.d.Sleep(ctx, cfg.SettleDelay); err != nil {
			return step, err
		}
		if s.d.Readings.Count(dev, st, id) > before {
			step.Got = true
			if latest, ok := s.d.Readings.Latest(dev, st, id); ok {
				v := latest.Value
				step.After = &v
			}
			return step, nil
		}
	}

	s.log.Warnw("channel missing", "device", dev, "channel", id, "attempts", step.Attempts, "err", ErrNoData)
	s.mu.Lock()
	sess.misses = append(sess.misses, logic.Miss{Device: dev, State: st, Channel: id})
	s.mu.Unlock()
	return step, nil
}

func (s *Sequencer) enter(sess *session, phase Phase, status string, frac float64) {
	s.progress(sess, phase, status, frac, nil)
}

func (s *Sequencer) progress(sess *session, phase Phase, status string, frac float64, cur *Current) {
	s.mu.Lock()
	sess.phase = phase
	sess.status = status
	sess.fraction = frac
	sess.current = cur
	fn := s.onProgress
	s.mu.Unlock()

	if fn != nil {
		fn(Progress{SessionID: sess.id, Phase: phase, Status: status, Fraction: frac, Current: cur})
	}
}
