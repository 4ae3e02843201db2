// Package fixture composes the fixture station: both device links, the stores, the
// detection sequencer and the operator-facing outputs (lamps, MQTT, status).
package fixture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/config"
	"github.com/sweeney/eol-tester/internal/device"
	"github.com/sweeney/eol-tester/internal/firmware"
	"github.com/sweeney/eol-tester/internal/gpio"
	"github.com/sweeney/eol-tester/internal/kv"
	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/mqtt"
	"github.com/sweeney/eol-tester/internal/readings"
	"github.com/sweeney/eol-tester/internal/sequencer"
	"github.com/sweeney/eol-tester/internal/status"
	"github.com/sweeney/eol-tester/internal/threshold"
	"github.com/sweeney/eol-tester/internal/transport"
)

// ErrUnknownDevice is returned for a device name other than primary or secondary.
var ErrUnknownDevice = errors.New("unknown device")

// Event kinds pushed to subscribers.
const (
	EventProgress   = "progress"
	EventVerdict    = "verdict"
	EventDevice     = "device"
	EventThresholds = "thresholds"
)

// Event is a fixture notification for live consumers such as the websocket stream.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Options are the collaborators New wires together. Nil optional fields disable the
// matching feature or pick the real implementation.
type Options struct {
	Config     config.Config
	Log        *logger.Logger
	KV         kv.Store
	Opener     transport.Opener    // nil: real serial ports
	Lister     transport.Lister    // nil: OS port enumeration
	Publisher  mqtt.Publisher      // nil: no MQTT
	MQTTStatus mqtt.ConnectionStatus
	Panel      gpio.Panel          // nil: no start button or lamps
	Programmer firmware.Programmer // nil: ExecProgrammer when a firmware path is set
	Tracker    *status.Tracker     // nil: a private tracker
	Now        func() time.Time
	Sleep      sequencer.SleepFunc
}

// Fixture is one test station.
type Fixture struct {
	cfg     config.Config
	log     *logger.Logger
	now     func() time.Time
	reg     *channel.Registry
	store   *readings.Store
	th      *threshold.Store
	links   map[logic.Device]*transport.Transport
	sensor  *device.Sensor
	outputs *device.Outputs
	ctrl    *sequencer.ConnectionController
	seq     *sequencer.Sequencer
	quick   *sequencer.QuickReader
	watcher *transport.PortWatcher
	pub     mqtt.Publisher
	mqttUp  mqtt.ConnectionStatus
	panel   gpio.Panel
	tracker *status.Tracker

	busy atomic.Bool // a detection or quick-read owns the links

	mu      sync.Mutex
	subs    map[int]func(Event)
	nextSub int
	watched map[string]string // device -> port
	root    context.Context
	wg      sync.WaitGroup
}

// New builds a fixture from configuration. Links are opened lazily by the first
// detection or quick-read.
func New(opts Options) (*Fixture, error) {
	cfg := opts.Config
	reg, err := channel.New(channel.Variant(cfg.Variant))
	if err != nil {
		return nil, err
	}
	if opts.KV == nil {
		return nil, errors.New("fixture: no threshold backend")
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	opener := opts.Opener
	if opener == nil {
		opener = transport.SerialOpener(cfg.Transport.ReadTimeout)
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = status.NewTracker(now(), status.Config{Variant: cfg.Variant})
	}

	f := &Fixture{
		cfg:     cfg,
		log:     log,
		now:     now,
		reg:     reg,
		store:   readings.New(now),
		th:      threshold.NewStore(opts.KV, reg),
		links:   make(map[logic.Device]*transport.Transport),
		watcher: transport.NewPortWatcher(opts.Lister, cfg.Ports.WatchInterval, log.Named("watcher")),
		pub:     opts.Publisher,
		mqttUp:  opts.MQTTStatus,
		panel:   opts.Panel,
		tracker: tracker,
		subs:    make(map[int]func(Event)),
		watched: make(map[string]string),
		root:    context.Background(),
	}

	lineCodec := transport.NewLineCodec(log.Named("primary"), transport.DefaultExtractors(reg)...)
	codecs := map[logic.Device]transport.Codec{
		logic.DevicePrimary:   lineCodec,
		logic.DeviceSecondary: transport.NewBinaryCodec(log.Named("secondary")),
	}
	var targets []sequencer.Target
	for _, dev := range logic.Devices {
		tr := transport.New(transport.Config{
			Name:              string(dev),
			Codec:             codecs[dev],
			Opener:            opener,
			Log:               log,
			Now:               now,
			PollInterval:      cfg.Transport.PollInterval,
			HeartbeatInterval: cfg.Transport.HeartbeatInterval,
			ActivityWindow:    cfg.Transport.ActivityWindow,
			MaxMissed:         cfg.Transport.MaxMissed,
		})
		f.links[dev] = tr
		targets = append(targets, sequencer.Target{Link: tr, Port: f.port(dev), Baud: cfg.Baud})
		tracker.SetDevice(status.Device{Name: string(dev), State: string(transport.StateDisconnected), Port: f.port(dev)})
	}

	f.sensor = device.NewSensor(f.links[logic.DevicePrimary], reg)
	f.outputs = device.NewOutputs(f.links[logic.DeviceSecondary], reg, f.store)

	sleep := opts.Sleep
	f.ctrl = sequencer.NewConnectionController(sequencer.ControllerConfig{
		Attempts: cfg.Sequencer.ConnectAttempts,
		Delay:    cfg.Sequencer.ConnectDelay,
	}, targets, sleep, log.Named("connect"))

	prog := opts.Programmer
	if prog == nil && cfg.Firmware.Path != "" {
		prog = &firmware.ExecProgrammer{
			Tool:      cfg.Firmware.Tool,
			Args:      cfg.Firmware.Args,
			VerifyArg: cfg.Firmware.VerifyArg,
			ResetArg:  cfg.Firmware.ResetArg,
			Log:       log.Named("firmware"),
		}
	}

	f.seq = sequencer.New(f.sequencerConfig(), sequencer.Deps{
		Connector:  f.ctrl,
		Sensor:     f.sensor,
		Outputs:    f.outputs,
		Readings:   f.store,
		Validator:  logic.NewValidator(f.th, reg.Rails(), reg.CrossChecks()),
		Registry:   reg,
		Programmer: prog,
		Log:        log.Named("sequencer"),
		Now:        now,
		Sleep:      sleep,
	})
	f.quick = sequencer.NewQuickReader(f.store, reg.Label, sleep, log.Named("quickread"))
	f.quick.Spacing = cfg.QuickRead.Spacing
	f.quick.RetryGap = cfg.QuickRead.RetryGap
	f.quick.Retries = cfg.QuickRead.Retries

	f.wire()
	return f, nil
}

func (f *Fixture) port(dev logic.Device) string {
	if dev == logic.DevicePrimary {
		return f.cfg.Ports.Primary
	}
	return f.cfg.Ports.Secondary
}

func (f *Fixture) sequencerConfig() sequencer.Config {
	s := f.cfg.Sequencer
	return sequencer.Config{
		SettleDelay:     s.SettleDelay,
		RetryDelay:      s.RetryDelay,
		MaxRetries:      s.MaxRetries,
		RunOutputs:      s.RunOutputs,
		SlowDebug:       s.SlowDebug,
		FirmwarePath:    f.cfg.Firmware.Path,
		Verify:          f.cfg.Firmware.Verify,
		Reset:           f.cfg.Firmware.Reset,
		PostResetSettle: f.cfg.Firmware.SettleDelay,
	}
}

// wire connects transport, controller, sequencer and store callbacks.
func (f *Fixture) wire() {
	for dev, tr := range f.links {
		dev, tr := dev, tr
		name := string(dev)
		tr.SetHandlers(transport.Handlers{
			OnData: func(id uint8, v int32) { f.store.Record(dev, id, v) },
			OnHeartbeatFailed: func() {
				f.ctrl.Lost(name, "heartbeat failed")
			},
			OnPortLost: func(err error) {
				f.ctrl.Lost(name, fmt.Sprintf("port lost: %v", err))
			},
			OnFirmwareVersion: func(v string) {
				f.tracker.UpdateDevice(name, func(d *status.Device) { d.Version = v })
				f.emit(Event{Type: EventDevice, Data: f.deviceStatus(name)})
			},
			OnVerified: func() {
				f.tracker.UpdateDevice(name, func(d *status.Device) { d.State = string(transport.StateVerified) })
				f.emit(Event{Type: EventDevice, Data: f.deviceStatus(name)})
			},
		})
	}

	f.ctrl.OnState(func(name string, st sequencer.ConnState) {
		f.tracker.UpdateDevice(name, func(d *status.Device) {
			d.State, d.Attempt, d.Max = st.State, st.Attempt, st.Max
			if st.Port != "" {
				d.Port = st.Port
			}
			if st.State == string(transport.StateDisconnected) {
				d.Degraded = false
			}
		})
		switch st.State {
		case sequencer.Connecting:
		case string(transport.StateDisconnected):
			f.unwatchPort(name)
		default:
			f.watchPort(name, st.Port)
		}
		f.emit(Event{Type: EventDevice, Data: f.deviceStatus(name)})
	})

	f.ctrl.OnLost(func(name, reason string) {
		if logic.Device(name) == logic.DeviceSecondary {
			f.store.StopAll()
		}
		f.seq.ConnectionLost(fmt.Sprintf("%s: %s", name, reason))
		f.publishSystem(mqtt.SystemEvent{Timestamp: f.now(), Event: mqtt.EventDeviceLost, Reason: reason, Device: name})
	})

	f.seq.OnProgress(func(p sequencer.Progress) {
		s := &status.Session{ID: p.SessionID, Phase: string(p.Phase), Status: p.Status, Progress: p.Fraction}
		if p.Current != nil {
			s.Current = p.Current.Label
		}
		f.tracker.SetSession(s)
		f.emit(Event{Type: EventProgress, Data: p})
	})

	f.th.Subscribe(func(c threshold.Change) {
		f.emit(Event{Type: EventThresholds, Data: c})
	})
}

func (f *Fixture) watchPort(name, port string) {
	tr := f.links[logic.Device(name)]
	f.mu.Lock()
	f.watched[name] = port
	f.mu.Unlock()
	f.watcher.Watch(port, func() {
		tr.ForceClose()
		f.ctrl.Lost(name, "port vanished")
	})
}

func (f *Fixture) unwatchPort(name string) {
	f.mu.Lock()
	port, ok := f.watched[name]
	delete(f.watched, name)
	f.mu.Unlock()
	if ok {
		f.watcher.Unwatch(port)
	}
}

func (f *Fixture) deviceStatus(name string) status.Device {
	d, _ := f.tracker.Snapshot().Device(name)
	return d
}

// Subscribe registers fn for live events and returns its cancel function. fn runs on
// the goroutine that produced the event and must not block.
func (f *Fixture) Subscribe(fn func(Event)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *Fixture) emit(e Event) {
	f.mu.Lock()
	subs := make([]func(Event), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(e)
	}
}

// LoadThresholds applies persisted threshold overrides.
func (f *Fixture) LoadThresholds(ctx context.Context) error {
	return f.th.Load(ctx)
}

// Run watches the ports and the start button until ctx ends, then closes the links.
// Background detections started while running use ctx.
func (f *Fixture) Run(ctx context.Context) error {
	f.mu.Lock()
	f.root = ctx
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.watcher.Run(ctx)
	}()

	if f.panel != nil {
		f.showLamp(gpio.LampOff)
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			gpio.Watch(ctx, f.panel, f.cfg.GPIO.Poll, f.cfg.GPIO.Debounce, func() {
				if err := f.StartDetect(); err != nil {
					f.log.Infow("start button ignored", "err", err)
				}
			}, f.log.Named("gpio"))
		}()
	}

	<-ctx.Done()
	f.seq.Cancel()
	f.quick.Cancel()
	f.wg.Wait()
	f.Close()
	return nil
}

// Detect runs one detection session and publishes its verdict.
func (f *Fixture) Detect(ctx context.Context) (logic.Verdict, error) {
	if !f.claim() {
		return logic.Verdict{}, sequencer.ErrSessionActive
	}
	defer f.release()
	return f.detect(ctx)
}

// claim takes the fixture for one detection or quick-read.
func (f *Fixture) claim() bool { return f.busy.CompareAndSwap(false, true) }

func (f *Fixture) release() { f.busy.Store(false) }

// detect runs a session. The caller holds the claim.
func (f *Fixture) detect(ctx context.Context) (logic.Verdict, error) {
	f.store.ClearAll()
	f.showLamp(gpio.LampBusy)

	v, err := f.seq.Run(ctx)
	if err != nil {
		f.showLamp(gpio.LampOff)
		return v, err
	}

	f.tracker.RecordVerdict(v)
	if v.Passed {
		f.showLamp(gpio.LampPass)
	} else {
		f.showLamp(gpio.LampFail)
	}
	if f.pub != nil {
		if err := f.pub.PublishVerdict(v); err != nil {
			f.log.Warnw("publish verdict failed", "session", v.SessionID, "err", err)
		}
	}
	f.emit(Event{Type: EventVerdict, Data: VerdictView(v)})
	return v, nil
}

// StartDetect runs a detection in the background. It fails fast when a detection or
// quick-read is running; the session is claimed before it returns.
func (f *Fixture) StartDetect() error {
	if !f.claim() {
		return sequencer.ErrSessionActive
	}
	f.mu.Lock()
	ctx := f.root
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.release()
		if _, err := f.detect(ctx); err != nil {
			f.log.Infow("detection not started", "err", err)
		}
	}()
	return nil
}

// CancelDetect asks the running detection to stop.
func (f *Fixture) CancelDetect() bool {
	return f.seq.Cancel()
}

// QuickRead connects if needed and reads the given channels of one device. nil ids
// reads every channel of the device.
func (f *Fixture) QuickRead(ctx context.Context, dev logic.Device, ids []uint8, retry bool) ([]sequencer.QuickResult, error) {
	if !f.claim() {
		return nil, sequencer.ErrSessionActive
	}
	defer f.release()
	var r sequencer.Reader
	switch dev {
	case logic.DevicePrimary:
		r = f.sensor
	case logic.DeviceSecondary:
		r = f.outputs
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, dev)
	}
	if ids == nil {
		ids = f.reg.IDs(dev)
	}
	if err := f.ctrl.Connect(ctx, nil); err != nil {
		return nil, err
	}
	return f.quick.Run(ctx, dev, ids, r, retry)
}

// CancelQuickRead stops a running quick-read batch.
func (f *Fixture) CancelQuickRead() bool {
	return f.quick.Cancel()
}

// SetSlowDebug switches slow-debug mode for the next session.
func (f *Fixture) SetSlowDebug(on bool) {
	cfg := f.seq.Config()
	cfg.SlowDebug = on
	f.seq.SetConfig(cfg)
	f.tracker.SetSlowDebug(on)
}

// SetPort changes the port a device is opened on at the next connect.
func (f *Fixture) SetPort(dev logic.Device, port string) error {
	tr, ok := f.links[dev]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, dev)
	}
	f.ctrl.SetPort(tr.Name(), port)
	f.tracker.UpdateDevice(tr.Name(), func(d *status.Device) { d.Port = port })
	return nil
}

// Status returns the tracker snapshot with live link details.
func (f *Fixture) Status() status.Snapshot {
	for dev, tr := range f.links {
		state, degraded, version := tr.State(), tr.Degraded(), tr.Version()
		f.tracker.UpdateDevice(string(dev), func(d *status.Device) {
			if d.State != sequencer.Connecting {
				d.State = string(state)
			}
			d.Degraded = degraded
			if version != "" {
				d.Version = version
			}
		})
	}
	if f.mqttUp != nil {
		f.tracker.SetMQTTConnected(f.mqttUp.IsConnected())
	}
	return f.tracker.Snapshot()
}

// Session returns the running detection, if any.
func (f *Fixture) Session() (sequencer.Session, bool) { return f.seq.Session() }

// Debugger returns the slow-debug history.
func (f *Fixture) Debugger() *sequencer.Debugger { return f.seq.Debugger() }

// Thresholds returns the threshold store.
func (f *Fixture) Thresholds() *threshold.Store { return f.th }

// Registry returns the channel tables.
func (f *Fixture) Registry() *channel.Registry { return f.reg }

// Readings returns the reading store.
func (f *Fixture) Readings() *readings.Store { return f.store }

// Close closes both links and switches the lamps off.
func (f *Fixture) Close() {
	f.ctrl.Disconnect()
	if f.panel != nil {
		f.showLamp(gpio.LampOff)
	}
}

func (f *Fixture) showLamp(l gpio.Lamp) {
	if f.panel == nil {
		return
	}
	if err := gpio.Show(f.panel, l); err != nil {
		f.log.Warnw("set lamps failed", "err", err)
	}
}

func (f *Fixture) publishSystem(e mqtt.SystemEvent) {
	if f.pub == nil {
		return
	}
	if err := f.pub.PublishSystem(e); err != nil {
		f.log.Warnw("publish system event failed", "event", e.Event, "err", err)
	}
}

// View is the JSON shape of a verdict for operators.
type View struct {
	SessionID string              `json:"session_id"`
	Outcome   logic.Outcome       `json:"outcome"`
	Passed    bool                `json:"passed"`
	Failed    int                 `json:"failed"`
	Detail    string              `json:"detail,omitempty"`
	Buckets   map[string][]string `json:"buckets"`
	Started   time.Time           `json:"started_at"`
	Finished  time.Time           `json:"finished_at"`
}

// VerdictView renders v with every category present, in report order.
func VerdictView(v logic.Verdict) View {
	out := View{
		SessionID: v.SessionID,
		Outcome:   v.Outcome,
		Passed:    v.Passed,
		Failed:    v.Failed(),
		Detail:    v.Detail,
		Buckets:   make(map[string][]string, len(logic.Categories)),
		Started:   v.StartedAt,
		Finished:  v.FinishedAt,
	}
	for _, c := range logic.Categories {
		labels := v.Buckets[c]
		if labels == nil {
			labels = []string{}
		}
		out.Buckets[string(c)] = labels
	}
	return out
}
