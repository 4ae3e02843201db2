package sequencer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/firmware"
	"github.com/sweeney/eol-tester/internal/kv"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/readings"
	"github.com/sweeney/eol-tester/internal/threshold"
)

type fakeClock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

// valueFunc returns the value a board replies with, or false for no reply.
type valueFunc func(id uint8, st logic.State, attempt int) (int32, bool)

type fakeBoard struct {
	dev   logic.Device
	store *readings.Store
	value valueFunc

	mu        sync.Mutex
	requests  map[uint8]int
	order     []uint8
	started   [][]uint8
	stopped   [][]uint8
	onRequest func(id uint8, st logic.State)
}

func newFakeBoard(dev logic.Device, store *readings.Store, v valueFunc) *fakeBoard {
	return &fakeBoard{dev: dev, store: store, value: v, requests: make(map[uint8]int)}
}

func (b *fakeBoard) RequestRead(id uint8) error {
	st := b.store.StateFor(b.dev, id)
	b.mu.Lock()
	b.requests[id]++
	n := b.requests[id]
	b.order = append(b.order, id)
	hook := b.onRequest
	b.mu.Unlock()

	if hook != nil {
		hook(id, st)
	}
	if v, ok := b.value(id, st, n); ok {
		b.store.Record(b.dev, id, v)
	}
	return nil
}

func (b *fakeBoard) Start(ids []uint8) error {
	b.mu.Lock()
	b.started = append(b.started, ids)
	b.mu.Unlock()
	b.store.Start(ids)
	return nil
}

func (b *fakeBoard) Stop(ids []uint8) error {
	b.mu.Lock()
	b.stopped = append(b.stopped, ids)
	b.mu.Unlock()
	b.store.Stop(ids)
	return nil
}

func (b *fakeBoard) Requests(id uint8) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests[id]
}

func (b *fakeBoard) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

type fakeConnector struct {
	err   error
	calls int
}

func (f *fakeConnector) Connect(context.Context, func() bool) error {
	f.calls++
	return f.err
}

// healthySecondary replies with in-range values for every output channel.
func healthySecondary(id uint8, st logic.State, _ int) (int32, bool) {
	if st == logic.StateRunning {
		return 1000, true
	}
	switch id {
	case 0, 1:
		return 3300, true
	case 2, 3, 6, 7:
		return 12000, true
	case 4, 5:
		return 24000, true
	}
	return 50, true
}

func healthyPrimary(id uint8, _ logic.State, _ int) (int32, bool) {
	switch id {
	case channel.SensorMCUTemp, channel.SensorBoardTemp:
		return 300, true
	case channel.SensorFlow1, channel.SensorFlow2:
		return 1500, true
	}
	return 500, true
}

type harness struct {
	seq       *Sequencer
	store     *readings.Store
	outputs   *fakeBoard
	sensor    *fakeBoard
	clock     *fakeClock
	connector *fakeConnector
	reg       *channel.Registry
	progress  []Progress
}

func newHarness(t *testing.T, cfg Config, secondary, primary valueFunc) *harness {
	t.Helper()
	reg, err := channel.New(channel.VariantBodyDoor)
	if err != nil {
		t.Fatal(err)
	}
	clk := newFakeClock()
	store := readings.New(clk.Now)
	th := threshold.NewStore(kv.NewMemory(), reg)
	h := &harness{
		store:     store,
		outputs:   newFakeBoard(logic.DeviceSecondary, store, secondary),
		sensor:    newFakeBoard(logic.DevicePrimary, store, primary),
		clock:     clk,
		connector: &fakeConnector{},
		reg:       reg,
	}
	h.seq = New(cfg, Deps{
		Connector: h.connector,
		Sensor:    h.sensor,
		Outputs:   h.outputs,
		Readings:  store,
		Validator: logic.NewValidator(th, reg.Rails(), reg.CrossChecks()),
		Registry:  reg,
		Now:       clk.Now,
		Sleep:     clk.Sleep,
		NewID:     func() string { return "session-1" },
	})
	h.seq.OnProgress(func(p Progress) { h.progress = append(h.progress, p) })
	return h
}

func (h *harness) phases() []Phase {
	var out []Phase
	for _, p := range h.progress {
		if len(out) == 0 || out[len(out)-1] != p.Phase {
			out = append(out, p.Phase)
		}
	}
	return out
}

func TestRunAllChannelsPass(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)

	v, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Outcome != logic.OutcomeCompleted || !v.Passed {
		t.Fatalf("verdict: got %s passed=%v buckets=%v", v.Outcome, v.Passed, v.Buckets)
	}
	if v.SessionID != "session-1" {
		t.Errorf("session id: got %q", v.SessionID)
	}
	if !v.FinishedAt.After(v.StartedAt) {
		t.Errorf("finished %v not after started %v", v.FinishedAt, v.StartedAt)
	}

	want := []Phase{PhaseConnecting, PhaseReadIdle, PhaseStartOutputs, PhaseReadRunning, PhaseStopOutputs, PhaseReadSensors, PhaseJudging, PhaseIdle}
	got := h.phases()
	if len(got) != len(want) {
		t.Fatalf("phases: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("phase %d: got %s, want %s", i, got[i], want[i])
		}
	}

	last := h.progress[len(h.progress)-1]
	if last.Fraction != 1 {
		t.Errorf("final progress: got %v, want 1", last.Fraction)
	}
	for i := 1; i < len(h.progress); i++ {
		if h.progress[i].Fraction < h.progress[i-1].Fraction {
			t.Errorf("progress went backwards at %d: %v -> %v", i, h.progress[i-1].Fraction, h.progress[i].Fraction)
		}
	}

	if len(h.outputs.started) != 1 || len(h.outputs.stopped) != 1 {
		t.Errorf("start/stop: got %d/%d, want 1/1", len(h.outputs.started), len(h.outputs.stopped))
	}
	for _, id := range h.outputs.started[0] {
		if id < 8 {
			t.Errorf("rail channel %d must not be driven", id)
		}
	}
	if len(h.store.RunningIDs()) != 0 {
		t.Error("outputs left running after the session")
	}
	if _, ok := h.seq.Session(); ok {
		t.Error("session must be cleared after Run")
	}
}

func TestRunWithoutOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunOutputs = false
	h := newHarness(t, cfg, healthySecondary, healthyPrimary)

	v, _ := h.seq.Run(context.Background())
	if !v.Passed {
		t.Fatalf("verdict: %+v", v)
	}
	if len(h.outputs.started) != 0 {
		t.Error("outputs started although disabled")
	}
	for _, p := range h.phases() {
		if p == PhaseReadRunning {
			t.Error("running phase executed although disabled")
		}
	}
}

func TestMissingChannelRecordedAsNoData(t *testing.T) {
	const fan = 12
	silentIdleFan := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == fan && st == logic.StateIdle {
			return 0, false
		}
		return healthySecondary(id, st, attempt)
	}
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg, silentIdleFan, healthyPrimary)

	v, _ := h.seq.Run(context.Background())

	if v.Outcome != logic.OutcomeCompleted {
		t.Fatalf("outcome: got %s", v.Outcome)
	}
	if v.Passed {
		t.Error("verdict must fail with a missing channel")
	}
	// 4 idle attempts, then 1 successful running read.
	if got := h.outputs.Requests(fan); got != 5 {
		t.Errorf("fan requests: got %d, want 5", got)
	}
	if h.outputs.Requests(fan+1) == 0 {
		t.Error("sequence did not continue past the missing channel")
	}
	noData := v.Buckets[logic.CategoryNoData]
	if len(noData) != 1 || noData[0] != "Fan (J5-1)" {
		t.Errorf("no-data bucket: got %v", noData)
	}
	if len(v.Buckets[logic.CategoryIdleRange]) != 0 {
		t.Errorf("missing channel must not also be out of range: %v", v.Buckets)
	}
}

func TestLateReplyWithinRetryBudget(t *testing.T) {
	secondTry := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 9 && st == logic.StateIdle && attempt < 2 {
			return 0, false
		}
		return healthySecondary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), secondTry, healthyPrimary)

	v, _ := h.seq.Run(context.Background())
	if !v.Passed {
		t.Fatalf("verdict: %v", v.Buckets)
	}
	steps := h.seq.Debugger().Steps()
	for _, s := range steps {
		if s.Device == logic.DeviceSecondary && s.Channel == 9 && s.Phase == PhaseReadIdle {
			if s.Attempts != 2 || !s.Got || s.After == nil || *s.After != 50 {
				t.Errorf("step: %+v", s)
			}
			return
		}
	}
	t.Fatal("no step recorded for channel 9")
}

func TestOutOfRangeBuckets(t *testing.T) {
	secondary := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 15 && st == logic.StateRunning {
			return 9000, true
		}
		if id == 16 && st == logic.StateIdle {
			return 700, true
		}
		return healthySecondary(id, st, attempt)
	}
	primary := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 4 {
			return 10, true
		}
		if id == channel.SensorFlow2 {
			return 1200, true
		}
		return healthyPrimary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), secondary, primary)

	v, _ := h.seq.Run(context.Background())
	tests := []struct {
		cat  logic.Category
		want []string
	}{
		{logic.CategoryIdleRange, []string{"Valve B (J6-2)"}},
		{logic.CategoryRunningRange, []string{"Valve A (J6-1)"}},
		{logic.CategorySensorRange, []string{"Humidity (A4)"}},
		{logic.CategorySensorCross, []string{"Flow 1 (P1)", "Flow 2 (P2)"}},
	}
	for _, tt := range tests {
		got := v.Buckets[tt.cat]
		if len(got) != len(tt.want) {
			t.Errorf("%s: got %v, want %v", tt.cat, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("%s[%d]: got %q, want %q", tt.cat, i, got[i], tt.want[i])
			}
		}
	}
}

func TestPowerAnomalyClaimsRailChannels(t *testing.T) {
	secondary := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if (id == 0 || id == 1) && st == logic.StateIdle {
			return 100, true
		}
		return healthySecondary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), secondary, healthyPrimary)

	v, _ := h.seq.Run(context.Background())
	if got := v.Buckets[logic.CategoryAnomaly3V3]; len(got) != 2 {
		t.Errorf("3v3 anomaly bucket: got %v", got)
	}
	if got := v.Buckets[logic.CategoryIdleRange]; len(got) != 0 {
		t.Errorf("rail channels double-reported as idle-range: %v", got)
	}
}

func TestStaleReadingsFromEarlierSessionIgnored(t *testing.T) {
	silent := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 10 && st == logic.StateIdle {
			return 0, false
		}
		return healthySecondary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), silent, healthyPrimary)
	h.store.Record(logic.DeviceSecondary, 10, 50)
	h.clock.Sleep(context.Background(), time.Second)

	v, _ := h.seq.Run(context.Background())
	if got := v.Buckets[logic.CategoryNoData]; len(got) != 1 || got[0] != "Relay K3 (J4-3)" {
		t.Errorf("no-data: got %v", got)
	}
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)
	h.connector.err = ErrConnectFailed

	v, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Outcome != logic.OutcomeConnectFailed || v.Passed {
		t.Errorf("verdict: %+v", v)
	}
	if h.outputs.Total() != 0 || h.sensor.Total() != 0 {
		t.Error("channels read after connect failure")
	}
}

func TestCancelBetweenChannels(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)
	h.outputs.onRequest = func(id uint8, _ logic.State) {
		if id == 3 {
			if !h.seq.Cancel() {
				t.Error("Cancel returned false during a session")
			}
		}
	}

	v, _ := h.seq.Run(context.Background())
	if v.Outcome != logic.OutcomeCancelled {
		t.Fatalf("outcome: got %s", v.Outcome)
	}
	if h.outputs.Requests(3) != 1 {
		t.Error("in-flight channel should complete")
	}
	if h.outputs.Requests(4) != 0 || h.sensor.Total() != 0 {
		t.Error("channels attempted after cancel")
	}
	if len(h.outputs.started) != 0 {
		t.Error("outputs started after cancel")
	}
	for _, p := range h.phases() {
		if p == PhaseJudging {
			t.Error("cancelled session must not be judged")
		}
	}
	if phases := h.phases(); phases[len(phases)-1] != PhaseCancelled {
		t.Errorf("final phase: got %s", phases[len(phases)-1])
	}
	if h.seq.Cancel() {
		t.Error("Cancel must return false with no session")
	}
}

func TestCancelBetweenRetries(t *testing.T) {
	silent := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 2 {
			return 0, false
		}
		return healthySecondary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), silent, healthyPrimary)
	h.outputs.onRequest = func(id uint8, _ logic.State) {
		if id == 2 {
			h.seq.Cancel()
		}
	}

	v, _ := h.seq.Run(context.Background())
	if v.Outcome != logic.OutcomeCancelled {
		t.Fatalf("outcome: got %s", v.Outcome)
	}
	if got := h.outputs.Requests(2); got != 1 {
		t.Errorf("retries after cancel: got %d requests, want 1", got)
	}
}

func TestConnectionLostDuringRunningStopsOutputs(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)
	h.outputs.onRequest = func(id uint8, st logic.State) {
		if st == logic.StateRunning && id == 10 {
			h.seq.ConnectionLost("heartbeat failed")
		}
	}

	v, _ := h.seq.Run(context.Background())
	if v.Outcome != logic.OutcomeConnectionLost || v.Detail != "heartbeat failed" {
		t.Fatalf("verdict: %+v", v)
	}
	if len(h.outputs.stopped) != 1 {
		t.Error("outputs must be stopped when the session aborts mid-run")
	}
	if len(h.store.RunningIDs()) != 0 {
		t.Errorf("running flags left set: %v", h.store.RunningIDs())
	}
}

func TestOnlyOneSessionAtATime(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)
	var nested error
	h.outputs.onRequest = func(id uint8, _ logic.State) {
		if id == 0 && nested == nil {
			_, nested = h.seq.Run(context.Background())
			if !h.seq.Active() {
				t.Error("Active must be true during a session")
			}
			if cur := h.seq.Current(); cur == nil || cur.Channel != 0 || cur.Phase != PhaseReadIdle {
				t.Errorf("Current: got %+v", cur)
			}
		}
	}

	if _, err := h.seq.Run(context.Background()); err != nil {
		t.Fatalf("outer Run: %v", err)
	}
	if !errors.Is(nested, ErrSessionActive) {
		t.Errorf("nested Run: got %v, want ErrSessionActive", nested)
	}
	if h.seq.Active() {
		t.Error("Active after Run returned")
	}
}

func TestFreshCountersEachSession(t *testing.T) {
	calls := 0
	flaky := func(id uint8, st logic.State, attempt int) (int32, bool) {
		if id == 8 && st == logic.StateIdle {
			calls++
			if calls <= 4 {
				return 0, false
			}
		}
		return healthySecondary(id, st, attempt)
	}
	h := newHarness(t, DefaultConfig(), flaky, healthyPrimary)

	first, _ := h.seq.Run(context.Background())
	if first.Passed {
		t.Fatal("first session should miss channel 8")
	}
	second, _ := h.seq.Run(context.Background())
	if !second.Passed {
		t.Errorf("second session inherited stale state: %v", second.Buckets)
	}
}

func TestProgrammingPhase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FirmwarePath = "board.hex"
	h := newHarness(t, cfg, healthySecondary, healthyPrimary)
	prog := &firmware.FakeProgrammer{}
	h.seq.d.Programmer = prog

	v, _ := h.seq.Run(context.Background())
	if !v.Passed {
		t.Fatalf("verdict: %+v", v)
	}
	calls := prog.Calls()
	if len(calls) != 1 || calls[0] != (firmware.Call{Path: "board.hex", Verify: true, Reset: true}) {
		t.Errorf("programmer calls: %+v", calls)
	}
	if h.phases()[0] != PhaseProgramming {
		t.Errorf("first phase: got %s", h.phases()[0])
	}
	if h.clock.slept[0] != cfg.PostResetSettle {
		t.Errorf("post-reset settle: got %v", h.clock.slept[0])
	}
}

func TestProgrammingFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FirmwarePath = "board.hex"
	h := newHarness(t, cfg, healthySecondary, healthyPrimary)
	h.seq.d.Programmer = &firmware.FakeProgrammer{Err: firmware.ErrProgram}

	v, _ := h.seq.Run(context.Background())
	if v.Outcome != logic.OutcomeProgramFailed {
		t.Fatalf("outcome: got %s", v.Outcome)
	}
	if h.connector.calls != 0 {
		t.Error("connected after programming failed")
	}
}

func TestContextCancelled(t *testing.T) {
	h := newHarness(t, DefaultConfig(), healthySecondary, healthyPrimary)
	ctx, cancel := context.WithCancel(context.Background())
	h.outputs.onRequest = func(id uint8, _ logic.State) {
		if id == 5 {
			cancel()
		}
	}
	v, _ := h.seq.Run(ctx)
	if v.Outcome != logic.OutcomeCancelled {
		t.Errorf("outcome: got %s", v.Outcome)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSlowDebugStepping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowDebug = true
	h := newHarness(t, cfg, healthySecondary, healthyPrimary)
	dbg := h.seq.Debugger()

	done := make(chan logic.Verdict, 1)
	go func() {
		v, _ := h.seq.Run(context.Background())
		done <- v
	}()

	waitFor(t, "first pause", func() bool { return dbg.Waiting() && len(dbg.Steps()) == 1 })
	if !dbg.Enabled() || !dbg.Paused() {
		t.Error("slow-debug session should start paused")
	}

	dbg.Next()
	waitFor(t, "second pause", func() bool { return dbg.Waiting() && len(dbg.Steps()) == 2 })

	if s, ok := dbg.Previous(); !ok || s.Index != 0 || s.Channel != 0 {
		t.Errorf("Previous: got %+v, %v", s, ok)
	}
	if s, ok := dbg.Next(); !ok || s.Index != 1 || s.Channel != 1 {
		t.Errorf("Next while browsing: got %+v, %v", s, ok)
	}
	if len(dbg.Steps()) != 2 {
		t.Error("browsing history must not advance the sequencer")
	}
	s, _ := dbg.Selected()
	if s.After == nil || *s.After != 3300 || s.Before != nil {
		t.Errorf("before/after: %+v", s)
	}

	dbg.Resume()
	select {
	case v := <-done:
		if !v.Passed {
			t.Errorf("slow-debug must not change the verdict: %v", v.Buckets)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after Resume")
	}
}

func TestSlowDebugCancelReleasesWait(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SlowDebug = true
	h := newHarness(t, cfg, healthySecondary, healthyPrimary)

	done := make(chan logic.Verdict, 1)
	go func() {
		v, _ := h.seq.Run(context.Background())
		done <- v
	}()
	waitFor(t, "pause", func() bool { return h.seq.Debugger().Waiting() })
	h.seq.Cancel()

	select {
	case v := <-done:
		if v.Outcome != logic.OutcomeCancelled {
			t.Errorf("outcome: got %s", v.Outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not release the debugger wait")
	}
}
