package readings

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestRecordPicksStateFromRunningFlag(t *testing.T) {
	s := New(func() time.Time { return t0 })

	s.Record(logic.DeviceSecondary, 9, 50)
	s.Start([]uint8{9})
	s.Record(logic.DeviceSecondary, 9, 1200)
	s.Stop([]uint8{9})
	s.Record(logic.DeviceSecondary, 9, 60)

	if got := s.Count(logic.DeviceSecondary, logic.StateIdle, 9); got != 2 {
		t.Errorf("idle count: got %d, want 2", got)
	}
	if got := s.Count(logic.DeviceSecondary, logic.StateRunning, 9); got != 1 {
		t.Errorf("running count: got %d, want 1", got)
	}
	r, _ := s.Latest(logic.DeviceSecondary, logic.StateRunning, 9)
	if r.Value != 1200 || r.State != logic.StateRunning {
		t.Errorf("running reading: got %+v", r)
	}
}

func TestPrimaryAlwaysIdle(t *testing.T) {
	s := New(nil)
	s.Start([]uint8{3})
	r := s.Record(logic.DevicePrimary, 3, 400)
	if r.State != logic.StateIdle {
		t.Errorf("primary state: got %s, want idle", r.State)
	}
}

func TestLatestFirstHistory(t *testing.T) {
	s := New(nil)
	for i, v := range []int32{10, 20, 30} {
		s.RecordAt(logic.DevicePrimary, 0, v, t0.Add(time.Duration(i)*time.Second))
	}

	first, ok := s.First(logic.DevicePrimary, logic.StateIdle, 0)
	if !ok || first.Value != 10 {
		t.Errorf("First: got %+v, %v", first, ok)
	}
	last, ok := s.Latest(logic.DevicePrimary, logic.StateIdle, 0)
	if !ok || last.Value != 30 {
		t.Errorf("Latest: got %+v, %v", last, ok)
	}

	h := s.History(logic.DevicePrimary, logic.StateIdle, 0)
	if len(h) != 3 {
		t.Fatalf("History length: got %d", len(h))
	}
	h[0].Value = 999
	if again, _ := s.First(logic.DevicePrimary, logic.StateIdle, 0); again.Value != 10 {
		t.Error("History must return a copy")
	}

	if _, ok := s.Latest(logic.DevicePrimary, logic.StateIdle, 1); ok {
		t.Error("expected no reading for empty channel")
	}
}

func TestClearAllKeepsRunningFlags(t *testing.T) {
	s := New(nil)
	s.Start([]uint8{4, 2})
	s.Record(logic.DeviceSecondary, 4, 800)
	s.ClearAll()

	if s.Count(logic.DeviceSecondary, logic.StateRunning, 4) != 0 {
		t.Error("readings survived ClearAll")
	}
	ids := s.RunningIDs()
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 4 {
		t.Errorf("RunningIDs: got %v, want [2 4]", ids)
	}
}

func TestStopAll(t *testing.T) {
	s := New(nil)
	s.Start([]uint8{4, 2, 17})
	s.StopAll()
	if ids := s.RunningIDs(); len(ids) != 0 {
		t.Errorf("RunningIDs after StopAll: %v", ids)
	}
	if r := s.Record(logic.DeviceSecondary, 4, 50); r.State != logic.StateIdle {
		t.Errorf("state: got %s", r.State)
	}
}

func TestSinceIgnoresOlderReadings(t *testing.T) {
	s := New(nil)
	s.RecordAt(logic.DeviceSecondary, 0, 3300, t0)
	s.RecordAt(logic.DeviceSecondary, 1, 3300, t0)
	s.RecordAt(logic.DeviceSecondary, 0, 100, t0.Add(time.Minute))

	snap := s.Since(t0.Add(30 * time.Second))
	if r, ok := snap.Latest(logic.DeviceSecondary, logic.StateIdle, 0); !ok || r.Value != 100 {
		t.Errorf("channel 0: got %+v, %v", r, ok)
	}
	if _, ok := snap.Latest(logic.DeviceSecondary, logic.StateIdle, 1); ok {
		t.Error("channel 1 reading predates the cutoff")
	}
	if snap.Len() != 1 {
		t.Errorf("Len: got %d, want 1", snap.Len())
	}

	// Later readings do not leak into an existing snapshot.
	s.RecordAt(logic.DeviceSecondary, 1, 42, t0.Add(2*time.Minute))
	if _, ok := snap.Latest(logic.DeviceSecondary, logic.StateIdle, 1); ok {
		t.Error("snapshot changed after capture")
	}
}

func TestConcurrentProducers(t *testing.T) {
	s := New(nil)
	var wg sync.WaitGroup
	for _, dev := range logic.Devices {
		wg.Add(1)
		go func(dev logic.Device) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s.Record(dev, uint8(i%4), int32(i))
			}
		}(dev)
	}
	wg.Wait()

	for _, dev := range logic.Devices {
		total := 0
		for id := uint8(0); id < 4; id++ {
			total += s.Count(dev, logic.StateIdle, id)
		}
		if total != 500 {
			t.Errorf("%s: got %d readings, want 500", dev, total)
		}
	}
}
