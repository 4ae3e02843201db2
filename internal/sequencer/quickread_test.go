package sequencer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/readings"
)

func label(dev logic.Device, id uint8) string { return string(dev) + "-" + string('A'+rune(id)) }

func TestQuickReadAllAnswer(t *testing.T) {
	clk := newFakeClock()
	store := readings.New(clk.Now)
	board := newFakeBoard(logic.DevicePrimary, store, func(id uint8, _ logic.State, _ int) (int32, bool) {
		return int32(id) * 10, true
	})
	q := NewQuickReader(store, label, clk.Sleep, nil)

	res, err := q.Run(context.Background(), logic.DevicePrimary, []uint8{0, 1, 2}, board, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("results: %+v", res)
	}
	for i, r := range res {
		if !r.Got || r.Value != int32(i)*10 || r.Tries != 1 {
			t.Errorf("result %d: %+v", i, r)
		}
	}
	if res[1].Label != "primary-B" {
		t.Errorf("label: %q", res[1].Label)
	}
	if len(clk.slept) != 3 || clk.slept[0] != DefaultQuickSpacing {
		t.Errorf("spacing: %v", clk.slept)
	}
}

func TestQuickReadRetries(t *testing.T) {
	clk := newFakeClock()
	store := readings.New(clk.Now)
	board := newFakeBoard(logic.DeviceSecondary, store, func(id uint8, _ logic.State, attempt int) (int32, bool) {
		switch id {
		case 0:
			return 5, attempt >= 3
		case 1:
			return 0, false
		}
		return 7, true
	})
	q := NewQuickReader(store, label, clk.Sleep, nil)

	res, _ := q.Run(context.Background(), logic.DeviceSecondary, []uint8{0, 1, 2}, board, true)
	if !res[0].Got || res[0].Tries != 3 {
		t.Errorf("late channel: %+v", res[0])
	}
	if res[1].Got || res[1].Tries != 1+DefaultQuickRetries {
		t.Errorf("silent channel: %+v", res[1])
	}
	if !res[2].Got || res[2].Tries != 1 {
		t.Errorf("healthy channel: %+v", res[2])
	}

	var gaps int
	for _, d := range clk.slept {
		if d == DefaultQuickRetryGap {
			gaps++
		}
	}
	if gaps != 2+DefaultQuickRetries {
		t.Errorf("retry gaps: got %d", gaps)
	}
}

func TestQuickReadWithoutRetry(t *testing.T) {
	clk := newFakeClock()
	store := readings.New(clk.Now)
	board := newFakeBoard(logic.DeviceSecondary, store, func(uint8, logic.State, int) (int32, bool) { return 0, false })
	q := NewQuickReader(store, label, clk.Sleep, nil)

	res, _ := q.Run(context.Background(), logic.DeviceSecondary, []uint8{4}, board, false)
	if res[0].Got || res[0].Tries != 1 || board.Requests(4) != 1 {
		t.Errorf("got %+v with %d requests", res[0], board.Requests(4))
	}
}

func TestQuickReadCancel(t *testing.T) {
	clk := newFakeClock()
	store := readings.New(clk.Now)
	var q *QuickReader
	board := newFakeBoard(logic.DevicePrimary, store, func(uint8, logic.State, int) (int32, bool) { return 1, true })
	board.onRequest = func(id uint8, _ logic.State) {
		if id == 1 {
			if !q.Active() || !q.Cancel() {
				t.Error("Cancel during a batch should succeed")
			}
		}
	}
	q = NewQuickReader(store, label, clk.Sleep, nil)

	res, err := q.Run(context.Background(), logic.DevicePrimary, []uint8{0, 1, 2, 3}, board, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 || board.Requests(2) != 0 {
		t.Errorf("results after cancel: %+v", res)
	}
	if q.Cancel() {
		t.Error("Cancel with no batch should return false")
	}
}

func TestQuickReadOneAtATime(t *testing.T) {
	clk := newFakeClock()
	store := readings.New(clk.Now)
	var q *QuickReader
	var nested error
	board := newFakeBoard(logic.DevicePrimary, store, func(uint8, logic.State, int) (int32, bool) { return 1, true })
	board.onRequest = func(uint8, logic.State) {
		if nested == nil {
			_, nested = q.Run(context.Background(), logic.DevicePrimary, []uint8{0}, board, false)
		}
	}
	q = NewQuickReader(store, label, clk.Sleep, nil)

	if _, err := q.Run(context.Background(), logic.DevicePrimary, []uint8{0}, board, false); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(nested, ErrSessionActive) {
		t.Errorf("nested: got %v", nested)
	}
}

func TestQuickReadContextCancelled(t *testing.T) {
	store := readings.New(nil)
	board := newFakeBoard(logic.DevicePrimary, store, func(uint8, logic.State, int) (int32, bool) { return 1, true })
	q := NewQuickReader(store, label, nil, nil)
	q.Spacing = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Run(ctx, logic.DevicePrimary, []uint8{0}, board, false); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}
