package sequencer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/readings"
)

// Quick-read pacing.
const (
	DefaultQuickSpacing  = 300 * time.Millisecond
	DefaultQuickRetryGap = 100 * time.Millisecond
	DefaultQuickRetries  = 3
)

// QuickResult is the outcome for one channel of a batch quick-read.
type QuickResult struct {
	Channel uint8  `json:"channel"`
	Label   string `json:"label"`
	Got     bool   `json:"got"`
	Value   int32  `json:"value,omitempty"`
	Tries   int    `json:"tries"`
}

// QuickReader reads a list of channels back to back outside a detection session.
type QuickReader struct {
	Spacing  time.Duration
	RetryGap time.Duration
	Retries  int

	store *readings.Store
	label func(logic.Device, uint8) string
	sleep SleepFunc
	log   *logger.Logger

	active    atomic.Bool
	cancelled atomic.Bool
}

// NewQuickReader creates a quick reader with the default pacing.
func NewQuickReader(store *readings.Store, label func(logic.Device, uint8) string, sleep SleepFunc, log *logger.Logger) *QuickReader {
	if sleep == nil {
		sleep = Sleep
	}
	if log == nil {
		log = logger.Nop()
	}
	return &QuickReader{
		Spacing:  DefaultQuickSpacing,
		RetryGap: DefaultQuickRetryGap,
		Retries:  DefaultQuickRetries,
		store:    store,
		label:    label,
		sleep:    sleep,
		log:      log,
	}
}

// Active reports whether a batch is running.
func (q *QuickReader) Active() bool { return q.active.Load() }

// Cancel stops the running batch after the current wait.
func (q *QuickReader) Cancel() bool {
	if !q.active.Load() {
		return false
	}
	q.cancelled.Store(true)
	return true
}

// Run requests each channel in order, waiting Spacing after each request. With retry
// set, a channel that has not answered is re-requested up to Retries times, RetryGap
// apart. Results cover the channels attempted before a cancel.
func (q *QuickReader) Run(ctx context.Context, dev logic.Device, ids []uint8, r Reader, retry bool) ([]QuickResult, error) {
	if !q.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	defer q.active.Store(false)
	q.cancelled.Store(false)

	results := make([]QuickResult, 0, len(ids))
	for _, id := range ids {
		if q.cancelled.Load() {
			q.log.Infow("quick read cancelled", "done", len(results), "total", len(ids))
			return results, nil
		}
		st := q.store.StateFor(dev, id)
		before := q.store.Count(dev, st, id)
		res := QuickResult{Channel: id, Label: q.label(dev, id)}

		res.Tries++
		if err := r.RequestRead(id); err != nil {
			q.log.Debugw("quick read request failed", "channel", id, "err", err)
		}
		if err := q.sleep(ctx, q.Spacing); err != nil {
			return results, err
		}
		for retry && q.store.Count(dev, st, id) <= before && res.Tries <= q.Retries && !q.cancelled.Load() {
			res.Tries++
			if err := r.RequestRead(id); err != nil {
				q.log.Debugw("quick read request failed", "channel", id, "err", err)
			}
			if err := q.sleep(ctx, q.RetryGap); err != nil {
				return results, err
			}
		}

		if latest, ok := q.store.Latest(dev, st, id); ok && q.store.Count(dev, st, id) > before {
			res.Got = true
			res.Value = latest.Value
		}
		results = append(results, res)
	}
	return results, nil
}
