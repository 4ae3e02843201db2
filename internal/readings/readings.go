// Package readings is the append-only store of channel readings shared by both devices.
//
// Each (device, state, channel) bucket has its own lock so the two transports can
// append concurrently. Readings are never mutated; only ClearAll removes them.
package readings

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/logic"
)

type key struct {
	dev logic.Device
	st  logic.State
	id  uint8
}

type bucket struct {
	mu    sync.Mutex
	items []logic.Reading
}

// Store holds reading history and the per-channel running flags.
type Store struct {
	now func() time.Time

	mu      sync.RWMutex
	buckets map[key]*bucket
	running map[uint8]bool
}

// New creates an empty store. now stamps readings recorded without a timestamp.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		buckets: make(map[key]*bucket),
		running: make(map[uint8]bool),
	}
}

// Record appends a reading stamped with the store clock.
func (s *Store) Record(dev logic.Device, id uint8, value int32) logic.Reading {
	return s.RecordAt(dev, id, value, s.now())
}

// RecordAt appends a reading with an explicit timestamp. The state bucket is picked
// from the channel's running flag on the Secondary device; Primary readings are Idle.
func (s *Store) RecordAt(dev logic.Device, id uint8, value int32, ts time.Time) logic.Reading {
	st := s.StateFor(dev, id)
	r := logic.Reading{Device: dev, Channel: id, Value: value, State: st, Timestamp: ts}

	b := s.bucket(key{dev, st, id}, true)
	b.mu.Lock()
	b.items = append(b.items, r)
	b.mu.Unlock()
	return r
}

func (s *Store) bucket(k key, create bool) *bucket {
	s.mu.RLock()
	b := s.buckets[k]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buckets[k]; b == nil {
		b = &bucket{}
		s.buckets[k] = b
	}
	return b
}

// Latest returns the most recent reading for a channel.
func (s *Store) Latest(dev logic.Device, st logic.State, id uint8) (logic.Reading, bool) {
	b := s.bucket(key{dev, st, id}, false)
	if b == nil {
		return logic.Reading{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return logic.Reading{}, false
	}
	return b.items[len(b.items)-1], true
}

// First returns the oldest reading for a channel.
func (s *Store) First(dev logic.Device, st logic.State, id uint8) (logic.Reading, bool) {
	b := s.bucket(key{dev, st, id}, false)
	if b == nil {
		return logic.Reading{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return logic.Reading{}, false
	}
	return b.items[0], true
}

// History returns a copy of a channel's readings in arrival order.
func (s *Store) History(dev logic.Device, st logic.State, id uint8) []logic.Reading {
	b := s.bucket(key{dev, st, id}, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]logic.Reading(nil), b.items...)
}

// Count returns the number of readings held for a channel.
func (s *Store) Count(dev logic.Device, st logic.State, id uint8) int {
	b := s.bucket(key{dev, st, id}, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// ClearAll drops every reading. Running flags are kept.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.buckets = make(map[key]*bucket)
	s.mu.Unlock()
}

// Start marks channels as running. Only the explicit start path calls this.
func (s *Store) Start(ids []uint8) {
	s.mu.Lock()
	for _, id := range ids {
		s.running[id] = true
	}
	s.mu.Unlock()
}

// Stop marks channels as idle.
func (s *Store) Stop(ids []uint8) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.running, id)
	}
	s.mu.Unlock()
}

// StopAll marks every channel idle.
func (s *Store) StopAll() {
	s.mu.Lock()
	s.running = make(map[uint8]bool)
	s.mu.Unlock()
}

// StateFor returns the bucket a new reading for the channel would land in.
func (s *Store) StateFor(dev logic.Device, id uint8) logic.State {
	if dev == logic.DeviceSecondary && s.Running(id) {
		return logic.StateRunning
	}
	return logic.StateIdle
}

// Running reports a channel's running flag.
func (s *Store) Running(id uint8) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[id]
}

// RunningIDs returns the running channels in ascending order.
func (s *Store) RunningIDs() []uint8 {
	s.mu.RLock()
	ids := make([]uint8, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Since captures the latest reading per channel among those stamped at or after t.
// The result is an immutable logic.Snapshot, so judging never sees readings from
// an earlier session.
func (s *Store) Since(t time.Time) *Snapshot {
	s.mu.RLock()
	buckets := make(map[key]*bucket, len(s.buckets))
	for k, b := range s.buckets {
		buckets[k] = b
	}
	s.mu.RUnlock()

	latest := make(map[key]logic.Reading)
	for k, b := range buckets {
		b.mu.Lock()
		for i := len(b.items) - 1; i >= 0; i-- {
			if !b.items[i].Timestamp.Before(t) {
				latest[k] = b.items[i]
				break
			}
		}
		b.mu.Unlock()
	}
	return &Snapshot{latest: latest}
}

// Snapshot is a frozen view of the latest readings.
type Snapshot struct {
	latest map[key]logic.Reading
}

// Latest implements logic.Snapshot.
func (s *Snapshot) Latest(dev logic.Device, st logic.State, id uint8) (logic.Reading, bool) {
	r, ok := s.latest[key{dev, st, id}]
	return r, ok
}

// Len returns the number of channels with a reading.
func (s *Snapshot) Len() int { return len(s.latest) }
