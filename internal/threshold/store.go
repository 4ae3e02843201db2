// Package threshold stores the per-channel limits and scalar thresholds used to judge a
// fixture run. Compiled-in defaults are authoritative; persisted overrides win on Load.
package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/kv"
	"github.com/sweeney/eol-tester/internal/logic"
)

// ErrInvalidRange is returned when a range has min > max.
var ErrInvalidRange = logic.ErrInvalidRange

// ErrUnknownChannel is returned when an id is not part of the device's table.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrInvalidTolerance is returned for a negative tolerance.
var ErrInvalidTolerance = errors.New("invalid tolerance: must be >= 0")

// Persistence keys.
const (
	keyPower     = "thresholds.power"
	keyTolerance = "thresholds.tolerance"
)

func rangeKey(dev logic.Device, st logic.State) string {
	return fmt.Sprintf("thresholds.%s.%s", dev, st)
}

// ChangeKind describes what a mutation touched.
type ChangeKind string

const (
	ChangeRange     ChangeKind = "range"
	ChangePower     ChangeKind = "power"
	ChangeTolerance ChangeKind = "tolerance"
	ChangeReset     ChangeKind = "reset"
)

// Change is delivered to observers after a mutation has been persisted.
type Change struct {
	Kind   ChangeKind
	Device logic.Device
	State  logic.State
	IDs    []uint8
}

type bucket struct {
	dev logic.Device
	st  logic.State
}

// Store holds threshold overrides on top of compiled-in defaults.
type Store struct {
	backend kv.Store
	reg     *channel.Registry
	rails   map[uint8]logic.Rail
	timeout time.Duration

	mu        sync.RWMutex
	ranges    map[bucket]map[uint8]logic.Range
	power     map[logic.Rail]int32
	tolerance map[logic.Tolerance]int32
	observers []func(Change)
}

// NewStore creates a store for the registry's channels, persisting through backend.
func NewStore(backend kv.Store, reg *channel.Registry) *Store {
	rails := make(map[uint8]logic.Rail)
	for rail, ids := range reg.Rails() {
		for _, id := range ids {
			rails[id] = rail
		}
	}
	return &Store{
		backend:   backend,
		reg:       reg,
		rails:     rails,
		timeout:   2 * time.Second,
		ranges:    make(map[bucket]map[uint8]logic.Range),
		power:     make(map[logic.Rail]int32),
		tolerance: make(map[logic.Tolerance]int32),
	}
}

// Subscribe registers fn to be called synchronously after every persisted change.
func (s *Store) Subscribe(fn func(Change)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Load replaces in-memory overrides with whatever the backend holds.
// Persisted ranges that fail validation are skipped.
func (s *Store) Load(ctx context.Context) error {
	ranges := make(map[bucket]map[uint8]logic.Range)
	for _, dev := range logic.Devices {
		for _, st := range logic.States {
			raw, err := s.backend.GetString(ctx, rangeKey(dev, st))
			if err != nil {
				return fmt.Errorf("load %s/%s ranges: %w", dev, st, err)
			}
			m, err := decodeRanges(raw)
			if err != nil {
				return fmt.Errorf("decode %s/%s ranges: %w", dev, st, err)
			}
			if len(m) > 0 {
				ranges[bucket{dev, st}] = m
			}
		}
	}

	power := make(map[logic.Rail]int32)
	if err := s.loadScalars(ctx, keyPower, &power); err != nil {
		return err
	}
	tolerance := make(map[logic.Tolerance]int32)
	if err := s.loadScalars(ctx, keyTolerance, &tolerance); err != nil {
		return err
	}

	s.mu.Lock()
	s.ranges = ranges
	s.power = power
	s.tolerance = tolerance
	s.mu.Unlock()
	return nil
}

func (s *Store) loadScalars(ctx context.Context, key string, into any) error {
	raw, err := s.backend.GetString(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), into); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Get returns the range for a channel, falling back to the compiled default.
func (s *Store) Get(dev logic.Device, st logic.State, id uint8) logic.Range {
	s.mu.RLock()
	r, ok := s.ranges[bucket{dev, st}][id]
	s.mu.RUnlock()
	if ok {
		return r
	}
	return defaultRange(s.reg, s.rails, dev, st, id)
}

// Set overrides the range of one channel.
func (s *Store) Set(dev logic.Device, st logic.State, id uint8, r logic.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !s.known(dev, id) {
		return fmt.Errorf("%w: %s #%d", ErrUnknownChannel, dev, id)
	}
	return s.applyRanges(dev, st, []uint8{id}, r)
}

// SetAll applies one range to every channel of a device/state bucket.
func (s *Store) SetAll(dev logic.Device, st logic.State, r logic.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.applyRanges(dev, st, s.reg.IDs(dev), r)
}

func (s *Store) applyRanges(dev logic.Device, st logic.State, ids []uint8, r logic.Range) error {
	b := bucket{dev, st}

	s.mu.Lock()
	next := make(map[uint8]logic.Range, len(s.ranges[b])+len(ids))
	for k, v := range s.ranges[b] {
		next[k] = v
	}
	for _, id := range ids {
		next[id] = r
	}
	if err := s.persist(rangeKey(dev, st), encodeRanges(next)); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ranges[b] = next
	observers := s.observers
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangeRange, Device: dev, State: st, IDs: ids})
	return nil
}

// Power returns the anomaly threshold for a rail.
func (s *Store) Power(rail logic.Rail) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.power[rail]; ok {
		return v
	}
	return defaultPower[rail]
}

// SetPower overrides the anomaly threshold for a rail.
func (s *Store) SetPower(rail logic.Rail, v int32) error {
	s.mu.Lock()
	next := make(map[logic.Rail]int32, len(s.power)+1)
	for k, val := range s.power {
		next[k] = val
	}
	next[rail] = v
	if err := s.persistJSON(keyPower, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.power = next
	observers := s.observers
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangePower})
	return nil
}

// Tolerance returns a difference tolerance.
func (s *Store) Tolerance(t logic.Tolerance) int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.tolerance[t]; ok {
		return v
	}
	return defaultTolerance[t]
}

// SetTolerance overrides a difference tolerance.
func (s *Store) SetTolerance(t logic.Tolerance, v int32) error {
	if v < 0 {
		return ErrInvalidTolerance
	}
	s.mu.Lock()
	next := make(map[logic.Tolerance]int32, len(s.tolerance)+1)
	for k, val := range s.tolerance {
		next[k] = val
	}
	next[t] = v
	if err := s.persistJSON(keyTolerance, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.tolerance = next
	observers := s.observers
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangeTolerance})
	return nil
}

// ResetToDefaults clears every persisted override.
func (s *Store) ResetToDefaults() error {
	s.mu.Lock()
	keys := []string{keyPower, keyTolerance}
	for _, dev := range logic.Devices {
		for _, st := range logic.States {
			keys = append(keys, rangeKey(dev, st))
		}
	}
	for _, k := range keys {
		if err := s.persist(k, ""); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.ranges = make(map[bucket]map[uint8]logic.Range)
	s.power = make(map[logic.Rail]int32)
	s.tolerance = make(map[logic.Tolerance]int32)
	observers := s.observers
	s.mu.Unlock()

	notify(observers, Change{Kind: ChangeReset})
	return nil
}

// Overrides returns a copy of the persisted ranges for one bucket.
func (s *Store) Overrides(dev logic.Device, st logic.State) map[uint8]logic.Range {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uint8]logic.Range, len(s.ranges[bucket{dev, st}]))
	for k, v := range s.ranges[bucket{dev, st}] {
		out[k] = v
	}
	return out
}

func (s *Store) known(dev logic.Device, id uint8) bool {
	for _, k := range s.reg.IDs(dev) {
		if k == id {
			return true
		}
	}
	return false
}

func (s *Store) persist(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.backend.SetString(ctx, key, value); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (s *Store) persistJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.persist(key, string(b))
}

func notify(observers []func(Change), c Change) {
	for _, fn := range observers {
		fn(c)
	}
}

// encodeRanges renders a range map as {"<id>":{"min":..,"max":..}}.
func encodeRanges(m map[uint8]logic.Range) string {
	out := make(map[string]logic.Range, len(m))
	for id, r := range m {
		out[strconv.Itoa(int(id))] = r
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func decodeRanges(raw string) (map[uint8]logic.Range, error) {
	if raw == "" {
		return nil, nil
	}
	var in map[string]logic.Range
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, err
	}
	out := make(map[uint8]logic.Range, len(in))
	for k, r := range in {
		id, err := strconv.ParseUint(k, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("channel key %q: %w", k, err)
		}
		if r.Validate() != nil {
			continue
		}
		out[uint8(id)] = r
	}
	return out, nil
}
