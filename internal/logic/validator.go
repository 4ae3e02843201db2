package logic

// Snapshot is a read-only view of the most recent readings.
type Snapshot interface {
	Latest(dev Device, st State, id uint8) (Reading, bool)
}

// Thresholds supplies the limits the validator checks against.
type Thresholds interface {
	Get(dev Device, st State, id uint8) Range
	Power(rail Rail) int32
	Tolerance(t Tolerance) int32
}

// RailSets maps each supply rail to the Secondary channels that sit on it.
type RailSets map[Rail][]uint8

// CrossCheck pairs two Primary sensor channels that must agree within a tolerance.
type CrossCheck struct {
	Tolerance Tolerance
	A, B      uint8
}

// Validator evaluates range and power-anomaly rules. It holds no mutable state.
type Validator struct {
	th     Thresholds
	rails  RailSets
	checks []CrossCheck
}

// NewValidator creates a validator over the given thresholds and rail membership.
func NewValidator(th Thresholds, rails RailSets, checks []CrossCheck) *Validator {
	return &Validator{th: th, rails: rails, checks: checks}
}

// InRange reports whether value is inside the configured range for the channel.
func (v *Validator) InRange(dev Device, st State, id uint8, value int32) bool {
	return v.th.Get(dev, st, id).Contains(value)
}

// Anomaly3V3 is true iff every 3.3V rail channel has an idle reading below threshold.
func (v *Validator) Anomaly3V3(s Snapshot) bool {
	return v.railBelow(s, Rail3V3)
}

// AnomalyBody12V requires Anomaly3V3 first; a 12V fault is only reported once the
// 3.3V rail it feeds is already confirmed down.
func (v *Validator) AnomalyBody12V(s Snapshot) bool {
	if !v.Anomaly3V3(s) {
		return false
	}
	return v.railBelow(s, RailBody12V)
}

// AnomalyDoor24V checks the door 24V rail independently of the 3.3V chain.
func (v *Validator) AnomalyDoor24V(s Snapshot) bool {
	return v.railBelow(s, RailDoor24V)
}

// AnomalyDoor12V checks the door 12V rail independently of the 3.3V chain.
func (v *Validator) AnomalyDoor12V(s Snapshot) bool {
	return v.railBelow(s, RailDoor12V)
}

// Anomalies returns the rails whose anomaly predicate holds, most specific first.
// When the Body 12V anomaly holds the 3.3V anomaly is folded into it.
func (v *Validator) Anomalies(s Snapshot) []Rail {
	var out []Rail
	switch {
	case v.AnomalyBody12V(s):
		out = append(out, RailBody12V)
	case v.Anomaly3V3(s):
		out = append(out, Rail3V3)
	}
	if v.AnomalyDoor24V(s) {
		out = append(out, RailDoor24V)
	}
	if v.AnomalyDoor12V(s) {
		out = append(out, RailDoor12V)
	}
	return out
}

// CrossCheckFails reports whether a sensor pair disagrees by more than its tolerance.
// Missing data never fails a cross-check; the no-data bucket covers that.
func (v *Validator) CrossCheckFails(s Snapshot, c CrossCheck) bool {
	a, okA := s.Latest(DevicePrimary, StateIdle, c.A)
	b, okB := s.Latest(DevicePrimary, StateIdle, c.B)
	if !okA || !okB {
		return false
	}
	diff := int64(a.Value) - int64(b.Value)
	if diff < 0 {
		diff = -diff
	}
	return diff > int64(v.th.Tolerance(c.Tolerance))
}

func (v *Validator) railBelow(s Snapshot, rail Rail) bool {
	ids := v.rails[rail]
	if len(ids) == 0 {
		return false
	}
	limit := v.th.Power(rail)
	for _, id := range ids {
		r, ok := s.Latest(DeviceSecondary, StateIdle, id)
		if !ok || r.Value >= limit {
			return false
		}
	}
	return true
}
