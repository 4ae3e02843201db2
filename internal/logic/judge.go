package logic

// Plan lists the channels each measurement phase covered.
type Plan struct {
	IdleChannels    []uint8 // Secondary, idle
	RunningChannels []uint8 // Secondary, running; empty when outputs were not driven
	SensorChannels  []uint8 // Primary, idle
}

// Miss records a channel that produced no reading within its retry budget.
type Miss struct {
	Device  Device
	State   State
	Channel uint8
}

// LabelFunc renders a channel for display in a verdict bucket.
type LabelFunc func(dev Device, id uint8) string

// Judge buckets every issue into exactly one category. A channel on a faulty rail is
// reported once, under the rail's anomaly, and nothing else is reported for it.
// Otherwise idle and running issues of a channel are judged separately: missing data
// first, then range failures, then sensor cross-checks for pairs with no other issue.
func (v *Validator) Judge(s Snapshot, plan Plan, misses []Miss, label LabelFunc) map[Category][]string {
	buckets := make(map[Category][]string)
	railed := make(map[ChannelRef]bool)
	issues := make(map[Miss]bool)
	listed := make(map[Category]map[ChannelRef]bool)

	list := func(cat Category, ref ChannelRef) {
		if listed[cat] == nil {
			listed[cat] = make(map[ChannelRef]bool)
		}
		if listed[cat][ref] {
			return
		}
		listed[cat][ref] = true
		buckets[cat] = append(buckets[cat], label(ref.Device, ref.Channel))
	}
	claimRail := func(cat Category, id uint8) {
		ref := ChannelRef{DeviceSecondary, id}
		if railed[ref] {
			return
		}
		railed[ref] = true
		list(cat, ref)
	}
	claim := func(cat Category, m Miss) {
		ref := ChannelRef{m.Device, m.Channel}
		if railed[ref] || issues[m] {
			return
		}
		issues[m] = true
		list(cat, ref)
	}

	for _, rail := range v.Anomalies(s) {
		cat := anomalyCategory(rail)
		if rail == RailBody12V {
			for _, id := range v.rails[Rail3V3] {
				claimRail(cat, id)
			}
		}
		for _, id := range v.rails[rail] {
			claimRail(cat, id)
		}
	}

	for _, m := range misses {
		claim(CategoryNoData, m)
	}

	check := func(cat Category, dev Device, st State, ids []uint8) {
		for _, id := range ids {
			m := Miss{dev, st, id}
			if issues[m] {
				continue
			}
			r, ok := s.Latest(dev, st, id)
			if !ok {
				claim(CategoryNoData, m)
				continue
			}
			if !v.InRange(dev, st, id, r.Value) {
				claim(cat, m)
			}
		}
	}
	check(CategoryIdleRange, DeviceSecondary, StateIdle, plan.IdleChannels)
	check(CategoryRunningRange, DeviceSecondary, StateRunning, plan.RunningChannels)
	check(CategorySensorRange, DevicePrimary, StateIdle, plan.SensorChannels)

	for _, c := range v.checks {
		a := Miss{DevicePrimary, StateIdle, c.A}
		b := Miss{DevicePrimary, StateIdle, c.B}
		if issues[a] || issues[b] {
			continue
		}
		if v.CrossCheckFails(s, c) {
			claim(CategorySensorCross, a)
			claim(CategorySensorCross, b)
		}
	}

	return buckets
}

func anomalyCategory(rail Rail) Category {
	switch rail {
	case Rail3V3:
		return CategoryAnomaly3V3
	case RailBody12V:
		return CategoryAnomalyBody12V
	case RailDoor24V:
		return CategoryAnomalyDoor24V
	default:
		return CategoryAnomalyDoor12V
	}
}
