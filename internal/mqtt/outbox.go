package mqtt

import "github.com/sweeney/eol-tester/internal/logger"

// pending is a serialized message waiting for the broker.
type pending struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m pending) isVerdict() bool { return m.topic == TopicVerdicts }

// outbox holds messages published while the broker is unreachable, oldest first.
//
// A retained message replaces any earlier retained message on the same topic, since
// the broker would only keep the last one anyway. When full, the oldest non-verdict
// message is evicted first; verdicts go only when nothing else is left.
// Not safe for concurrent use; caller must synchronize.
type outbox struct {
	msgs     []pending
	capacity int
	overflow bool // a message was evicted since the last take
	log      *logger.Logger
}

func newOutbox(capacity int, log *logger.Logger) *outbox {
	if log == nil {
		log = logger.Nop()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &outbox{msgs: make([]pending, 0, capacity), capacity: capacity, log: log}
}

func (o *outbox) add(m pending) {
	if m.retained {
		for i, old := range o.msgs {
			if old.retained && old.topic == m.topic {
				o.remove(i)
				break
			}
		}
	}
	if len(o.msgs) == o.capacity {
		victim := 0
		for i, old := range o.msgs {
			if !old.isVerdict() {
				victim = i
				break
			}
		}
		if !o.overflow {
			o.log.Warnw("mqtt outbox full, evicting", "capacity", o.capacity, "topic", o.msgs[victim].topic)
			o.overflow = true
		}
		o.remove(victim)
	}
	o.msgs = append(o.msgs, m)
}

func (o *outbox) remove(i int) {
	copy(o.msgs[i:], o.msgs[i+1:])
	o.msgs = o.msgs[:len(o.msgs)-1]
}

// take returns every queued message in publish order and empties the outbox.
func (o *outbox) take() []pending {
	if len(o.msgs) == 0 {
		return nil
	}
	out := make([]pending, len(o.msgs))
	copy(out, o.msgs)
	o.msgs = o.msgs[:0]
	o.overflow = false
	return out
}

func (o *outbox) len() int { return len(o.msgs) }

