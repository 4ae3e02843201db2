package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
)

// DefaultOutboxSize is how many messages are kept while the broker is unreachable.
const DefaultOutboxSize = 100

var errPublishTimeout = errors.New("publish timeout")

// RealPublisher publishes to an actual MQTT broker. Messages published while the
// connection is down wait in an outbox and are replayed, oldest first, on reconnect.
type RealPublisher struct {
	client paho.Client
	log    *logger.Logger

	mu        sync.Mutex
	outbox    *outbox
	connected bool
	everUp    bool
}

// NewRealPublisher creates a publisher for the given broker. The connection is retried
// in the background; publishing before it comes up fills the buffer.
func NewRealPublisher(broker, clientID string, log *logger.Logger) (*RealPublisher, error) {
	if log == nil {
		log = logger.Nop()
	}
	if clientID == "" {
		clientID = "eol-tester"
	}
	p := &RealPublisher{log: log.Named("mqtt"), outbox: newOutbox(DefaultOutboxSize, log)}

	will, err := FormatSystemPayload(SystemEvent{
		Timestamp: time.Now(),
		Event:     EventShutdown,
		Reason:    "MQTT_DISCONNECT",
	})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(TopicSystem, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		p.log.Warnw("broker not reachable yet, queueing", "broker", broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	reconnect := p.everUp
	p.everUp = true
	queued := p.outbox.take()
	p.mu.Unlock()

	p.log.Infow("connected to broker", "replay", len(queued))
	for _, m := range queued {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if reconnect {
		payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		if err == nil {
			c.Publish(TopicSystem, 1, false, payload)
		}
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.log.Warnw("broker connection lost", "err", err)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.outbox.add(pending{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errPublishTimeout
	}
	return token.Error()
}

// PublishVerdict sends a verdict to the MQTT broker.
func (p *RealPublisher) PublishVerdict(v logic.Verdict) error {
	payload, err := FormatVerdictPayload(v)
	if err != nil {
		return fmt.Errorf("format verdict payload: %w", err)
	}

	// QoS 1: a verdict is a production record
	if err := p.publish(TopicVerdicts, 1, false, payload); err != nil {
		return fmt.Errorf("publish verdict: %w", err)
	}
	return nil
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	if err := p.publish(TopicSystem, 1, event.Retained, payload); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
