package publish

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher publishes readings to a per-session topic.
type MQTTPublisher struct {
	Client mqtt.Client

	topic string // "%s" is replaced with the session ID
	qos   byte

	mu        sync.RWMutex
	connected bool
}

// MQTTOptions configures an MQTTPublisher.
type MQTTOptions struct {
	Broker   string // host:port or a full URL
	ClientID string
	Topic    string
	QoS      byte
}

// NewMQTTPublisher connects to the broker and waits up to five seconds for the session.
func NewMQTTPublisher(o MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{topic: o.Topic, qos: o.QoS}

	broker := o.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(c mqtt.Client) { p.setConnected(true) }
	opts.OnConnectionLost = func(c mqtt.Client, err error) { p.setConnected(false) }

	p.Client = mqtt.NewClient(opts)
	token := p.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return p, nil
}

// Topic returns the topic a session's readings are published on.
func (p *MQTTPublisher) Topic(session string) string {
	return TopicFor(p.topic, session)
}

// TopicFor expands a topic template for a session.
func TopicFor(template, session string) string {
	return strings.ReplaceAll(template, "%s", session)
}

// Publish implements Publisher.
func (p *MQTTPublisher) Publish(ctx context.Context, m Message) error {
	if !p.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := m.Encode()
	if err != nil {
		return err
	}

	token := p.Client.Publish(p.Topic(m.Session), p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.Client != nil && p.Client.IsConnected() {
		p.Client.Disconnect(250) // 250ms grace period
	}
	p.setConnected(false)
	return nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}
