package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials NATS with unlimited reconnects so a broker restart never
// ends a running measurement.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
}

// NATSPublisher publishes readings as JSON on a fixed subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and publishes on subject.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := Connect(url, "vitals-measure")
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, subject: subject}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, m Message) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close flushes pending readings and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
