package notify

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// Publisher publishes a payload to a subject. Satisfies plugin.Publisher.
type Publisher interface {
	Publish(subject string, payload []byte) error
	Close()
}

// NATSPublisher publishes to a live NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials url and returns a ready NATSPublisher.
func Connect(url string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("deviceorch"))
	if err != nil {
		return nil, fmt.Errorf("notify: connect to %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish sends payload on subject. A publish error is logged and
// returned to the caller.
func (p *NATSPublisher) Publish(subject string, payload []byte) error {
	if err := p.conn.Publish(subject, payload); err != nil {
		logger.Component("notify").Warn().Str("subject", subject).Err(err).Msg("publish failed")
		return err
	}
	return nil
}

// Close closes the underlying connection without draining it.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// NoopPublisher discards everything; used when no NATS_URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(string, []byte) error { return nil }
func (NoopPublisher) Close()                       {}
