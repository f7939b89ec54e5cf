package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix is the root of the event subject hierarchy. A login
// failure goes out on "gatehouse.security.login_failure" and consumers
// subscribe with "gatehouse.security.>".
const subjectPrefix = "gatehouse.security."

// SubjectAll is the wildcard subscription matching every security event.
const SubjectAll = subjectPrefix + ">"

// NATSPublisher publishes events as JSON on per-type NATS subjects.
type NATSPublisher struct {
	nc *nats.Conn
}

var _ Publisher = (*NATSPublisher)(nil)

// ConnectNATS dials the broker and returns a publisher over the
// connection. The connection reconnects indefinitely; events published
// while disconnected are buffered by the client.
func ConnectNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatehouse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps
// ownership of the connection unless Close is used.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := p.nc.Publish(subjectFor(e.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes buffered events and drops the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	_ = p.nc.Drain()
}

func subjectFor(t Type) string {
	return subjectPrefix + string(t)
}
