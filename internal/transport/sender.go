package transport

import (
	"time"

	"GoISG/internal/engine/events"
	"GoISG/internal/errors"

	"github.com/nats-io/nats.go"
)

// DefaultEventTimeout bounds how long the engine waits for a listener to take an event.
const DefaultEventTimeout = 2 * time.Second

// EventSender delivers the events of one namespace. Each event is a request the
// listener acknowledges, so a listener without a subscription is detected.
type EventSender struct {
	nc      *nats.Conn
	prefix  string
	ns      string
	timeout time.Duration
}

// NewEventSender creates the sender for ns.
func NewEventSender(nc *nats.Conn, prefix, ns string, timeout time.Duration) *EventSender {
	if timeout <= 0 {
		timeout = DefaultEventTimeout
	}
	return &EventSender{nc: nc, prefix: prefix, ns: ns, timeout: timeout}
}

// Send implements events.Sender.
func (s *EventSender) Send(reg events.Registration, data []byte) error {
	_, err := s.nc.Request(EventSubject(s.prefix, s.ns, reg.PID), data, s.timeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrNoResponders):
		return events.ErrListenerGone
	default:
		return errors.Wrapf(err, errors.KindInternal, "failed to deliver event to pid %d", reg.PID)
	}
}
