package transport

import (
	"context"
	"os"
	"time"

	"GoISG/internal/engine/namespace"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ClientConfig configures a controller client.
type ClientConfig struct {
	CommandSubject string
	EventSubject   string
	Namespace      string
	PID            int              // defaults to the current process
	Version        protocol.Version // layout of commands and events
	Timeout        time.Duration    // per-command timeout
}

// Client is the controller side of the channel.
type Client struct {
	nc     *nats.Conn
	cfg    ClientConfig
	sub    *nats.Subscription
	logger *zap.Logger
}

// NewClient creates a client over nc.
func NewClient(nc *nats.Conn, cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{nc: nc, cfg: cfg, logger: logger}
}

// PID returns the pid the client identifies itself with.
func (c *Client) PID() int { return c.cfg.PID }

// Send delivers ev and returns the engine's reply.
func (c *Client) Send(ctx context.Context, ev *protocol.InEvent, supersede bool) (protocol.Reply, error) {
	payload, err := ev.Marshal(c.cfg.Version)
	if err != nil {
		return protocol.Reply{}, err
	}
	msg := nats.NewMsg(CommandSubject(c.cfg.CommandSubject, c.cfg.Namespace))
	msg.Header = EncodeHeader(namespace.Header{PID: c.cfg.PID, Version: uint32(c.cfg.Version), Supersede: supersede})
	msg.Data = payload

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	resp, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return protocol.Reply{}, errors.Wrapf(err, errors.KindInternal, "%s request failed", ev.Type)
	}
	return protocol.UnmarshalReply(resp.Data)
}

// Do sends ev and converts a NACK into an error.
func (c *Client) Do(ctx context.Context, ev *protocol.InEvent) error {
	reply, err := c.Send(ctx, ev, false)
	if err != nil {
		return err
	}
	return reply.Err()
}

// Register makes this client the namespace's listener, subscribing to its events
// first so none are missed. handler runs on the NATS delivery goroutine in event order.
func (c *Client) Register(ctx context.Context, supersede bool, handler func(*protocol.OutEvent)) error {
	subject := EventSubject(c.cfg.EventSubject, c.cfg.Namespace, c.cfg.PID)
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := protocol.UnmarshalOutEvent(msg.Data, c.cfg.Version)
		if err != nil {
			c.logger.Warn("Discarding undecodable event", zap.Error(err))
		} else {
			handler(ev)
		}
		if msg.Reply != "" {
			_ = msg.Respond(nil)
		}
	})
	if err != nil {
		return err
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	typ := protocol.EventListenerReg
	if c.cfg.Version == protocol.Version1 {
		typ = protocol.EventListenerRegV1
	}
	reply, err := c.Send(ctx, &protocol.InEvent{Type: typ}, supersede)
	if err == nil {
		err = reply.Err()
	}
	if err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	c.sub = sub
	return nil
}

// Unregister releases the listener registration and stops receiving events.
func (c *Client) Unregister(ctx context.Context) error {
	err := c.Do(ctx, &protocol.InEvent{Type: protocol.EventListenerUnreg})
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	return err
}
