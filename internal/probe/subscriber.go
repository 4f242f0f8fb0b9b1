package probe

import (
	"GoISG/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PacketHandler processes a received packet descriptor.
type PacketHandler func(info *model.PacketInfo)

// Subscriber decodes packet descriptors arriving on a NATS subject.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
	owned   bool
	logger  *zap.Logger
}

// NewSubscriber connects to the NATS server at url.
func NewSubscriber(url, subject string, logger *zap.Logger) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("isg-engine-packets"))
	if err != nil {
		return nil, err
	}
	s := NewSubscriberWithConn(nc, subject, logger)
	s.owned = true
	s.logger.Info("Connected to NATS server", zap.String("url", url))
	return s, nil
}

// NewSubscriberWithConn subscribes over an existing connection, which Close leaves open.
func NewSubscriberWithConn(nc *nats.Conn, subject string, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{nc: nc, subject: subject, logger: logger.Named("packets")}
}

// Start subscribes and hands every decoded packet to handler.
func (s *Subscriber) Start(handler PacketHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		info, err := Unmarshal(msg.Data)
		if err != nil {
			s.logger.Debug("Discarding undecodable packet", zap.Error(err))
			return
		}
		handler(info)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to packet stream", zap.String("subject", s.subject))
	return nil
}

// Close unsubscribes and, when the subscriber opened it, closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	if s.owned && s.nc != nil {
		s.nc.Close()
		s.logger.Info("NATS connection closed")
	}
}
