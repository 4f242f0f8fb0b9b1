package probe

import (
	"GoISG/internal/model"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is responsible for publishing packet descriptors to a NATS subject.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string, logger *zap.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("isg-probe"))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Connected to NATS server", zap.String("url", url), zap.String("subject", subject))
	return NewPublisherWithConn(nc, subject, logger), nil
}

// NewPublisherWithConn publishes over an existing connection.
func NewPublisherWithConn(nc *nats.Conn, subject string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Publish encodes info and publishes it to the configured subject.
func (p *Publisher) Publish(info *model.PacketInfo) error {
	return p.nc.Publish(p.subject, Marshal(info))
}

// Flush blocks until every published packet has reached the server.
func (p *Publisher) Flush() error {
	return p.nc.Flush()
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
		p.logger.Info("NATS connection drained and closed")
	}
}
