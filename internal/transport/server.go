package transport

import (
	"GoISG/internal/engine/namespace"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// CommandHandler applies a command to the named namespace.
type CommandHandler interface {
	HandleCommand(ns string, hdr namespace.Header, payload []byte) protocol.Reply
}

// Server answers controller commands.
type Server struct {
	nc      *nats.Conn
	prefix  string
	handler CommandHandler
	sub     *nats.Subscription
	logger  *zap.Logger
}

// NewServer creates a command server on "<prefix>.*".
func NewServer(nc *nats.Conn, prefix string, handler CommandHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{nc: nc, prefix: prefix, handler: handler, logger: logger.Named("commands")}
}

// Start subscribes to the command subjects. Commands are handled one at a time
// in arrival order.
func (s *Server) Start() error {
	sub, err := s.nc.Subscribe(s.prefix+".*", func(msg *nats.Msg) {
		reply := s.handle(msg.Subject, msg.Header, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply.Marshal()); err != nil {
			s.logger.Warn("Failed to send reply", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("Command server started", zap.String("subject", s.prefix+".*"))
	return nil
}

func (s *Server) handle(subject string, header nats.Header, data []byte) protocol.Reply {
	ns, ok := NamespaceOf(s.prefix, subject)
	if !ok {
		return protocol.Nack(errors.ReasonMalformed)
	}
	hdr, err := ParseHeader(header)
	if err != nil {
		s.logger.Debug("Rejecting command with bad envelope", zap.String("namespace", ns), zap.Error(err))
		return protocol.ReplyFor(err)
	}
	return s.handler.HandleCommand(ns, hdr, data)
}

// Close stops receiving commands.
func (s *Server) Close() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Unsubscribe(); err != nil {
		s.logger.Warn("Failed to unsubscribe", zap.Error(err))
	}
	s.logger.Info("Command server stopped")
}
