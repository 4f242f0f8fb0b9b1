// Package namespace binds the per-namespace engine state together: the session
// table, classification table, service registry and controller channel. It exposes
// the datapath entry point and the controller command dispatcher.
package namespace

import (
	"net"
	"sync/atomic"
	"time"

	"GoISG/internal/engine/events"
	"GoISG/internal/engine/nehash"
	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/service"
	"GoISG/internal/engine/session"
	"GoISG/internal/model"

	"go.uber.org/zap"
)

var (
	_ model.Classifier     = (*Namespace)(nil)
	_ model.SnapshotSource = (*Namespace)(nil)
)

// Observer receives namespace activity for metrics.
type Observer interface {
	events.Observer
	Packet(v model.Verdict, bytes int)
	Command(t protocol.EventType, reply protocol.Reply)
}

type nopObserver struct{}

func (nopObserver) EventSent(protocol.EventType)               {}
func (nopObserver) EventDropped(protocol.EventType)            {}
func (nopObserver) Packet(model.Verdict, int)                  {}
func (nopObserver) Command(protocol.EventType, protocol.Reply) {}

// Options configure a Namespace.
type Options struct {
	Name             string
	Buckets          uint32
	PortBitmapSize   uint32
	NehashMaxEntries int
	Params           Params
	Sender           events.Sender
	Alive            func(pid int) bool
	Observer         Observer
	Logger           *zap.Logger
}

// Namespace is one isolated network context.
type Namespace struct {
	name     string
	params   atomic.Pointer[Params]
	sessions *session.Table
	nehash   *nehash.Table
	services *service.Registry
	listener *events.Listener
	queue    *events.Queue
	observer Observer
	logger   *zap.Logger
}

// New creates a namespace. Call Start before use and Close on teardown.
func New(opts Options) *Namespace {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ns").With(zap.String("namespace", opts.Name))
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	sender := opts.Sender
	if sender == nil {
		sender = events.SenderFunc(func(events.Registration, []byte) error { return nil })
	}

	n := &Namespace{
		name:     opts.Name,
		observer: observer,
		logger:   logger,
	}
	params := opts.Params
	n.params.Store(&params)

	n.nehash = nehash.New(opts.NehashMaxEntries)
	n.services = service.NewRegistry(n.nehash)
	n.listener = events.NewListener(opts.Alive, logger.Named("listener"))
	n.queue = events.NewQueue(n.listener, sender, observer, logger.Named("queue"))
	n.sessions = session.NewTable(session.Config{
		Buckets:        opts.Buckets,
		PortBitmapSize: opts.PortBitmapSize,
		Timeouts:       func() session.Timeouts { return n.Params().Timeouts },
		Sink:           session.SinkFunc(n.emit),
		Services:       n.services,
		Logger:         logger.Named("session"),
	})
	return n
}

func (n *Namespace) emit(ev session.Event) {
	n.queue.Enqueue(protocol.FromSession(ev))
}

// Name returns the namespace name.
func (n *Namespace) Name() string { return n.name }

// Params returns the current runtime parameters.
func (n *Namespace) Params() Params { return *n.params.Load() }

// SetParams publishes new runtime parameters.
func (n *Namespace) SetParams(p Params) { n.params.Store(&p) }

// Sessions returns the session table.
func (n *Namespace) Sessions() *session.Table { return n.sessions }

// Nehash returns the classification table.
func (n *Namespace) Nehash() *nehash.Table { return n.nehash }

// Services returns the service description registry.
func (n *Namespace) Services() *service.Registry { return n.services }

// Listener returns the controller registration state.
func (n *Namespace) Listener() *events.Listener { return n.listener }

// PendingEvents returns the number of events waiting to be sent.
func (n *Namespace) PendingEvents() int { return n.queue.Len() }

// Start launches the event sender.
func (n *Namespace) Start() {
	n.queue.Start()
	n.logger.Info("Namespace started")
}

// Close tears down every session, flushes their STOP events and stops the sender.
func (n *Namespace) Close() {
	n.sessions.Close()
	n.queue.Stop()
	n.logger.Info("Namespace closed")
}

// CheckListener reverts to NO_LISTENER when the registered controller has exited.
func (n *Namespace) CheckListener() bool {
	return n.listener.Check()
}

// Snapshot returns an accounting record per session and sub-session.
func (n *Namespace) Snapshot() []model.SessionRecord {
	now := time.Now()
	var out []model.SessionRecord
	n.sessions.Range(func(s *session.Session) bool {
		out = append(out, n.record(s.Snapshot(now), now))
		return true
	})
	return out
}

// Record returns the accounting record of one session.
func (n *Namespace) Record(id uint64) (model.SessionRecord, bool) {
	s := n.sessions.LookupByID(id)
	if s == nil {
		return model.SessionRecord{}, false
	}
	defer n.sessions.Put(s)
	now := time.Now()
	return n.record(s.Snapshot(now), now), true
}

func (n *Namespace) record(ev session.Event, now time.Time) model.SessionRecord {
	info := ev.Info
	rec := model.SessionRecord{
		Namespace:  n.name,
		ID:         info.ID,
		ParentID:   ev.ParentID,
		Service:    ev.Service,
		IPAddr:     model.Uint32ToIPv4(info.IPAddr).String(),
		MACAddr:    net.HardwareAddr(info.MACAddr[:]).String(),
		Port:       info.PortNumber,
		Flags:      uint64(info.Flags),
		Duration:   ev.Stats.Duration,
		InPackets:  ev.Stats.In.Packets,
		InBytes:    ev.Stats.In.Bytes,
		OutPackets: ev.Stats.Out.Packets,
		OutBytes:   ev.Stats.Out.Bytes,
		InDropped:  ev.Stats.In.Dropped,
		OutDropped: ev.Stats.Out.Dropped,
	}
	if info.NATIPAddr != 0 {
		rec.NATIPAddr = model.Uint32ToIPv4(info.NATIPAddr).String()
	}
	rec.StartTime = now.Add(-ev.Stats.Duration)
	return rec
}
