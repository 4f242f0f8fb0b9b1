package namespace

import (
	"encoding/binary"
	"time"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/service"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"

	"go.uber.org/zap"
)

// Header is the transport envelope of a controller command.
type Header struct {
	PID       int
	Version   uint32
	Supersede bool
}

// HandleCommand decodes and applies one controller command and returns the reply
// record. Rejected commands never mutate state.
func (n *Namespace) HandleCommand(hdr Header, payload []byte) protocol.Reply {
	typ, err := n.handle(hdr, payload)
	reply := protocol.ReplyFor(err)
	if err != nil {
		n.logger.Debug("Command rejected",
			zap.Stringer("type", typ),
			zap.Int("pid", hdr.PID),
			zap.Uint32("reason", reply.Reason),
			zap.Error(err))
	}
	n.observer.Command(typ, reply)
	return reply
}

func (n *Namespace) handle(hdr Header, payload []byte) (protocol.EventType, error) {
	if len(payload) < protocol.HeadSize {
		return 0, errors.Errorf(errors.KindMalformed, "command needs at least %d bytes, got %d", protocol.HeadSize, len(payload))
	}
	typ := protocol.EventType(binary.LittleEndian.Uint32(payload))

	switch typ {
	case protocol.EventListenerReg, protocol.EventListenerRegV1:
		_, err := n.listener.Register(hdr.PID, uint32(protocol.RegistrationVersion(typ)), hdr.Supersede)
		return typ, err
	}

	if err := n.listener.Authorize(); err != nil {
		return typ, err
	}
	version, err := protocol.ParseVersion(hdr.Version)
	if err != nil {
		return typ, err
	}
	ev, err := protocol.UnmarshalInEvent(payload, version)
	if err != nil {
		return typ, err
	}

	switch ev.Type {
	case protocol.EventListenerUnreg:
		return typ, n.listener.Unregister(hdr.PID)
	case protocol.EventSessApprove:
		return typ, n.approve(ev)
	case protocol.EventSessChange:
		return typ, n.change(ev)
	case protocol.EventSessClear:
		return typ, n.clear(ev)
	case protocol.EventSessGetlist:
		return typ, n.getList(ev)
	case protocol.EventSessGetcount:
		n.queue.Enqueue(protocol.CountEvent(n.sessions.Count()))
		return typ, nil
	case protocol.EventNEAddQueue:
		return typ, n.nehash.QueueAdd(ev.Prefix, ev.Mask, ev.Class)
	case protocol.EventNESweepQueue:
		n.nehash.SweepQueue()
		return typ, nil
	case protocol.EventNECommit:
		count, err := n.nehash.CommitQueue()
		if err == nil {
			n.logger.Info("Classification table committed", zap.Int("entries", count))
		}
		return typ, err
	case protocol.EventServApply:
		return typ, n.applyService(ev)
	case protocol.EventSDescAdd:
		return typ, n.services.AddClass(ev.Service, ev.Class, ev.SDescFlags&protocol.SDescDynamic != 0)
	case protocol.EventSDescSweepTC:
		return typ, n.sweepDescriptions(ev)
	case protocol.EventServGetlist:
		return typ, n.serviceList(ev)
	default:
		return typ, errors.Errorf(errors.KindMalformed, "unhandled command %s", ev.Type)
	}
}

func (n *Namespace) lookupByID(id uint64) (*session.Session, error) {
	if id == 0 {
		return nil, errors.New(errors.KindMalformed, "session id required")
	}
	s := n.sessions.LookupByID(id)
	if s == nil {
		return nil, errors.Attr(errors.Errorf(errors.KindNotFound, "session %d not found", id), "id", id)
	}
	return s, nil
}

// approve approves a known session, or creates an approved one for an unknown id
// that carries an address.
func (n *Namespace) approve(ev *protocol.InEvent) error {
	info := ev.Info
	if info.ID != 0 {
		if s := n.sessions.LookupByID(info.ID); s != nil {
			defer n.sessions.Put(s)
			return n.sessions.Approve(s, info)
		}
	}
	if info.IPAddr == 0 {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "session %d not found", info.ID), "id", info.ID)
	}

	// An unapproved session created by the datapath for this address is approved in place.
	if s := n.sessions.Lookup(info.IPAddr); s != nil {
		defer n.sessions.Put(s)
		if s.IsApproved() || info.ID != 0 && info.ID != s.ID() {
			return errors.Errorf(errors.KindConflict, "address already has session %d", s.ID())
		}
		return n.sessions.Approve(s, info)
	}

	info.Flags |= session.FlagApproved
	s, err := n.sessions.Insert(info)
	if err != nil {
		return err
	}
	n.sessions.Put(s)
	return nil
}

func (n *Namespace) change(ev *protocol.InEvent) error {
	s, err := n.lookupByID(ev.Info.ID)
	if err != nil {
		return err
	}
	defer n.sessions.Put(s)
	if ev.FlagsOp != session.FlagOpNone {
		return n.sessions.SetFlags(s, ev.Info.Flags, ev.FlagsOp)
	}
	return n.sessions.Change(s, ev.Info)
}

func (n *Namespace) clear(ev *protocol.InEvent) error {
	var s *session.Session
	switch {
	case ev.Info.ID != 0:
		s = n.sessions.LookupByID(ev.Info.ID)
	case ev.Info.IPAddr != 0:
		s = n.sessions.Lookup(ev.Info.IPAddr)
	default:
		return errors.New(errors.KindMalformed, "session id or address required")
	}
	if s == nil {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "session %d not found", ev.Info.ID), "id", ev.Info.ID)
	}
	n.sessions.Remove(s)
	n.sessions.Put(s)
	return nil
}

// getList emits an INFO event for one session, or for every session when no id is given.
func (n *Namespace) getList(ev *protocol.InEvent) error {
	now := time.Now()
	if ev.Info.ID != 0 {
		s, err := n.lookupByID(ev.Info.ID)
		if err != nil {
			return err
		}
		defer n.sessions.Put(s)
		n.queue.Enqueue(protocol.FromSession(s.Snapshot(now)))
		return nil
	}
	n.sessions.Range(func(s *session.Session) bool {
		n.queue.Enqueue(protocol.FromSession(s.Snapshot(now)))
		return true
	})
	return nil
}

// serviceList emits an INFO event for every sub-session of a session.
func (n *Namespace) serviceList(ev *protocol.InEvent) error {
	s, err := n.lookupByID(ev.Info.ID)
	if err != nil {
		return err
	}
	defer n.sessions.Put(s)
	now := time.Now()
	for _, c := range s.Children() {
		n.queue.Enqueue(protocol.FromSession(c.Snapshot(now)))
	}
	return nil
}

// applyService attaches the service named in ev to the session ev.Info.ID. An
// unknown service name creates a dynamic description, dropped again once no
// sub-session uses it and it holds no classes.
func (n *Namespace) applyService(ev *protocol.InEvent) error {
	if !service.ValidName(ev.Service) {
		return errors.Errorf(errors.KindMalformed, "invalid service name %q", ev.Service)
	}
	parent, err := n.lookupByID(ev.Info.ID)
	if err != nil {
		return err
	}
	defer n.sessions.Put(parent)

	// The sub-session keeps the reference; the table releases it on reclaim.
	desc, err := n.services.Acquire(ev.Service)
	if err != nil {
		return err
	}

	upd := ev.Info
	upd.ID = 0
	child, err := n.sessions.AttachService(parent, desc, upd)
	if err != nil {
		n.services.Release(desc)
		return err
	}
	n.sessions.Put(child)
	return nil
}

// sweepDescriptions removes a class from every description when one is named,
// otherwise empties the named description, otherwise empties all of them.
func (n *Namespace) sweepDescriptions(ev *protocol.InEvent) error {
	switch {
	case ev.Class != "":
		n.services.SweepByClass(ev.Class)
		return nil
	case ev.Service != "":
		return n.services.SweepClasses(ev.Service)
	default:
		n.services.SweepAll()
		return nil
	}
}
