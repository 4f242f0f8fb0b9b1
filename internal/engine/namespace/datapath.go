package namespace

import (
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/nehash"
	"GoISG/internal/engine/session"
	"GoISG/internal/model"
)

// endpoints resolves the subscriber, the remote address and the direction of pkt.
// Zero addresses mean the packet is not IPv4.
func endpoints(pkt *model.PacketInfo) (subscriber, remote uint32, dir acct.Direction) {
	src := model.IPv4ToUint32(pkt.FiveTuple.SrcIP)
	dst := model.IPv4ToUint32(pkt.FiveTuple.DstIP)
	if pkt.InitFlags&model.InitByDst != 0 {
		return dst, src, acct.DirOut
	}
	return src, dst, acct.DirIn
}

// matchChild returns the first online sub-session of s whose service contains class.
func (n *Namespace) matchChild(s *session.Session, class *nehash.TrafficClass) *session.Session {
	if class == nil {
		return nil
	}
	for _, c := range s.Children() {
		f := c.Flags()
		if f&session.FlagServiceOnline == 0 || f&session.FlagIsDying != 0 {
			continue
		}
		if n.services.Contains(c.Description(), class) {
			return c
		}
	}
	return nil
}

// ClassifyAndAccount accounts pkt against its subscriber session and returns the verdict.
//
// Packets of unknown subscribers get the deny action; with InitSession they also create
// an unapproved session, and with pass_outgoing network-to-subscriber traffic is permitted.
// Unapproved and dying sessions get the deny action. Traffic of an approved session is
// accounted to the matching online service (unless it is a tagger) and to the session
// itself unless that service is marked no-accounting. A policing drop yields the deny action.
func (n *Namespace) ClassifyAndAccount(pkt *model.PacketInfo) model.Verdict {
	v := n.classify(pkt)
	n.observer.Packet(v, pkt.Length)
	return v
}

func (n *Namespace) classify(pkt *model.PacketInfo) model.Verdict {
	p := n.params.Load()
	subscriber, remote, dir := endpoints(pkt)
	if subscriber == 0 {
		return p.DenyAction
	}

	s := n.sessions.Lookup(subscriber)
	if s == nil {
		if pkt.InitFlags&model.InitSession != 0 {
			if created, err := n.sessions.Create(subscriber); err == nil {
				n.sessions.Put(created)
			}
			return p.DenyAction
		}
		if p.PassOutgoing && dir == acct.DirOut {
			return p.PermitAction
		}
		return p.DenyAction
	}
	defer n.sessions.Put(s)

	if s.IsDying() || !s.IsApproved() {
		return p.DenyAction
	}

	now := time.Now()
	res := acct.Allow
	accountParent := true
	if c := n.matchChild(s, n.nehash.Lookup(remote)); c != nil {
		f := c.Flags()
		switch {
		case f&session.FlagServiceTagger != 0:
			c.Touch(dir, now)
		default:
			res = c.Account(dir, pkt.Length, now)
			if res == acct.Drop || f&session.FlagNoAccounting != 0 {
				accountParent = false
				s.Touch(dir, now)
			}
		}
	}
	if accountParent {
		res = s.Account(dir, pkt.Length, now)
	}

	if res == acct.Drop {
		return p.DenyAction
	}
	return p.PermitAction
}

// MatchService reports whether pkt belongs to the online service called name of its
// subscriber session.
func (n *Namespace) MatchService(pkt *model.PacketInfo, name string) bool {
	subscriber, remote, _ := endpoints(pkt)
	if subscriber == 0 {
		return false
	}
	s := n.sessions.Lookup(subscriber)
	if s == nil {
		return false
	}
	defer n.sessions.Put(s)
	if s.IsDying() || !s.IsApproved() {
		return false
	}
	class := n.nehash.Lookup(remote)
	if class == nil {
		return false
	}
	for _, c := range s.Children() {
		f := c.Flags()
		if c.ServiceName() != name || f&session.FlagServiceOnline == 0 || f&session.FlagIsDying != 0 {
			continue
		}
		if n.services.Contains(c.Description(), class) {
			return true
		}
	}
	return false
}

// MatchActiveNoServices reports whether pkt belongs to an approved session with no
// online service.
func (n *Namespace) MatchActiveNoServices(pkt *model.PacketInfo) bool {
	subscriber, _, _ := endpoints(pkt)
	if subscriber == 0 {
		return false
	}
	s := n.sessions.Lookup(subscriber)
	if s == nil {
		return false
	}
	defer n.sessions.Put(s)
	if s.IsDying() || !s.IsApproved() {
		return false
	}
	for _, c := range s.Children() {
		if c.Flags()&session.FlagServiceOnline != 0 {
			return false
		}
	}
	return true
}
