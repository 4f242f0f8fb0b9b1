package probe

import (
	"net"

	"GoISG/internal/model"
)

// Tagger stands in for the packet-matching rule of a capture point: it decides
// which endpoint of a packet is the subscriber and sets the initiation flags.
type Tagger struct {
	subscribers []*net.IPNet
	initSession bool
	namespace   string
}

// NewTagger parses the subscriber networks in CIDR notation. With initSession,
// packets sent by a subscriber may create a session.
func NewTagger(cidrs []string, initSession bool, namespace string) (*Tagger, error) {
	t := &Tagger{initSession: initSession, namespace: namespace}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, err
		}
		t.subscribers = append(t.subscribers, n)
	}
	return t, nil
}

func (t *Tagger) isSubscriber(ip net.IP) bool {
	for _, n := range t.subscribers {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Tag sets the initiation flags and namespace of info. It reports false when
// neither endpoint is a subscriber; such packets are not handed to the engine.
func (t *Tagger) Tag(info *model.PacketInfo) bool {
	switch {
	case t.isSubscriber(info.FiveTuple.SrcIP):
		info.InitFlags = model.InitBySrc
		if t.initSession {
			info.InitFlags |= model.InitSession
		}
	case t.isSubscriber(info.FiveTuple.DstIP):
		info.InitFlags = model.InitByDst
	default:
		return false
	}
	info.Namespace = t.namespace
	return true
}
