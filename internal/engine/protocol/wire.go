package protocol

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"
)

// Record sizes. All records are little-endian and laid out like the 64-bit C structs.
const (
	NameSize    = 32
	HeadSize    = 8
	InfoV0Size  = 96
	InfoV1Size  = 112
	StatSize    = 40
	ReplySize   = 8
	neSize      = 4 + 4 + NameSize
	sdescSize   = NameSize + NameSize + 8
	siTrailSize = NameSize + 8
)

var le = binary.LittleEndian

// InfoSize returns the session info record size of v.
func InfoSize(v Version) int {
	if v == Version1 {
		return InfoV1Size
	}
	return InfoV0Size
}

// OutEventSize returns the size of an engine to controller event in v.
func OutEventSize(v Version) int {
	return HeadSize + InfoSize(v) + StatSize + 8 + NameSize
}

// InEventSize returns the size of a controller to engine event in v.
func InEventSize(v Version) int {
	return HeadSize + max(InfoSize(v)+siTrailSize, neSize, sdescSize)
}

func putName(b []byte, name string) {
	n := copy(b[:NameSize], name)
	clear(b[n:NameSize])
}

func getName(b []byte) string {
	b = b[:NameSize]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// secondsOf truncates d to whole seconds, saturating at the 32-bit range.
func secondsOf(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if s > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(s)
}

func nanosOf(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d)
}

func durationOfNanos(ns uint64) time.Duration {
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// putInfo encodes info into b, which must hold InfoSize(v) bytes.
func putInfo(b []byte, info *session.Info, v Version) {
	clear(b[:InfoSize(v)])
	le.PutUint64(b[0:], info.ID)
	copy(b[8:40], info.Cookie[:])
	le.PutUint32(b[40:], info.IPAddr)
	le.PutUint32(b[44:], info.NATIPAddr)
	copy(b[48:54], info.MACAddr[:])

	var rate []byte
	if v == Version1 {
		le.PutUint32(b[60:], info.PortNumber)
		le.PutUint64(b[64:], uint64(info.Flags))
		le.PutUint64(b[72:], nanosOf(info.ExportInterval))
		le.PutUint64(b[80:], nanosOf(info.IdleTimeout))
		le.PutUint64(b[88:], nanosOf(info.MaxDuration))
		rate = b[96:112]
	} else {
		le.PutUint64(b[56:], uint64(info.Flags))
		le.PutUint32(b[64:], info.PortNumber)
		le.PutUint32(b[68:], secondsOf(info.ExportInterval))
		le.PutUint32(b[72:], secondsOf(info.IdleTimeout))
		le.PutUint32(b[76:], secondsOf(info.MaxDuration))
		rate = b[80:96]
	}
	le.PutUint32(rate[0:], info.Rate[acct.DirIn].Rate)
	le.PutUint32(rate[4:], info.Rate[acct.DirIn].Burst)
	le.PutUint32(rate[8:], info.Rate[acct.DirOut].Rate)
	le.PutUint32(rate[12:], info.Rate[acct.DirOut].Burst)
}

// getInfo decodes a session info record of v from b.
func getInfo(b []byte, v Version) session.Info {
	var info session.Info
	info.ID = le.Uint64(b[0:])
	copy(info.Cookie[:], b[8:40])
	info.IPAddr = le.Uint32(b[40:])
	info.NATIPAddr = le.Uint32(b[44:])
	copy(info.MACAddr[:], b[48:54])

	var rate []byte
	if v == Version1 {
		info.PortNumber = le.Uint32(b[60:])
		info.Flags = session.Flags(le.Uint64(b[64:]))
		info.ExportInterval = durationOfNanos(le.Uint64(b[72:]))
		info.IdleTimeout = durationOfNanos(le.Uint64(b[80:]))
		info.MaxDuration = durationOfNanos(le.Uint64(b[88:]))
		rate = b[96:112]
	} else {
		info.Flags = session.Flags(le.Uint64(b[56:]))
		info.PortNumber = le.Uint32(b[64:])
		info.ExportInterval = time.Duration(le.Uint32(b[68:])) * time.Second
		info.IdleTimeout = time.Duration(le.Uint32(b[72:])) * time.Second
		info.MaxDuration = time.Duration(le.Uint32(b[76:])) * time.Second
		rate = b[80:96]
	}
	info.Rate[acct.DirIn] = acct.Rate{Rate: le.Uint32(rate[0:]), Burst: le.Uint32(rate[4:])}
	info.Rate[acct.DirOut] = acct.Rate{Rate: le.Uint32(rate[8:]), Burst: le.Uint32(rate[12:])}
	return info
}

// MarshalInfo encodes a session info record.
func MarshalInfo(info session.Info, v Version) []byte {
	b := make([]byte, InfoSize(v))
	putInfo(b, &info, v)
	return b
}

// UnmarshalInfo decodes a session info record.
func UnmarshalInfo(b []byte, v Version) (session.Info, error) {
	if len(b) < InfoSize(v) {
		return session.Info{}, errors.Errorf(errors.KindMalformed, "session info v%d needs %d bytes, got %d", v, InfoSize(v), len(b))
	}
	return getInfo(b, v), nil
}

// ConvertInfo re-encodes a session info record from one version to another.
// Going to the legacy layout truncates durations to whole seconds.
func ConvertInfo(b []byte, from, to Version) ([]byte, error) {
	info, err := UnmarshalInfo(b, from)
	if err != nil {
		return nil, err
	}
	return MarshalInfo(info, to), nil
}

// Stat is the statistics record of an outbound event.
type Stat struct {
	Duration   time.Duration
	InPackets  uint64
	InBytes    uint64
	OutPackets uint64
	OutBytes   uint64
}

func putStat(b []byte, s *Stat) {
	le.PutUint32(b[0:], secondsOf(s.Duration))
	le.PutUint32(b[4:], 0)
	le.PutUint64(b[8:], s.InPackets)
	le.PutUint64(b[16:], s.InBytes)
	le.PutUint64(b[24:], s.OutPackets)
	le.PutUint64(b[32:], s.OutBytes)
}

func getStat(b []byte) Stat {
	return Stat{
		Duration:   time.Duration(le.Uint32(b[0:])) * time.Second,
		InPackets:  le.Uint64(b[8:]),
		InBytes:    le.Uint64(b[16:]),
		OutPackets: le.Uint64(b[24:]),
		OutBytes:   le.Uint64(b[32:]),
	}
}

// OutEvent is an engine to controller event.
type OutEvent struct {
	Type     EventType
	Info     session.Info
	Stat     Stat
	ParentID uint64
	Service  string
}

// FromSession converts a session event into its wire form.
func FromSession(ev session.Event) OutEvent {
	out := OutEvent{
		Info:     ev.Info,
		ParentID: ev.ParentID,
		Service:  ev.Service,
		Stat: Stat{
			Duration:   ev.Stats.Duration,
			InPackets:  ev.Stats.In.Packets,
			InBytes:    ev.Stats.In.Bytes,
			OutPackets: ev.Stats.Out.Packets,
			OutBytes:   ev.Stats.Out.Bytes,
		},
	}
	switch ev.Type {
	case session.EventCreate:
		out.Type = EventSessCreate
	case session.EventStart:
		out.Type = EventSessStart
	case session.EventUpdate:
		out.Type = EventSessUpdate
	case session.EventStop:
		out.Type = EventSessStop
	default:
		out.Type = EventSessInfo
	}
	return out
}

// CountEvent builds the reply to a session count query.
func CountEvent(c session.Counts) OutEvent {
	return OutEvent{
		Type: EventSessCount,
		Info: session.Info{ID: uint64(c.Total())},
		Stat: Stat{
			InPackets:  uint64(c.Approved),
			InBytes:    uint64(c.Unapproved),
			OutPackets: uint64(c.Dying),
		},
	}
}

// Marshal encodes the event in the layout of v.
func (e *OutEvent) Marshal(v Version) []byte {
	b := make([]byte, OutEventSize(v))
	le.PutUint32(b[0:], uint32(e.Type))
	off := HeadSize
	putInfo(b[off:], &e.Info, v)
	off += InfoSize(v)
	putStat(b[off:], &e.Stat)
	off += StatSize
	le.PutUint64(b[off:], e.ParentID)
	off += 8
	putName(b[off:], e.Service)
	return b
}

// UnmarshalOutEvent decodes an engine to controller event of v.
func UnmarshalOutEvent(b []byte, v Version) (*OutEvent, error) {
	if len(b) < OutEventSize(v) {
		return nil, errors.Errorf(errors.KindMalformed, "event v%d needs %d bytes, got %d", v, OutEventSize(v), len(b))
	}
	e := &OutEvent{Type: EventType(le.Uint32(b[0:]))}
	off := HeadSize
	e.Info = getInfo(b[off:], v)
	off += InfoSize(v)
	e.Stat = getStat(b[off:])
	off += StatSize
	e.ParentID = le.Uint64(b[off:])
	off += 8
	e.Service = getName(b[off:])
	return e, nil
}

// InEvent is a controller to engine event. Only the fields of the union member
// selected by Type are meaningful.
type InEvent struct {
	Type EventType

	// Session info member.
	Info    session.Info
	Service string
	FlagsOp session.FlagOp

	// Network entry member.
	Prefix uint32
	Mask   uint32
	Class  string

	// Service description member; Class and Service are shared with the members above.
	SDescFlags uint8
}

// SDescDynamic in InEvent.SDescFlags marks a description created by SDESC_ADD as dynamic.
const SDescDynamic uint8 = 0x01

func validName(field, name string) error {
	if len(name) > NameSize {
		return errors.Errorf(errors.KindMalformed, "%s %q longer than %d bytes", field, name, NameSize)
	}
	return nil
}

// Marshal encodes the event in the layout of v.
func (e *InEvent) Marshal(v Version) ([]byte, error) {
	if err := validName("service name", e.Service); err != nil {
		return nil, err
	}
	if err := validName("class name", e.Class); err != nil {
		return nil, err
	}

	b := make([]byte, InEventSize(v))
	le.PutUint32(b[0:], uint32(e.Type))
	u := b[HeadSize:]
	p, _ := inboundPayload(e.Type)
	switch p {
	case payloadSessionInfo:
		putInfo(u, &e.Info, v)
		n := InfoSize(v)
		putName(u[n:], e.Service)
		u[n+NameSize] = uint8(e.FlagsOp)
	case payloadNetworkEntry:
		le.PutUint32(u[0:], e.Prefix)
		le.PutUint32(u[4:], e.Mask)
		putName(u[8:], e.Class)
	case payloadServiceDesc:
		putName(u[0:], e.Class)
		putName(u[NameSize:], e.Service)
		u[2*NameSize] = e.SDescFlags
	}
	return b, nil
}

// UnmarshalInEvent decodes a controller to engine event whose session info
// member follows the layout of v. Unknown types and short records are Malformed.
func UnmarshalInEvent(b []byte, v Version) (*InEvent, error) {
	if len(b) < HeadSize {
		return nil, errors.Errorf(errors.KindMalformed, "event needs at least %d bytes, got %d", HeadSize, len(b))
	}
	e := &InEvent{Type: EventType(le.Uint32(b[0:]))}
	p, ok := inboundPayload(e.Type)
	if !ok {
		return nil, errors.Attr(errors.Errorf(errors.KindMalformed, "unknown inbound event type %#x", uint32(e.Type)), "type", uint32(e.Type))
	}

	u := b[HeadSize:]
	need := 0
	switch p {
	case payloadSessionInfo:
		need = InfoSize(v) + siTrailSize
	case payloadNetworkEntry:
		need = neSize
	case payloadServiceDesc:
		need = sdescSize
	}
	if len(u) < need {
		return nil, errors.Errorf(errors.KindMalformed, "%s needs %d payload bytes, got %d", e.Type, need, len(u))
	}

	switch p {
	case payloadSessionInfo:
		e.Info = getInfo(u, v)
		n := InfoSize(v)
		e.Service = getName(u[n:])
		e.FlagsOp = session.FlagOp(u[n+NameSize])
	case payloadNetworkEntry:
		e.Prefix = le.Uint32(u[0:])
		e.Mask = le.Uint32(u[4:])
		e.Class = getName(u[8:])
	case payloadServiceDesc:
		e.Class = getName(u[0:])
		e.Service = getName(u[NameSize:])
		e.SDescFlags = u[2*NameSize]
	}
	return e, nil
}

// Reply is the acknowledgement of an inbound event.
type Reply struct {
	Type   EventType
	Reason uint32
}

// Ack returns a positive reply.
func Ack() Reply {
	return Reply{Type: EventKernelAck}
}

// Nack returns a negative reply carrying reason.
func Nack(reason uint32) Reply {
	return Reply{Type: EventKernelNack, Reason: reason}
}

// ReplyFor acknowledges a nil error and nacks any other with its reason code.
func ReplyFor(err error) Reply {
	if err == nil {
		return Ack()
	}
	return Nack(errors.Reason(err))
}

// OK reports whether the reply is an acknowledgement.
func (r Reply) OK() bool {
	return r.Type == EventKernelAck
}

// Err converts a NACK back into an error of the matching kind. An ACK yields nil.
func (r Reply) Err() error {
	if r.OK() {
		return nil
	}
	return errors.Errorf(errors.KindForReason(r.Reason), "command rejected: %s", errors.ReasonText(r.Reason))
}

// Marshal encodes the reply record.
func (r Reply) Marshal() []byte {
	b := make([]byte, ReplySize)
	le.PutUint32(b[0:], uint32(r.Type))
	le.PutUint32(b[4:], r.Reason)
	return b
}

// UnmarshalReply decodes a reply record.
func UnmarshalReply(b []byte) (Reply, error) {
	if len(b) < ReplySize {
		return Reply{}, errors.Errorf(errors.KindMalformed, "reply needs %d bytes, got %d", ReplySize, len(b))
	}
	r := Reply{Type: EventType(le.Uint32(b[0:])), Reason: le.Uint32(b[4:])}
	if r.Type != EventKernelAck && r.Type != EventKernelNack {
		return Reply{}, errors.Errorf(errors.KindMalformed, "unexpected reply type %s", r.Type)
	}
	return r, nil
}
