package model

import (
	"encoding/binary"
	"net"
	"time"
)

// Packet initiation flags supplied by the packet-matching collaborator.
const (
	InitSession uint8 = 0x01 // create an unapproved session when none exists
	InitBySrc   uint8 = 0x02 // the subscriber is the packet source
	InitByDst   uint8 = 0x04 // the subscriber is the packet destination
)

// FiveTuple represents the 5-tuple of a network packet.
type FiveTuple struct {
	SrcIP    net.IP
	DstIP    net.IP
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
}

// PacketInfo holds the metadata extracted from a single packet together with
// the initiation flags of the rule that handed it to the engine.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int
	InitFlags uint8
	Namespace string
}

// Verdict is the action returned to the packet-matching collaborator.
type Verdict uint8

const (
	VerdictDrop Verdict = iota
	VerdictAccept
)

func (v Verdict) String() string {
	if v == VerdictAccept {
		return "accept"
	}
	return "drop"
}

// ParseVerdict maps a configured action name to a Verdict. Anything other than
// "accept" is treated as drop.
func ParseVerdict(action string) Verdict {
	if action == "accept" {
		return VerdictAccept
	}
	return VerdictDrop
}

// IPv4ToUint32 converts an IPv4 address into its host-order integer form.
// Non-IPv4 addresses yield zero.
func IPv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// SessionRecord is a point-in-time accounting record of one session,
// as handed to the export writers.
type SessionRecord struct {
	Namespace  string
	ID         uint64
	ParentID   uint64
	Service    string
	IPAddr     string
	NATIPAddr  string
	MACAddr    string
	Port       uint32
	Flags      uint64
	StartTime  time.Time
	Duration   time.Duration
	InPackets  uint64
	InBytes    uint64
	OutPackets uint64
	OutBytes   uint64
	InDropped  uint64
	OutDropped uint64
}
