// Package protocol implements the binary event protocol spoken between the engine
// and its controller, and the packet parser feeding the datapath.
package protocol

import (
	"fmt"

	"GoISG/internal/errors"
)

// EventType identifies an event record.
type EventType uint32

// Controller to engine.
const (
	EventListenerReg   EventType = 0x01
	EventListenerRegV1 EventType = 0x101
	EventListenerUnreg EventType = 0x02
	EventSessApprove   EventType = 0x04
	EventSessChange    EventType = 0x05
	EventSessClear     EventType = 0x09
	EventSessGetlist   EventType = 0x10
	EventSessGetcount  EventType = 0x12
	EventNEAddQueue    EventType = 0x14
	EventNESweepQueue  EventType = 0x15
	EventNECommit      EventType = 0x16
	EventServApply     EventType = 0x17
	EventSDescAdd      EventType = 0x18
	EventSDescSweepTC  EventType = 0x19
	EventServGetlist   EventType = 0x20
)

// Engine to controller.
const (
	EventSessCreate EventType = 0x03
	EventSessStart  EventType = 0x06
	EventSessUpdate EventType = 0x07
	EventSessStop   EventType = 0x08
	EventSessInfo   EventType = 0x11
	EventSessCount  EventType = 0x13

	EventKernelAck  EventType = 0x98
	EventKernelNack EventType = 0x99
)

var eventNames = map[EventType]string{
	EventListenerReg:   "listener_reg",
	EventListenerRegV1: "listener_reg_v1",
	EventListenerUnreg: "listener_unreg",
	EventSessApprove:   "sess_approve",
	EventSessChange:    "sess_change",
	EventSessClear:     "sess_clear",
	EventSessGetlist:   "sess_getlist",
	EventSessGetcount:  "sess_getcount",
	EventNEAddQueue:    "ne_add_queue",
	EventNESweepQueue:  "ne_sweep_queue",
	EventNECommit:      "ne_commit",
	EventServApply:     "serv_apply",
	EventSDescAdd:      "sdesc_add",
	EventSDescSweepTC:  "sdesc_sweep_tc",
	EventServGetlist:   "serv_getlist",
	EventSessCreate:    "sess_create",
	EventSessStart:     "sess_start",
	EventSessUpdate:    "sess_update",
	EventSessStop:      "sess_stop",
	EventSessInfo:      "sess_info",
	EventSessCount:     "sess_count",
	EventKernelAck:     "ack",
	EventKernelNack:    "nack",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return fmt.Sprintf("event_%#x", uint32(t))
}

// ParseEventType resolves a name as printed by String.
func ParseEventType(name string) (EventType, bool) {
	for t, n := range eventNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// payload is the union member an inbound event carries.
type payload uint8

const (
	payloadNone payload = iota
	payloadSessionInfo
	payloadNetworkEntry
	payloadServiceDesc
)

// inboundPayload returns the union member of an inbound event type.
// Types that carry no arguments accept a bare header.
func inboundPayload(t EventType) (payload, bool) {
	switch t {
	case EventListenerReg, EventListenerRegV1, EventListenerUnreg,
		EventSessGetcount, EventNESweepQueue, EventNECommit:
		return payloadNone, true
	case EventSessApprove, EventSessChange, EventSessClear, EventSessGetlist,
		EventServApply, EventServGetlist:
		return payloadSessionInfo, true
	case EventNEAddQueue:
		return payloadNetworkEntry, true
	case EventSDescAdd, EventSDescSweepTC:
		return payloadServiceDesc, true
	default:
		return payloadNone, false
	}
}

// IsInbound reports whether t is a controller to engine event.
func IsInbound(t EventType) bool {
	_, ok := inboundPayload(t)
	return ok
}

// Version is a listener protocol version.
type Version uint32

const (
	// Version0 is the legacy layout with whole-second 32-bit durations.
	Version0 Version = 0
	// Version1 is the current layout with 64-bit nanosecond durations.
	Version1 Version = 1
)

// ParseVersion validates a declared protocol version.
func ParseVersion(v uint32) (Version, error) {
	switch Version(v) {
	case Version0, Version1:
		return Version(v), nil
	default:
		return 0, errors.Errorf(errors.KindProtocolMismatch, "unsupported protocol version %d", v)
	}
}

// RegistrationVersion returns the version a register event declares.
func RegistrationVersion(t EventType) Version {
	if t == EventListenerRegV1 {
		return Version1
	}
	return Version0
}
