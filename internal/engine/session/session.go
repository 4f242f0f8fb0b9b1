// Package session implements the subscriber session table: concurrent storage of
// sessions and sub-sessions, their timers and lifecycle transitions.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/service"
)

// CookieLen is the size of the opaque session cookie.
const CookieLen = 32

// Info is the identity and configuration of a session.
type Info struct {
	ID             uint64
	Cookie         [CookieLen]byte
	IPAddr         uint32
	NATIPAddr      uint32
	MACAddr        [6]byte
	Flags          Flags
	PortNumber     uint32
	ExportInterval time.Duration
	IdleTimeout    time.Duration
	MaxDuration    time.Duration
	Rate           acct.RatePair
}

// EventType is the kind of an outbound session event.
type EventType uint8

const (
	EventCreate EventType = iota + 1
	EventStart
	EventUpdate
	EventStop
	EventInfo
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventStart:
		return "start"
	case EventUpdate:
		return "update"
	case EventStop:
		return "stop"
	case EventInfo:
		return "info"
	default:
		return "unknown"
	}
}

// Stats is the accounting state carried by an event.
type Stats struct {
	Duration time.Duration
	In       acct.StatSnapshot
	Out      acct.StatSnapshot
}

// Event is a session lifecycle or statistics notification.
type Event struct {
	Type     EventType
	Info     Info
	Stats    Stats
	ParentID uint64
	Service  string
}

// Sink receives session events. Emit must not block.
type Sink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Session is a tracked subscriber identity or a sub-session under one.
type Session struct {
	table *Table
	key   uint32
	hash  uint32
	refs  atomic.Int32
	flags atomic.Uint64

	rate acct.RateCell
	stat [2]acct.Stat

	// mu guards identity, timing and lifecycle state below.
	mu         sync.Mutex
	info       Info
	start      time.Time
	lastExport time.Time
	lastRetry  time.Time
	timer      *time.Timer
	reclaimed  bool

	parentID uint64
	desc     *service.Description
	children atomic.Pointer[[]*Session]
}

// ID returns the session id.
func (s *Session) ID() uint64 { return s.info.ID }

// Key returns the subscriber address the session is stored under.
func (s *Session) Key() uint32 { return s.key }

// Flags returns the current flags.
func (s *Session) Flags() Flags { return Flags(s.flags.Load()) }

// IsDying reports whether the session is being torn down.
func (s *Session) IsDying() bool { return s.Flags()&FlagIsDying != 0 }

// IsApproved reports whether the session has been approved.
func (s *Session) IsApproved() bool { return s.Flags()&FlagApproved != 0 }

// IsService reports whether the session is a sub-session.
func (s *Session) IsService() bool { return s.Flags()&FlagIsService != 0 }

// ParentID returns the parent session id, or zero for a parent session.
func (s *Session) ParentID() uint64 { return s.parentID }

// Description returns the service description of a sub-session.
func (s *Session) Description() *service.Description { return s.desc }

// ServiceName returns the name of the sub-session's service, or "".
func (s *Session) ServiceName() string {
	if s.desc == nil {
		return ""
	}
	return s.desc.Name()
}

// Children returns the current sub-sessions. The slice must not be modified.
func (s *Session) Children() []*Session {
	if p := s.children.Load(); p != nil {
		return *p
	}
	return nil
}

// Rates returns the current rate pair.
func (s *Session) Rates() acct.RatePair { return s.rate.Load() }

// SwapRate publishes a new rate pair.
func (s *Session) SwapRate(rp acct.RatePair) { s.rate.Swap(rp) }

// Account polices and counts one packet in direction dir.
func (s *Session) Account(dir acct.Direction, size int, now time.Time) acct.Result {
	rp := s.rate.Load()
	return s.stat[dir].Account(rp[dir], size, now)
}

// Touch records activity in dir without billing it.
func (s *Session) Touch(dir acct.Direction, now time.Time) {
	s.stat[dir].Touch(now)
}

// Stat returns the accounting record of direction dir.
func (s *Session) Stat(dir acct.Direction) *acct.Stat { return &s.stat[dir] }

// Info returns a copy of the session info with current flags and rates.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := s.info
	info.Flags = s.Flags()
	info.Rate = s.rate.Load()
	return info
}

// StartTime returns the time accounting last (re)started.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// lastActivity returns the most recent of the start time and the last packet seen.
// Must be called with mu held.
func (s *Session) lastActivityLocked() time.Time {
	last := s.start
	for i := range s.stat {
		if seen := s.stat[i].LastSeen(); seen.After(last) {
			last = seen
		}
	}
	return last
}

func (s *Session) setFlags(set, clear Flags) {
	for {
		old := s.flags.Load()
		next := (old | uint64(set)) &^ uint64(clear)
		if s.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// eventLocked builds an event describing the session. Must be called with mu held.
func (s *Session) eventLocked(typ EventType, now time.Time) Event {
	ev := Event{
		Type:     typ,
		Info:     s.infoLocked(),
		ParentID: s.parentID,
		Service:  s.ServiceName(),
		Stats: Stats{
			In:  s.stat[acct.DirIn].Snapshot(),
			Out: s.stat[acct.DirOut].Snapshot(),
		},
	}
	if !s.start.IsZero() && now.After(s.start) {
		ev.Stats.Duration = now.Sub(s.start)
	}
	return ev
}

// Snapshot returns an info event for the session without emitting it.
func (s *Session) Snapshot(now time.Time) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(EventInfo, now)
}

func (s *Session) addChild(c *Session) {
	cur := s.Children()
	next := make([]*Session, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, c)
	s.children.Store(&next)
}

func (s *Session) removeChild(c *Session) {
	cur := s.Children()
	next := make([]*Session, 0, len(cur))
	for _, x := range cur {
		if x != c {
			next = append(next, x)
		}
	}
	s.children.Store(&next)
}
