// Package acct implements per-session, per-direction accounting with token-bucket policing.
package acct

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// Direction is the traffic direction relative to the subscriber.
type Direction uint8

const (
	DirIn  Direction = 0 // subscriber -> network
	DirOut Direction = 1 // network -> subscriber
)

func (d Direction) String() string {
	if d == DirOut {
		return "out"
	}
	return "in"
}

// Result is the policing decision for one accounted packet.
type Result uint8

const (
	Allow Result = iota
	Drop
)

func (r Result) String() string {
	if r == Drop {
		return "drop"
	}
	return "allow"
}

// bytesPerKbit converts a kbit/s rate into bytes per second.
const bytesPerKbit = 125

// Rate is a policing {rate, burst} pair. Rate is in kbit/s, Burst in bytes.
// A zero Rate disables policing. A zero Burst with a non-zero Rate allows one second of traffic.
type Rate struct {
	Rate  uint32
	Burst uint32
}

// Capacity returns the bucket size in bytes.
func (r Rate) Capacity() uint64 {
	if r.Burst == 0 {
		return uint64(r.Rate) * bytesPerKbit
	}
	return uint64(r.Burst)
}

// RatePair holds one Rate per Direction.
type RatePair [2]Rate

// StatSnapshot is a consistent copy of a Stat.
type StatSnapshot struct {
	Packets  uint64
	Bytes    uint64
	Dropped  uint64
	Tokens   uint64
	LastSeen time.Time
}

// Stat is the accounting record of one direction of one session.
// It is guarded by its own mutex so datapath updates never wait on session flag changes.
type Stat struct {
	mu       sync.Mutex
	packets  uint64
	bytes    uint64
	dropped  uint64
	tokens   uint64
	primed   bool
	lastFill time.Time
	lastSeen time.Time
}

// Account polices and counts one packet of size bytes against r.
// Dropped packets leave the bucket untouched and are only counted in Dropped.
func (s *Stat) Account(r Rate, size int, now time.Time) Result {
	if size < 0 {
		size = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = now
	if r.Rate == 0 {
		s.packets++
		s.bytes += uint64(size)
		return Allow
	}

	s.refill(r, now)
	if s.tokens < uint64(size) {
		s.dropped++
		return Drop
	}
	s.tokens -= uint64(size)
	s.packets++
	s.bytes += uint64(size)
	return Allow
}

// refill adds the tokens accrued since the last fill. Must be called with mu held.
func (s *Stat) refill(r Rate, now time.Time) {
	capacity := r.Capacity()
	if !s.primed {
		s.tokens = capacity
		s.primed = true
		s.lastFill = now
		return
	}

	elapsed := now.Sub(s.lastFill)
	if elapsed <= 0 {
		if s.tokens > capacity {
			s.tokens = capacity
		}
		return
	}

	perSec := uint64(r.Rate) * bytesPerKbit
	hi, lo := bits.Mul64(uint64(elapsed), perSec)
	if hi >= uint64(time.Second) {
		s.tokens = capacity
		s.lastFill = now
		return
	}
	added, rem := bits.Div64(hi, lo, uint64(time.Second))
	if added == 0 {
		// Keep lastFill so sub-byte accruals are not lost.
		return
	}
	if added >= capacity || s.tokens >= capacity-added {
		s.tokens = capacity
		s.lastFill = now
		return
	}
	s.tokens += added
	// Carry the time owed for the fractional byte into the next fill.
	s.lastFill = now.Add(-time.Duration(rem / perSec))
}

// Touch records activity without counting a packet.
func (s *Stat) Touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

// LastSeen returns the time of the last accounted packet.
func (s *Stat) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Snapshot returns a consistent copy of the counters.
func (s *Stat) Snapshot() StatSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatSnapshot{
		Packets:  s.packets,
		Bytes:    s.bytes,
		Dropped:  s.dropped,
		Tokens:   s.tokens,
		LastSeen: s.lastSeen,
	}
}

// Reset clears the counters and the bucket. LastSeen is kept.
func (s *Stat) Reset() {
	s.mu.Lock()
	s.packets = 0
	s.bytes = 0
	s.dropped = 0
	s.tokens = 0
	s.primed = false
	s.mu.Unlock()
}

// RateCell publishes a RatePair so readers always observe a whole pair.
// Published pairs are immutable; a replaced pair is reclaimed by the GC once unreferenced.
type RateCell struct {
	p atomic.Pointer[RatePair]
}

// NewRateCell returns a cell holding rp.
func NewRateCell(rp RatePair) *RateCell {
	c := &RateCell{}
	c.Swap(rp)
	return c
}

// Load returns the current pair.
func (c *RateCell) Load() RatePair {
	if p := c.p.Load(); p != nil {
		return *p
	}
	return RatePair{}
}

// Swap publishes rp and returns the previous pair.
func (c *RateCell) Swap(rp RatePair) RatePair {
	next := rp
	old := c.p.Swap(&next)
	if old == nil {
		return RatePair{}
	}
	return *old
}
