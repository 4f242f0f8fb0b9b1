package session

import (
	"runtime"
	"sync/atomic"
)

// Counts is the aggregate session state of a table.
type Counts struct {
	Approved   int64 `json:"approved"`
	Unapproved int64 `json:"unapproved"`
	Dying      int64 `json:"dying"`
}

// Total returns the number of counted sessions.
func (c Counts) Total() int64 {
	return c.Approved + c.Unapproved + c.Dying
}

type counterStripe struct {
	approved   atomic.Int64
	unapproved atomic.Int64
	dying      atomic.Int64
	_          [40]byte // keep stripes on separate cache lines
}

// Counters are striped aggregate counters. Writers touch one stripe chosen by
// the session hash; readers sum all stripes.
type Counters struct {
	stripes []counterStripe
}

func newCounters() *Counters {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &Counters{stripes: make([]counterStripe, n)}
}

func (c *Counters) stripe(hash uint32) *counterStripe {
	return &c.stripes[hash%uint32(len(c.stripes))]
}

// Read sums every stripe.
func (c *Counters) Read() Counts {
	var out Counts
	for i := range c.stripes {
		s := &c.stripes[i]
		out.Approved += s.approved.Load()
		out.Unapproved += s.unapproved.Load()
		out.Dying += s.dying.Load()
	}
	return out
}
