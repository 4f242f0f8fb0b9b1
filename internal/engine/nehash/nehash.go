// Package nehash implements the network-entry classification table: a prefix to
// traffic-class lookup whose updates are staged in a queue and committed in one step.
//
// Matching policy: the most specific (longest) mask wins; among entries with an
// identical prefix and mask, the one queued first wins.
package nehash

import (
	"math/bits"
	"sort"
	"sync"

	"GoISG/internal/errors"
)

// MaxClassNameLen is the size of a class name on the wire.
const MaxClassNameLen = 32

// TrafficClass is a named tag shared by network entries and service descriptions.
// Two classes are the same class when their names are equal.
type TrafficClass struct {
	name string
}

// Name returns the class name.
func (c *TrafficClass) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Entry is one {prefix, mask} -> class record.
type Entry struct {
	Prefix uint32
	Mask   uint32
	Class  *TrafficClass
}

// PrefixLen returns the CIDR length of the entry's mask.
func (e Entry) PrefixLen() int {
	return bits.OnesCount32(e.Mask)
}

// snapshot is an immutable committed table.
type snapshot struct {
	entries []Entry
	lengths []int // populated prefix lengths, longest first
	byLen   map[int]map[uint32]*TrafficClass
}

var emptySnapshot = buildSnapshot(nil)

func buildSnapshot(entries []Entry) *snapshot {
	s := &snapshot{
		entries: entries,
		byLen:   make(map[int]map[uint32]*TrafficClass),
	}
	for _, e := range entries {
		l := e.PrefixLen()
		m, ok := s.byLen[l]
		if !ok {
			m = make(map[uint32]*TrafficClass)
			s.byLen[l] = m
			s.lengths = append(s.lengths, l)
		}
		if _, dup := m[e.Prefix]; !dup {
			m[e.Prefix] = e.Class
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(s.lengths)))
	return s
}

func (s *snapshot) lookup(addr uint32) *TrafficClass {
	for _, l := range s.lengths {
		if c, ok := s.byLen[l][addr&lenToMask(l)]; ok {
			return c
		}
	}
	return nil
}

func lenToMask(l int) uint32 {
	if l == 0 {
		return 0
	}
	return ^uint32(0) << (32 - l)
}

// Table is the classification table of one namespace.
type Table struct {
	mu   sync.RWMutex
	live *snapshot

	qmu        sync.Mutex
	queue      []Entry
	classes    map[string]*TrafficClass
	maxEntries int
}

// New creates an empty table. A positive maxEntries bounds the size of a commit.
func New(maxEntries int) *Table {
	return &Table{
		live:       emptySnapshot,
		classes:    make(map[string]*TrafficClass),
		maxEntries: maxEntries,
	}
}

// ValidMask reports whether mask is a contiguous CIDR mask.
func ValidMask(mask uint32) bool {
	inv := ^mask
	return inv&(inv+1) == 0
}

// ValidClassName reports whether name fits the wire format.
func ValidClassName(name string) bool {
	return len(name) > 0 && len(name) <= MaxClassNameLen
}

// QueueAdd stages an entry. Staged entries are invisible to Lookup until CommitQueue.
func (t *Table) QueueAdd(prefix, mask uint32, class string) error {
	if !ValidMask(mask) {
		return errors.Errorf(errors.KindMalformed, "non-contiguous mask %#08x", mask)
	}
	if !ValidClassName(class) {
		return errors.Errorf(errors.KindMalformed, "invalid traffic class name %q", class)
	}

	t.qmu.Lock()
	defer t.qmu.Unlock()
	t.queue = append(t.queue, Entry{
		Prefix: prefix & mask,
		Mask:   mask,
		Class:  t.ensureClassLocked(class),
	})
	return nil
}

// CommitQueue replaces the live table with the queued entries and empties the queue.
// If the queue exceeds the table capacity nothing changes and KindCommitFailed is returned.
func (t *Table) CommitQueue() (int, error) {
	t.qmu.Lock()
	defer t.qmu.Unlock()

	n := len(t.queue)
	if t.maxEntries > 0 && n > t.maxEntries {
		return 0, errors.Errorf(errors.KindCommitFailed, "%d queued entries exceed table capacity %d", n, t.maxEntries)
	}

	next := buildSnapshot(t.queue)
	t.queue = nil

	t.mu.Lock()
	t.live = next
	t.mu.Unlock()

	t.pruneClassesLocked()
	return n, nil
}

// Lookup returns the class of addr, or nil.
func (t *Table) Lookup(addr uint32) *TrafficClass {
	t.mu.RLock()
	s := t.live
	t.mu.RUnlock()
	return s.lookup(addr)
}

// SweepQueue discards all staged entries.
func (t *Table) SweepQueue() {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	t.queue = nil
	t.pruneClassesLocked()
}

// SweepEntries removes every live entry.
func (t *Table) SweepEntries() {
	t.qmu.Lock()
	defer t.qmu.Unlock()

	t.mu.Lock()
	t.live = emptySnapshot
	t.mu.Unlock()

	t.pruneClassesLocked()
}

// FindClass returns the registered class called name, or nil.
func (t *Table) FindClass(name string) *TrafficClass {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return t.classes[name]
}

// EnsureClass returns the class called name, registering it if needed.
func (t *Table) EnsureClass(name string) (*TrafficClass, error) {
	if !ValidClassName(name) {
		return nil, errors.Errorf(errors.KindMalformed, "invalid traffic class name %q", name)
	}
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return t.ensureClassLocked(name), nil
}

func (t *Table) ensureClassLocked(name string) *TrafficClass {
	if c, ok := t.classes[name]; ok {
		return c
	}
	c := &TrafficClass{name: name}
	t.classes[name] = c
	return c
}

// pruneClassesLocked drops registry names no longer referenced by the live table
// or the queue. Must be called with qmu held.
func (t *Table) pruneClassesLocked() {
	used := make(map[string]struct{}, len(t.classes))
	t.mu.RLock()
	for _, e := range t.live.entries {
		used[e.Class.name] = struct{}{}
	}
	t.mu.RUnlock()
	for _, e := range t.queue {
		used[e.Class.name] = struct{}{}
	}
	for name := range t.classes {
		if _, ok := used[name]; !ok {
			delete(t.classes, name)
		}
	}
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live.entries)
}

// QueueLen returns the number of staged entries.
func (t *Table) QueueLen() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

// Entries returns a copy of the live entries in commit order.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	s := t.live
	t.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Classes returns the names of all registered classes, sorted.
func (t *Table) Classes() []string {
	t.qmu.Lock()
	names := make([]string, 0, len(t.classes))
	for name := range t.classes {
		names = append(names, name)
	}
	t.qmu.Unlock()
	sort.Strings(names)
	return names
}
