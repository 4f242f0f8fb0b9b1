package session

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"GoISG/internal/engine/service"
	"GoISG/internal/errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Timeouts are the runtime defaults applied when a session does not carry its own values.
type Timeouts struct {
	ExportInterval     time.Duration
	IdleTimeout        time.Duration
	MaxDuration        time.Duration
	InitialMaxDuration time.Duration // lifetime of a session awaiting approval
	ApproveRetry       time.Duration
}

// ServiceRefs releases the description reference held by a sub-session.
type ServiceRefs interface {
	Release(d *service.Description) bool
}

// Config configures a Table.
type Config struct {
	Buckets        uint32
	PortBitmapSize uint32
	Timeouts       func() Timeouts
	Sink           Sink
	// Services, when set, receives the description of every reclaimed sub-session.
	Services ServiceRefs
	Logger   *zap.Logger
	Now      func() time.Time
}

type bucket struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
}

type idShard struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// Table is the session table of one namespace. Parent sessions are stored in
// key buckets and the id index; sub-sessions only in the id index and in their
// parent's child list.
//
// Sessions returned by Lookup, LookupByID, Insert, Create and AttachService carry
// a reference that must be released with Put.
type Table struct {
	buckets  []bucket
	ids      []idShard
	ports    *PortMap
	counters *Counters
	timeouts func() Timeouts
	sink     Sink
	services ServiceRefs
	now      func() time.Time
	logger   *zap.Logger
	closed   atomic.Bool
}

// NewTable creates an empty table.
func NewTable(cfg Config) *Table {
	n := cfg.Buckets
	if n == 0 {
		n = 1024
	}
	size := cfg.PortBitmapSize
	if size == 0 {
		size = 65536
	}
	t := &Table{
		buckets:  make([]bucket, n),
		ids:      make([]idShard, n),
		ports:    NewPortMap(size),
		counters: newCounters(),
		timeouts: cfg.Timeouts,
		sink:     cfg.Sink,
		services: cfg.Services,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	for i := range t.buckets {
		t.buckets[i].sessions = make(map[uint32]*Session)
		t.ids[i].sessions = make(map[uint64]*Session)
	}
	if t.timeouts == nil {
		t.timeouts = func() Timeouts { return Timeouts{} }
	}
	if t.sink == nil {
		t.sink = SinkFunc(func(Event) {})
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

func hashKey(key uint32) uint32 {
	return key * 0x9e3779b1
}

func hashID(id uint64) uint32 {
	return uint32(id^(id>>32)) * 0x9e3779b1
}

func (t *Table) bucketFor(key uint32) *bucket {
	return &t.buckets[hashKey(key)%uint32(len(t.buckets))]
}

func (t *Table) shardFor(id uint64) *idShard {
	return &t.ids[hashID(id)%uint32(len(t.ids))]
}

func newID() uint64 {
	for {
		u := uuid.New()
		if id := binary.LittleEndian.Uint64(u[:8]); id != 0 {
			return id
		}
	}
}

func newCookie() [CookieLen]byte {
	var c [CookieLen]byte
	a, b := uuid.New(), uuid.New()
	copy(c[:16], a[:])
	copy(c[16:], b[:])
	return c
}

func (t *Table) applyDefaults(info *Info, approved bool) {
	to := t.timeouts()
	if info.ExportInterval == 0 {
		info.ExportInterval = to.ExportInterval
	}
	if info.IdleTimeout == 0 {
		info.IdleTimeout = to.IdleTimeout
	}
	if info.MaxDuration == 0 {
		if approved {
			info.MaxDuration = to.MaxDuration
		} else {
			info.MaxDuration = to.InitialMaxDuration
		}
	}
}

// Lookup returns the parent session stored under key, or nil.
func (t *Table) Lookup(key uint32) *Session {
	b := t.bucketFor(key)
	b.mu.RLock()
	s := b.sessions[key]
	if s != nil {
		s.refs.Add(1)
	}
	b.mu.RUnlock()
	return s
}

// LookupByID returns the session or sub-session with id, or nil.
func (t *Table) LookupByID(id uint64) *Session {
	sh := t.shardFor(id)
	sh.mu.RLock()
	s := sh.sessions[id]
	if s != nil {
		s.refs.Add(1)
	}
	sh.mu.RUnlock()
	return s
}

// Put releases a reference. The last release of an unlinked session reclaims it.
func (t *Table) Put(s *Session) {
	if s == nil {
		return
	}
	if s.refs.Add(-1) == 0 {
		t.reclaim(s)
	}
}

// Insert adds a parent session. An approved identity emits START, any other CREATE.
func (t *Table) Insert(info Info) (*Session, error) {
	if t.closed.Load() {
		return nil, errors.New(errors.KindInternal, "session table closed")
	}
	if info.IPAddr == 0 {
		return nil, errors.New(errors.KindMalformed, "session address must not be zero")
	}

	approved := info.Flags&FlagApproved != 0
	info.Flags = info.Flags&FlagsRWMask | info.Flags&FlagApproved
	if info.ID == 0 {
		info.ID = newID()
	}
	t.applyDefaults(&info, approved)

	if info.PortNumber == 0 || !t.ports.Claim(info.PortNumber) {
		port, err := t.ports.Alloc()
		if err != nil {
			return nil, err
		}
		info.PortNumber = port
	}

	s := &Session{
		table: t,
		key:   info.IPAddr,
		hash:  hashKey(info.IPAddr),
		info:  info,
	}
	s.flags.Store(uint64(info.Flags))
	s.rate.Swap(info.Rate)
	s.refs.Store(2)

	now := t.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	b := t.bucketFor(s.key)
	sh := t.shardFor(info.ID)
	b.mu.Lock()
	if _, ok := b.sessions[s.key]; ok {
		b.mu.Unlock()
		t.ports.Release(info.PortNumber)
		return nil, errors.Attr(errors.Errorf(errors.KindConflict, "session for %s already exists", ipString(s.key)), "ip", ipString(s.key))
	}
	sh.mu.Lock()
	if _, ok := sh.sessions[info.ID]; ok {
		sh.mu.Unlock()
		b.mu.Unlock()
		t.ports.Release(info.PortNumber)
		return nil, errors.Attr(errors.Errorf(errors.KindConflict, "session id %d already exists", info.ID), "id", info.ID)
	}
	b.sessions[s.key] = s
	sh.sessions[info.ID] = s
	sh.mu.Unlock()
	b.mu.Unlock()

	st := t.counters.stripe(s.hash)
	if approved {
		st.approved.Add(1)
	} else {
		st.unapproved.Add(1)
	}

	s.start = now
	s.lastExport = now
	s.lastRetry = now
	if approved {
		t.emitLocked(s, EventStart, now)
	} else {
		t.emitLocked(s, EventCreate, now)
	}
	t.armLocked(s, now)
	return s, nil
}

// Create inserts an unapproved session for a subscriber first seen on the datapath.
func (t *Table) Create(ip uint32) (*Session, error) {
	return t.Insert(Info{IPAddr: ip, Cookie: newCookie()})
}

// Approve approves s with the controller-supplied info. Zero timeouts take the defaults.
// Approving an unapproved session restarts its accounting and emits START.
func (t *Table) Approve(s *Session, upd Info) error {
	now := t.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsDying() {
		return errors.Errorf(errors.KindNotFound, "session %d is being removed", s.info.ID)
	}
	if s.IsService() {
		return errors.Errorf(errors.KindMalformed, "session %d is a service", s.info.ID)
	}

	t.applyDefaults(&upd, true)
	if upd.Cookie != ([CookieLen]byte{}) {
		s.info.Cookie = upd.Cookie
	}
	s.info.NATIPAddr = upd.NATIPAddr
	if upd.MACAddr != ([6]byte{}) {
		s.info.MACAddr = upd.MACAddr
	}
	s.info.ExportInterval = upd.ExportInterval
	s.info.IdleTimeout = upd.IdleTimeout
	s.info.MaxDuration = upd.MaxDuration
	s.rate.Swap(upd.Rate)
	s.setFlags(upd.Flags&FlagsRWMask, ^upd.Flags&FlagsRWMask)

	if !s.IsApproved() {
		s.setFlags(FlagApproved, 0)
		st := t.counters.stripe(s.hash)
		st.unapproved.Add(-1)
		st.approved.Add(1)
		s.restartLocked(now)
		t.emitLocked(s, EventStart, now)
	}
	t.armLocked(s, now)
	return nil
}

// Change replaces the rate of s and any non-zero timeout.
func (t *Table) Change(s *Session, upd Info) error {
	now := t.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsDying() {
		return errors.Errorf(errors.KindNotFound, "session %d is being removed", s.info.ID)
	}
	s.rate.Swap(upd.Rate)
	if upd.ExportInterval != 0 {
		s.info.ExportInterval = upd.ExportInterval
	}
	if upd.IdleTimeout != 0 {
		s.info.IdleTimeout = upd.IdleTimeout
	}
	if upd.MaxDuration != 0 {
		s.info.MaxDuration = upd.MaxDuration
	}
	t.armLocked(s, now)
	return nil
}

// SetFlags sets or clears the controller-writable bits of mask on s. Toggling
// status-on on a service brings it online (START) or offline (UPDATE).
func (t *Table) SetFlags(s *Session, mask Flags, op FlagOp) error {
	if op != FlagOpSet && op != FlagOpUnset {
		return errors.Errorf(errors.KindMalformed, "invalid flag operation %d", op)
	}
	mask &= FlagsRWMask

	now := t.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsDying() {
		return errors.Errorf(errors.KindNotFound, "session %d is being removed", s.info.ID)
	}
	if op == FlagOpSet {
		s.setFlags(mask, 0)
	} else {
		s.setFlags(0, mask)
	}
	if s.IsService() {
		t.updateOnlineLocked(s, now)
	}
	t.armLocked(s, now)
	return nil
}

// updateOnlineLocked reconciles the online flag of a service with its status-on flag.
func (t *Table) updateOnlineLocked(s *Session, now time.Time) {
	f := s.Flags()
	switch {
	case f&FlagServiceStatusOn != 0 && f&FlagServiceOnline == 0:
		s.setFlags(FlagServiceOnline, 0)
		s.restartLocked(now)
		t.emitLocked(s, EventStart, now)
	case f&FlagServiceStatusOn == 0 && f&FlagServiceOnline != 0:
		s.setFlags(0, FlagServiceOnline)
		t.emitLocked(s, EventUpdate, now)
	}
}

// restartLocked resets accounting and the timing reference of s.
func (s *Session) restartLocked(now time.Time) {
	s.stat[0].Reset()
	s.stat[1].Reset()
	s.start = now
	s.lastExport = now
}

// AttachService creates a sub-session of parent governed by desc.
func (t *Table) AttachService(parent *Session, desc *service.Description, upd Info) (*Session, error) {
	if desc == nil {
		return nil, errors.New(errors.KindMalformed, "service description required")
	}

	now := t.now()
	parent.mu.Lock()
	defer parent.mu.Unlock()

	if parent.IsDying() {
		return nil, errors.Errorf(errors.KindNotFound, "session %d is being removed", parent.info.ID)
	}
	if parent.IsService() {
		return nil, errors.Errorf(errors.KindMalformed, "session %d is a service and cannot own services", parent.info.ID)
	}
	if !parent.IsApproved() {
		return nil, errors.Errorf(errors.KindMalformed, "session %d is not approved", parent.info.ID)
	}
	for _, c := range parent.Children() {
		if c.ServiceName() == desc.Name() {
			return nil, errors.Errorf(errors.KindConflict, "session %d already has service %q", parent.info.ID, desc.Name())
		}
	}

	info := upd
	if info.ID == 0 {
		info.ID = newID()
	}
	info.IPAddr = parent.info.IPAddr
	info.NATIPAddr = parent.info.NATIPAddr
	info.MACAddr = parent.info.MACAddr
	info.PortNumber = parent.info.PortNumber
	if info.Cookie == ([CookieLen]byte{}) {
		info.Cookie = parent.info.Cookie
	}
	info.Flags = FlagIsService | FlagApproved | upd.Flags&FlagsRWMask
	t.applyDefaults(&info, true)

	c := &Session{
		table:    t,
		key:      parent.key,
		hash:     parent.hash,
		info:     info,
		parentID: parent.info.ID,
		desc:     desc,
	}
	c.flags.Store(uint64(info.Flags))
	c.rate.Swap(info.Rate)
	c.refs.Store(2)

	c.mu.Lock()
	defer c.mu.Unlock()

	sh := t.shardFor(info.ID)
	sh.mu.Lock()
	if _, ok := sh.sessions[info.ID]; ok {
		sh.mu.Unlock()
		return nil, errors.Attr(errors.Errorf(errors.KindConflict, "session id %d already exists", info.ID), "id", info.ID)
	}
	sh.sessions[info.ID] = c
	sh.mu.Unlock()
	parent.addChild(c)

	c.start = now
	c.lastExport = now
	t.updateOnlineLocked(c, now)
	t.armLocked(c, now)
	return c, nil
}

// Remove tears s down: it is marked dying and its timer stopped, its children are
// removed (each emitting STOP), then STOP is emitted for s and it is unlinked.
// Reclamation happens on the last Put. Removing a dying session is a no-op.
func (t *Table) Remove(s *Session) {
	s.mu.Lock()
	if s.IsDying() {
		s.mu.Unlock()
		return
	}
	t.markDyingLocked(s)
	children := s.Children()
	if len(children) > 0 {
		s.mu.Unlock()
		for _, c := range children {
			t.Remove(c)
		}
		s.mu.Lock()
	}
	t.emitLocked(s, EventStop, t.now())
	s.mu.Unlock()

	t.unlink(s)
	t.Put(s)
}

func (t *Table) markDyingLocked(s *Session) {
	s.setFlags(FlagIsDying, 0)
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.parentID == 0 {
		st := t.counters.stripe(s.hash)
		if s.IsApproved() {
			st.approved.Add(-1)
		} else {
			st.unapproved.Add(-1)
		}
		st.dying.Add(1)
	}
}

func (t *Table) unlink(s *Session) {
	if s.parentID == 0 {
		b := t.bucketFor(s.key)
		b.mu.Lock()
		if b.sessions[s.key] == s {
			delete(b.sessions, s.key)
		}
		b.mu.Unlock()
	}

	sh := t.shardFor(s.info.ID)
	sh.mu.Lock()
	if sh.sessions[s.info.ID] == s {
		delete(sh.sessions, s.info.ID)
	}
	sh.mu.Unlock()

	if s.parentID != 0 {
		if p := t.LookupByID(s.parentID); p != nil {
			p.mu.Lock()
			p.removeChild(s)
			p.mu.Unlock()
			t.Put(p)
		}
	}
}

func (t *Table) reclaim(s *Session) {
	s.mu.Lock()
	if s.reclaimed {
		s.mu.Unlock()
		return
	}
	s.reclaimed = true
	if s.parentID == 0 {
		t.ports.Release(s.info.PortNumber)
		t.counters.stripe(s.hash).dying.Add(-1)
	}
	desc := s.desc
	s.mu.Unlock()

	if desc != nil && t.services != nil {
		if t.services.Release(desc) {
			t.logger.Debug("Dropped unused dynamic service description", zap.String("service", desc.Name()))
		}
	}
}

func (t *Table) emitLocked(s *Session, typ EventType, now time.Time) {
	t.sink.Emit(s.eventLocked(typ, now))
}

// Range calls fn for every session and sub-session until fn returns false.
// fn may remove sessions.
func (t *Table) Range(fn func(s *Session) bool) {
	for i := range t.ids {
		sh := &t.ids[i]
		sh.mu.RLock()
		batch := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			s.refs.Add(1)
			batch = append(batch, s)
		}
		sh.mu.RUnlock()

		stop := false
		for _, s := range batch {
			if !stop && !fn(s) {
				stop = true
			}
			t.Put(s)
		}
		if stop {
			return
		}
	}
}

// Count returns the aggregate counters of parent sessions.
func (t *Table) Count() Counts {
	return t.counters.Read()
}

// Len returns the number of linked sessions and sub-sessions.
func (t *Table) Len() int {
	n := 0
	for i := range t.ids {
		sh := &t.ids[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// PortsInUse returns the number of allocated virtual ports.
func (t *Table) PortsInUse() int {
	return t.ports.InUse()
}

// Close removes every session and rejects further inserts.
func (t *Table) Close() {
	t.closed.Store(true)
	t.Range(func(s *Session) bool {
		if s.parentID == 0 {
			t.Remove(s)
		}
		return true
	})
	t.Range(func(s *Session) bool {
		t.Remove(s)
		return true
	})
}

func ipString(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IP(b[:]).String()
}
