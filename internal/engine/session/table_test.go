package session

import (
	"sync"
	"testing"
	"time"

	"GoISG/internal/engine/acct"
	"GoISG/internal/engine/nehash"
	"GoISG/internal/engine/service"
	"GoISG/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(typ EventType, id uint64) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == typ && ev.Info.ID == id {
			n++
		}
	}
	return n
}

func newTestTable(to Timeouts) (*Table, *recorder) {
	rec := &recorder{}
	t := NewTable(Config{
		Buckets:        16,
		PortBitmapSize: 1024,
		Timeouts:       func() Timeouts { return to },
		Sink:           rec,
	})
	return t, rec
}

func newDesc(t *testing.T, name string, classes ...string) *service.Description {
	reg := service.NewRegistry(nehash.New(0))
	d, err := reg.Create(name, classes, false)
	require.NoError(t, err)
	return d
}

func TestInsertRemoveVisibility(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	assert.Nil(t, tbl.Lookup(0x0a000001))

	s, err := tbl.Insert(Info{ID: 7, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	tbl.Put(s)

	got := tbl.Lookup(0x0a000001)
	require.NotNil(t, got)
	assert.Equal(t, uint64(7), got.ID())
	byID := tbl.LookupByID(7)
	require.Same(t, got, byID)
	tbl.Put(byID)

	tbl.Remove(got)
	tbl.Put(got)

	assert.Nil(t, tbl.Lookup(0x0a000001))
	assert.Nil(t, tbl.LookupByID(7))
	assert.Zero(t, tbl.Len())
	assert.Equal(t, []EventType{EventStart, EventStop}, rec.types())
}

func TestInsertDuplicateConflict(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{ID: 1, IPAddr: 0x0a000001})
	require.NoError(t, err)
	tbl.Put(s)

	_, err = tbl.Insert(Info{ID: 2, IPAddr: 0x0a000001})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	_, err = tbl.Insert(Info{ID: 1, IPAddr: 0x0a000002})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, int64(1), tbl.Count().Total())
	assert.Equal(t, 1, tbl.PortsInUse())
	got := tbl.Lookup(0x0a000001)
	require.NotNil(t, got)
	assert.Equal(t, uint64(1), got.ID())
	tbl.Put(got)
}

func TestInsertMalformed(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	_, err := tbl.Insert(Info{ID: 1})
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
}

func TestRemoveParentStopsChildrenFirst(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	p, err := tbl.Insert(Info{ID: 100, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)

	c1, err := tbl.AttachService(p, newDesc(t, "video", "cdn"), Info{ID: 101})
	require.NoError(t, err)
	c2, err := tbl.AttachService(p, newDesc(t, "voice", "sip"), Info{ID: 102, Flags: FlagServiceStatusOn})
	require.NoError(t, err)
	assert.Len(t, p.Children(), 2)
	assert.Equal(t, uint64(100), c1.ParentID())
	assert.True(t, c2.Flags().Has(FlagServiceOnline))
	tbl.Put(c1)
	tbl.Put(c2)

	tbl.Remove(p)
	tbl.Put(p)

	var stops []uint64
	for _, ev := range rec.all() {
		if ev.Type == EventStop {
			stops = append(stops, ev.Info.ID)
		}
	}
	require.Len(t, stops, 3)
	assert.ElementsMatch(t, []uint64{101, 102}, stops[:2])
	assert.Equal(t, uint64(100), stops[2])

	assert.Nil(t, tbl.LookupByID(101))
	assert.Nil(t, tbl.LookupByID(102))
	assert.Zero(t, tbl.Len())
	assert.Zero(t, tbl.Count().Total())
	assert.Zero(t, tbl.PortsInUse())
}

func TestRemoveChildUnlinksFromParent(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	p, err := tbl.Insert(Info{ID: 1, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	defer tbl.Put(p)
	c, err := tbl.AttachService(p, newDesc(t, "svc", "a"), Info{ID: 2})
	require.NoError(t, err)

	tbl.Remove(c)
	tbl.Put(c)
	assert.Empty(t, p.Children())
	assert.Equal(t, 1, rec.count(EventStop, 2))
	assert.Zero(t, rec.count(EventStop, 1))
}

func TestAttachServiceRules(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	unapproved, err := tbl.Create(0x0a000009)
	require.NoError(t, err)
	defer tbl.Put(unapproved)

	desc := newDesc(t, "svc", "a")
	_, err = tbl.AttachService(unapproved, desc, Info{})
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	p, err := tbl.Insert(Info{IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	defer tbl.Put(p)
	c, err := tbl.AttachService(p, desc, Info{})
	require.NoError(t, err)
	defer tbl.Put(c)

	_, err = tbl.AttachService(p, desc, Info{})
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	_, err = tbl.AttachService(c, newDesc(t, "other", "b"), Info{})
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	assert.Equal(t, p.Info().PortNumber, c.Info().PortNumber)
	assert.Equal(t, int64(2), tbl.Count().Total())
}

type releaseLog struct {
	mu       sync.Mutex
	released []string
}

func (l *releaseLog) Release(d *service.Description) bool {
	l.mu.Lock()
	l.released = append(l.released, d.Name())
	l.mu.Unlock()
	return false
}

func TestReclaimReleasesServiceDescription(t *testing.T) {
	refs := &releaseLog{}
	tbl := NewTable(Config{Buckets: 16, PortBitmapSize: 1024, Services: refs})

	p, err := tbl.Insert(Info{IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	c, err := tbl.AttachService(p, newDesc(t, "svc", "a"), Info{})
	require.NoError(t, err)

	tbl.Remove(p)
	// The caller still holds c, so nothing is released yet.
	assert.Empty(t, refs.released)

	tbl.Put(c)
	tbl.Put(p)
	assert.Equal(t, []string{"svc"}, refs.released)
}

func TestCreateAndApprove(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{IdleTimeout: time.Hour, InitialMaxDuration: time.Minute, MaxDuration: 2 * time.Hour})
	s, err := tbl.Create(0x0a000001)
	require.NoError(t, err)
	defer tbl.Put(s)

	assert.False(t, s.IsApproved())
	assert.NotZero(t, s.ID())
	assert.NotZero(t, s.Info().PortNumber)
	assert.Equal(t, time.Minute, s.Info().MaxDuration)
	assert.Equal(t, Counts{Unapproved: 1}, tbl.Count())

	rate := acct.RatePair{{Rate: 1000, Burst: 10000}, {Rate: 2000, Burst: 20000}}
	require.NoError(t, tbl.Approve(s, Info{Rate: rate, IdleTimeout: 5 * time.Minute, Flags: FlagNoAccounting | FlagIsDying}))

	assert.True(t, s.IsApproved())
	assert.False(t, s.IsDying())
	assert.True(t, s.Flags().Has(FlagNoAccounting))
	info := s.Info()
	assert.Equal(t, rate, info.Rate)
	assert.Equal(t, 5*time.Minute, info.IdleTimeout)
	assert.Equal(t, 2*time.Hour, info.MaxDuration)
	assert.Equal(t, Counts{Approved: 1}, tbl.Count())
	assert.Equal(t, []EventType{EventCreate, EventStart}, rec.types())

	// A second approve updates without restarting.
	require.NoError(t, tbl.Approve(s, Info{Rate: rate}))
	assert.Equal(t, []EventType{EventCreate, EventStart}, rec.types())
}

func TestChange(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{IPAddr: 0x0a000001, Flags: FlagApproved, IdleTimeout: time.Hour, MaxDuration: 3 * time.Hour})
	require.NoError(t, err)
	defer tbl.Put(s)

	rate := acct.RatePair{{Rate: 8, Burst: 100}}
	require.NoError(t, tbl.Change(s, Info{Rate: rate, IdleTimeout: 2 * time.Hour}))
	info := s.Info()
	assert.Equal(t, rate, info.Rate)
	assert.Equal(t, 2*time.Hour, info.IdleTimeout)
	assert.Equal(t, 3*time.Hour, info.MaxDuration)

	now := time.Now()
	assert.Equal(t, acct.Allow, s.Account(acct.DirIn, 100, now))
	assert.Equal(t, acct.Drop, s.Account(acct.DirIn, 100, now))
}

func TestSetFlags_ServiceOnlineTransitions(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	p, err := tbl.Insert(Info{ID: 1, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	defer tbl.Put(p)
	c, err := tbl.AttachService(p, newDesc(t, "svc", "a"), Info{ID: 2})
	require.NoError(t, err)
	defer tbl.Put(c)
	assert.False(t, c.Flags().Has(FlagServiceOnline))

	c.Account(acct.DirIn, 500, time.Now())
	require.NoError(t, tbl.SetFlags(c, FlagServiceStatusOn|FlagApproved, FlagOpSet))
	assert.True(t, c.Flags().Has(FlagServiceOnline|FlagServiceStatusOn))
	assert.Zero(t, c.Stat(acct.DirIn).Snapshot().Packets)
	assert.Equal(t, 1, rec.count(EventStart, 2))

	require.NoError(t, tbl.SetFlags(c, FlagServiceStatusOn, FlagOpUnset))
	assert.False(t, c.Flags().Has(FlagServiceOnline))
	assert.Equal(t, 1, rec.count(EventUpdate, 2))

	err = tbl.SetFlags(c, FlagServiceStatusOn, FlagOp(7))
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))

	// Non-writable bits are ignored.
	require.NoError(t, tbl.SetFlags(p, FlagApproved|FlagNoAccounting, FlagOpUnset))
	assert.True(t, p.IsApproved())
}

func TestIdleTimeout(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{ID: 5, IPAddr: 0x0a000001, Flags: FlagApproved, IdleTimeout: 30 * time.Millisecond})
	require.NoError(t, err)
	tbl.Put(s)

	require.Eventually(t, func() bool { return rec.count(EventStop, 5) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, tbl.Lookup(0x0a000001))
	assert.Zero(t, tbl.Count().Total())
}

func TestIdleTimeoutRearmedByActivity(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{ID: 5, IPAddr: 0x0a000001, Flags: FlagApproved, IdleTimeout: 80 * time.Millisecond})
	require.NoError(t, err)
	defer tbl.Put(s)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Account(acct.DirIn, 10, time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, rec.count(EventStop, 5))
	require.Eventually(t, func() bool { return rec.count(EventStop, 5) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestMaxDurationNotExtendedByActivity(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{ID: 9, IPAddr: 0x0a000001, Flags: FlagApproved, MaxDuration: 60 * time.Millisecond, IdleTimeout: time.Hour})
	require.NoError(t, err)
	defer tbl.Put(s)

	start := time.Now()
	for time.Since(start) < 300*time.Millisecond && rec.count(EventStop, 9) == 0 {
		s.Account(acct.DirOut, 10, time.Now())
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, rec.count(EventStop, 9))
}

func TestExportInterval(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{ID: 3, IPAddr: 0x0a000001, Flags: FlagApproved, ExportInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer tbl.Put(s)

	require.Eventually(t, func() bool { return rec.count(EventUpdate, 3) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.NotNil(t, tbl.LookupByID(3))
}

func TestApproveRetryReemitsCreate(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{ApproveRetry: 20 * time.Millisecond, InitialMaxDuration: time.Hour})
	s, err := tbl.Create(0x0a000001)
	require.NoError(t, err)
	defer tbl.Put(s)

	require.Eventually(t, func() bool { return rec.count(EventCreate, s.ID()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tbl.Approve(s, Info{}))
	n := rec.count(EventCreate, s.ID())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, rec.count(EventCreate, s.ID()))
}

func TestReclaimDeferredUntilLastPut(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	s, err := tbl.Insert(Info{IPAddr: 0x0a000001})
	require.NoError(t, err)
	ref := tbl.Lookup(0x0a000001)
	require.NotNil(t, ref)

	tbl.Remove(s)
	tbl.Put(s)
	assert.Equal(t, Counts{Dying: 1}, tbl.Count())
	assert.Equal(t, 1, tbl.PortsInUse())
	assert.True(t, ref.IsDying())

	tbl.Put(ref)
	assert.Equal(t, Counts{}, tbl.Count())
	assert.Zero(t, tbl.PortsInUse())
}

func TestPortExhaustion(t *testing.T) {
	rec := &recorder{}
	tbl := NewTable(Config{Buckets: 4, PortBitmapSize: 3, Sink: rec})
	for i := uint32(1); i <= 2; i++ {
		s, err := tbl.Insert(Info{IPAddr: i})
		require.NoError(t, err)
		tbl.Put(s)
	}
	_, err := tbl.Insert(Info{IPAddr: 3})
	assert.Equal(t, errors.KindCapacityExceeded, errors.GetKind(err))
	assert.Nil(t, tbl.Lookup(3))
}

func TestOrphanedSubSessionRemoved(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	p, err := tbl.Insert(Info{ID: 1, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	defer tbl.Put(p)
	c, err := tbl.AttachService(p, newDesc(t, "svc", "a"), Info{ID: 2, IdleTimeout: time.Hour})
	require.NoError(t, err)
	defer tbl.Put(c)

	sh := tbl.shardFor(1)
	sh.mu.Lock()
	delete(sh.sessions, 1)
	sh.mu.Unlock()

	tbl.fire(c)
	assert.True(t, c.IsDying())
	assert.Equal(t, 1, rec.count(EventStop, 2))
	assert.Nil(t, tbl.LookupByID(2))
}

func TestClose(t *testing.T) {
	tbl, rec := newTestTable(Timeouts{})
	p, err := tbl.Insert(Info{ID: 1, IPAddr: 0x0a000001, Flags: FlagApproved})
	require.NoError(t, err)
	c, err := tbl.AttachService(p, newDesc(t, "svc", "a"), Info{ID: 2})
	require.NoError(t, err)
	tbl.Put(c)
	tbl.Put(p)

	tbl.Close()
	assert.Zero(t, tbl.Len())
	assert.Equal(t, 1, rec.count(EventStop, 1))
	assert.Equal(t, 1, rec.count(EventStop, 2))
	_, err = tbl.Insert(Info{IPAddr: 5})
	assert.Error(t, err)
}

func TestConcurrentInsertLookup(t *testing.T) {
	tbl, _ := newTestTable(Timeouts{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ip := uint32(w<<16 | i + 1)
				s, err := tbl.Insert(Info{IPAddr: ip, Flags: FlagApproved})
				if !assert.NoError(t, err) {
					return
				}
				got := tbl.Lookup(ip)
				assert.Same(t, s, got)
				tbl.Put(got)
				if i%2 == 0 {
					tbl.Remove(s)
					assert.Nil(t, tbl.Lookup(ip))
				}
				tbl.Put(s)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 400, tbl.Len())
	assert.Equal(t, Counts{Approved: 400}, tbl.Count())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "approved|dying", (FlagApproved | FlagIsDying).String())
	assert.Equal(t, Flags(0x54), FlagsRWMask)
}
