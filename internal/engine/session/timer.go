package session

import (
	"time"

	"go.uber.org/zap"
)

// exportableLocked reports whether s emits periodic UPDATE events.
func (s *Session) exportableLocked() bool {
	f := s.Flags()
	if f&FlagIsService != 0 {
		return f&FlagServiceOnline != 0
	}
	return f&FlagApproved != 0
}

// nextDeadlineLocked returns the earliest pending deadline of s.
func (t *Table) nextDeadlineLocked(s *Session) (time.Time, bool) {
	var next time.Time
	consider := func(d time.Time) {
		if next.IsZero() || d.Before(next) {
			next = d
		}
	}

	if s.info.MaxDuration > 0 {
		consider(s.start.Add(s.info.MaxDuration))
	}
	if s.info.IdleTimeout > 0 {
		consider(s.lastActivityLocked().Add(s.info.IdleTimeout))
	}
	if s.info.ExportInterval > 0 && s.exportableLocked() {
		consider(s.lastExport.Add(s.info.ExportInterval))
	}
	if retry := t.timeouts().ApproveRetry; retry > 0 && s.Flags()&(FlagApproved|FlagIsService) == 0 {
		consider(s.lastRetry.Add(retry))
	}
	return next, !next.IsZero()
}

// armLocked points the session timer at the nearest deadline.
func (t *Table) armLocked(s *Session, now time.Time) {
	if s.IsDying() {
		return
	}
	next, ok := t.nextDeadlineLocked(s)
	if !ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		return
	}
	d := next.Sub(now)
	if d < 0 {
		d = 0
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(d, func() { t.fire(s) })
		return
	}
	s.timer.Reset(d)
}

// fire handles an expired session timer. Idle and duration expiry remove the
// session; export and approve-retry deadlines emit UPDATE and CREATE.
// Packets only move the idle deadline forward, so an early wakeup simply re-arms.
func (t *Table) fire(s *Session) {
	if s.parentID != 0 && !t.parentLinked(s.parentID) {
		t.logger.Warn("Sub-session lost its parent, removing",
			zap.Uint64("id", s.ID()), zap.Uint64("parent_id", s.parentID))
		t.Remove(s)
		return
	}

	now := t.now()
	s.mu.Lock()
	if s.IsDying() {
		s.mu.Unlock()
		return
	}

	reason := ""
	switch {
	case s.info.MaxDuration > 0 && !now.Before(s.start.Add(s.info.MaxDuration)):
		reason = "max_duration"
	case s.info.IdleTimeout > 0 && !now.Before(s.lastActivityLocked().Add(s.info.IdleTimeout)):
		reason = "idle_timeout"
	}
	if reason == "" {
		if s.info.ExportInterval > 0 && s.exportableLocked() && !now.Before(s.lastExport.Add(s.info.ExportInterval)) {
			s.lastExport = now
			t.emitLocked(s, EventUpdate, now)
		}
		if retry := t.timeouts().ApproveRetry; retry > 0 && s.Flags()&(FlagApproved|FlagIsService) == 0 &&
			!now.Before(s.lastRetry.Add(retry)) {
			s.lastRetry = now
			t.emitLocked(s, EventCreate, now)
		}
		t.armLocked(s, now)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	t.logger.Debug("Session expired", zap.Uint64("id", s.ID()), zap.String("reason", reason))
	t.Remove(s)
}

func (t *Table) parentLinked(id uint64) bool {
	p := t.LookupByID(id)
	if p == nil {
		return false
	}
	t.Put(p)
	return true
}
