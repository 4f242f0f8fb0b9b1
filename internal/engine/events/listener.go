// Package events tracks the single registered controller of a namespace and
// delivers outbound events to it in order.
package events

import (
	"sync"
	"time"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// State is the listener state of a namespace.
type State uint8

const (
	StateNoListener State = iota
	StateRegistered
)

func (s State) String() string {
	if s == StateRegistered {
		return "registered"
	}
	return "no_listener"
}

// Registration identifies the registered controller.
type Registration struct {
	PID     int              `json:"pid"`
	Version protocol.Version `json:"version"`
	Since   time.Time        `json:"since"`
}

// ProcessAlive reports whether a process with pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// Listener is the NO_LISTENER/REGISTERED state machine.
type Listener struct {
	mu     sync.RWMutex
	reg    *Registration
	alive  func(pid int) bool
	logger *zap.Logger
}

// NewListener creates a listener in NO_LISTENER. A nil alive defaults to ProcessAlive.
func NewListener(alive func(pid int) bool, logger *zap.Logger) *Listener {
	if alive == nil {
		alive = ProcessAlive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{alive: alive, logger: logger}
}

// Register installs pid as the listener speaking version. A registration from the
// current pid re-registers; another pid replaces the current one only when it
// supersedes explicitly or the current process has exited.
func (l *Listener) Register(pid int, version uint32, supersede bool) (Registration, error) {
	v, err := protocol.ParseVersion(version)
	if err != nil {
		return Registration{}, err
	}
	if pid <= 0 {
		return Registration{}, errors.Errorf(errors.KindMalformed, "invalid listener pid %d", pid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cur := l.reg; cur != nil && cur.PID != pid {
		switch {
		case supersede:
			l.logger.Info("Listener superseded", zap.Int("old_pid", cur.PID), zap.Int("pid", pid))
		case !l.alive(cur.PID):
			l.logger.Info("Replacing vanished listener", zap.Int("old_pid", cur.PID), zap.Int("pid", pid))
		default:
			return Registration{}, errors.Attr(errors.Errorf(errors.KindAlreadyRegistered,
				"listener pid %d already registered", cur.PID), "pid", cur.PID)
		}
	}

	reg := Registration{PID: pid, Version: v, Since: time.Now()}
	l.reg = &reg
	l.logger.Info("Listener registered", zap.Int("pid", pid), zap.Uint32("version", uint32(v)))
	return reg, nil
}

// Unregister removes pid as the listener.
func (l *Listener) Unregister(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg == nil || l.reg.PID != pid {
		return errors.Errorf(errors.KindNotRegistered, "pid %d is not the registered listener", pid)
	}
	l.reg = nil
	l.logger.Info("Listener unregistered", zap.Int("pid", pid))
	return nil
}

// Drop reverts to NO_LISTENER if pid is still the registered listener.
func (l *Listener) Drop(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg != nil && l.reg.PID == pid {
		l.reg = nil
		l.logger.Warn("Listener dropped", zap.Int("pid", pid))
	}
}

// Check reverts to NO_LISTENER when the registered process has exited.
// It reports whether the listener was dropped.
func (l *Listener) Check() bool {
	l.mu.RLock()
	cur := l.reg
	l.mu.RUnlock()
	if cur == nil || l.alive(cur.PID) {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reg == nil || l.reg.PID != cur.PID {
		return false
	}
	l.reg = nil
	l.logger.Warn("Listener process vanished", zap.Int("pid", cur.PID))
	return true
}

// Current returns the registration, if any.
func (l *Listener) Current() (Registration, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.reg == nil {
		return Registration{}, false
	}
	return *l.reg, true
}

// State returns the current state.
func (l *Listener) State() State {
	if _, ok := l.Current(); ok {
		return StateRegistered
	}
	return StateNoListener
}

// Authorize checks that commands are accepted, which requires a registered listener.
func (l *Listener) Authorize() error {
	if _, ok := l.Current(); !ok {
		return errors.New(errors.KindNotRegistered, "no listener registered")
	}
	return nil
}
