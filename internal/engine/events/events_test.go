package events

import (
	"os"
	"sync"
	"testing"
	"time"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/engine/session"
	"GoISG/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcs struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (f *fakeProcs) alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead[pid]
}

func (f *fakeProcs) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead == nil {
		f.dead = make(map[int]bool)
	}
	f.dead[pid] = true
}

func TestRegister_SecondListenerRejectedUntilUnregister(t *testing.T) {
	procs := &fakeProcs{}
	l := NewListener(procs.alive, nil)
	assert.Equal(t, StateNoListener, l.State())

	_, err := l.Register(100, 1, false)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, l.State())

	_, err = l.Register(200, 1, false)
	assert.Equal(t, errors.KindAlreadyRegistered, errors.GetKind(err))

	require.NoError(t, l.Unregister(100))
	assert.Equal(t, StateNoListener, l.State())

	reg, err := l.Register(200, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 200, reg.PID)
	assert.Equal(t, protocol.Version0, reg.Version)
}

func TestRegister_SamePidReregisters(t *testing.T) {
	l := NewListener(func(int) bool { return true }, nil)
	_, err := l.Register(100, 0, false)
	require.NoError(t, err)
	reg, err := l.Register(100, 1, false)
	require.NoError(t, err)
	assert.Equal(t, protocol.Version1, reg.Version)
}

func TestRegister_Supersede(t *testing.T) {
	l := NewListener(func(int) bool { return true }, nil)
	_, err := l.Register(100, 1, false)
	require.NoError(t, err)
	reg, err := l.Register(200, 1, true)
	require.NoError(t, err)
	assert.Equal(t, 200, reg.PID)
	assert.Equal(t, errors.KindNotRegistered, errors.GetKind(l.Unregister(100)))
}

func TestRegister_ReplacesVanishedListener(t *testing.T) {
	procs := &fakeProcs{}
	l := NewListener(procs.alive, nil)
	_, err := l.Register(100, 1, false)
	require.NoError(t, err)
	procs.kill(100)
	_, err = l.Register(200, 1, false)
	require.NoError(t, err)
}

func TestRegister_Invalid(t *testing.T) {
	l := NewListener(nil, nil)
	_, err := l.Register(100, 7, false)
	assert.Equal(t, errors.KindProtocolMismatch, errors.GetKind(err))
	_, err = l.Register(0, 1, false)
	assert.Equal(t, errors.KindMalformed, errors.GetKind(err))
	assert.Equal(t, StateNoListener, l.State())
	assert.Equal(t, errors.KindNotRegistered, errors.GetKind(l.Authorize()))
}

func TestCheck_RevertsWhenProcessExits(t *testing.T) {
	procs := &fakeProcs{}
	l := NewListener(procs.alive, nil)
	_, err := l.Register(100, 1, false)
	require.NoError(t, err)
	assert.False(t, l.Check())
	assert.NoError(t, l.Authorize())

	procs.kill(100)
	assert.True(t, l.Check())
	assert.Equal(t, StateNoListener, l.State())
	assert.False(t, l.Check())
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
}

type captureSender struct {
	mu   sync.Mutex
	sent [][]byte
	regs []Registration
	err  error
}

func (c *captureSender) Send(reg Registration, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, data)
	c.regs = append(c.regs, reg)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type countingObserver struct {
	mu      sync.Mutex
	sent    int
	dropped int
}

func (o *countingObserver) EventSent(protocol.EventType) {
	o.mu.Lock()
	o.sent++
	o.mu.Unlock()
}

func (o *countingObserver) EventDropped(protocol.EventType) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sent, o.dropped
}

func TestQueue_PreservesOrderAndVersion(t *testing.T) {
	l := NewListener(func(int) bool { return true }, nil)
	_, err := l.Register(100, 0, false)
	require.NoError(t, err)

	sender := &captureSender{}
	q := NewQueue(l, sender, nil, nil)
	q.Start()
	for i := 1; i <= 50; i++ {
		q.Enqueue(protocol.OutEvent{Type: protocol.EventSessUpdate, Info: session.Info{ID: uint64(i)}})
	}
	q.Stop()

	require.Equal(t, 50, sender.count())
	for i, data := range sender.sent {
		require.Len(t, data, protocol.OutEventSize(protocol.Version0))
		ev, err := protocol.UnmarshalOutEvent(data, protocol.Version0)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Info.ID)
	}
}

func TestQueue_DropsWithoutListener(t *testing.T) {
	l := NewListener(func(int) bool { return true }, nil)
	sender := &captureSender{}
	obs := &countingObserver{}
	q := NewQueue(l, sender, obs, nil)
	q.Start()
	q.Enqueue(protocol.OutEvent{Type: protocol.EventSessStop})
	q.Stop()

	assert.Zero(t, sender.count())
	sent, dropped := obs.counts()
	assert.Zero(t, sent)
	assert.Equal(t, 1, dropped)
}

func TestQueue_ListenerGoneUnregisters(t *testing.T) {
	l := NewListener(func(int) bool { return true }, nil)
	_, err := l.Register(100, 1, false)
	require.NoError(t, err)

	sender := &captureSender{err: errors.Wrap(ErrListenerGone, errors.KindNotRegistered, "no responders")}
	q := NewQueue(l, sender, nil, nil)
	q.Start()
	q.Enqueue(protocol.OutEvent{Type: protocol.EventSessStart})

	require.Eventually(t, func() bool { return l.State() == StateNoListener }, time.Second, 5*time.Millisecond)
	q.Stop()
}
