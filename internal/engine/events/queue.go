package events

import (
	"sync"

	"GoISG/internal/engine/protocol"
	"GoISG/internal/errors"

	"go.uber.org/zap"
)

// ErrListenerGone is returned by a Sender when the listener can no longer be reached.
var ErrListenerGone = errors.New(errors.KindNotRegistered, "listener gone")

// Sender delivers an encoded event to the registered listener.
type Sender interface {
	Send(reg Registration, data []byte) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(reg Registration, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(reg Registration, data []byte) error { return f(reg, data) }

// Observer is notified of every event leaving the queue.
type Observer interface {
	EventSent(t protocol.EventType)
	EventDropped(t protocol.EventType)
}

type nopObserver struct{}

func (nopObserver) EventSent(protocol.EventType)    {}
func (nopObserver) EventDropped(protocol.EventType) {}

// Queue is an unbounded FIFO of outbound events drained by a single sender
// goroutine, so events reach the listener in enqueue order. Each event is
// encoded in the layout of the listener registered at send time.
type Queue struct {
	mu      sync.Mutex
	items   []protocol.OutEvent
	notify  chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool

	listener *Listener
	sender   Sender
	observer Observer
	logger   *zap.Logger
}

// NewQueue creates a queue delivering through sender to listener.
func NewQueue(listener *Listener, sender Sender, observer Observer, logger *zap.Logger) *Queue {
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		listener: listener,
		sender:   sender,
		observer: observer,
		logger:   logger,
	}
}

// Enqueue appends ev without blocking.
func (q *Queue) Enqueue(ev protocol.OutEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start launches the sender goroutine.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.run()
}

// Stop flushes pending events and stops the sender goroutine.
func (q *Queue) Stop() {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return
	}
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.notify:
			q.drain()
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		q.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			q.deliver(&batch[i])
		}
	}
}

func (q *Queue) deliver(ev *protocol.OutEvent) {
	reg, ok := q.listener.Current()
	if !ok {
		q.observer.EventDropped(ev.Type)
		return
	}
	if err := q.sender.Send(reg, ev.Marshal(reg.Version)); err != nil {
		q.observer.EventDropped(ev.Type)
		if errors.Is(err, ErrListenerGone) {
			q.listener.Drop(reg.PID)
			return
		}
		q.logger.Error("Failed to send event", zap.Stringer("type", ev.Type), zap.Int("pid", reg.PID), zap.Error(err))
		return
	}
	q.observer.EventSent(ev.Type)
}
