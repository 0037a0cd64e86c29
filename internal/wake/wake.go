// Package wake provides the cross-component wakeup primitive.
//
// Each component blocks in exactly one place: its event source. A peer that
// queued a message on a channel raises a wakeup at the component's window so
// that the blocked wait returns without polling. The wakeup carries no data;
// the data travels on the message channel.
//
// Two implementations exist: x11.Conn delivers wakeups as empty client
// messages tagged with an interned atom, Hub delivers them over Go channels
// and is used by tests and by targets without a window system.
package wake

import (
	"errors"
	"sync"

	"vime/internal/message"
)

var (
	// ErrUnknownWindow is returned when notifying a window nobody registered.
	ErrUnknownWindow = errors.New("wake: unknown window")

	// ErrOverflow is returned when a queue is not being drained.
	ErrOverflow = errors.New("wake: queue overflow")

	// ErrClosed is returned when notifying a closed queue.
	ErrClosed = errors.New("wake: queue closed")
)

// Event is what a Source delivers: either a wakeup or a native windowing
// event the component may care about (key events, mostly).
type Event struct {
	// Wake is set for wakeups; From names the window that raised it.
	Wake bool
	From message.Window

	// Native holds the windowing-system event when Wake is false.
	Native any
}

// Notifier raises a wakeup at a peer's window.
type Notifier = message.Notifier

// Source is a component's blocking event wait, expressed as a channel so it
// can be combined with other inputs in a select.
type Source interface {
	// Events is closed when the underlying connection is gone.
	Events() <-chan Event

	// Err reports why Events was closed.
	Err() error
}

// Hub is an in-process Notifier that routes wakeups to registered queues.
type Hub struct {
	mu     sync.RWMutex
	queues map[message.Window]*Queue
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{queues: make(map[message.Window]*Queue)}
}

// Register creates the queue backing window w.
func (h *Hub) Register(w message.Window, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{ch: make(chan Event, capacity)}

	h.mu.Lock()
	h.queues[w] = q
	h.mu.Unlock()
	return q
}

// Notify implements Notifier.
func (h *Hub) Notify(from, to message.Window) error {
	h.mu.RLock()
	q, ok := h.queues[to]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownWindow
	}
	return q.push(Event{Wake: true, From: from})
}

// Queue is a Source fed by a Hub.
type Queue struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	err    error
}

// Events implements Source.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Err implements Source.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Inject delivers a native event, as a window system would.
func (q *Queue) Inject(native any) error {
	return q.push(Event{Native: native})
}

// Close ends the source with err (nil means a clean shutdown).
func (q *Queue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	close(q.ch)
}

func (q *Queue) push(ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrOverflow
	}
}

var (
	_ Notifier = (*Hub)(nil)
	_ Source   = (*Queue)(nil)
)
