package message

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the per-direction buffer used by the orchestrator.
// Sends never block; a full buffer is reported as ErrChannelFull.
const DefaultCapacity = 256

var (
	// ErrDisconnected is returned when the peer endpoint has been closed.
	ErrDisconnected = errors.New("message: peer disconnected")

	// ErrClosed is returned when using an endpoint after Close.
	ErrClosed = errors.New("message: endpoint closed")

	// ErrChannelFull is returned by Send when the peer stopped draining.
	ErrChannelFull = errors.New("message: channel full")

	// ErrEmpty is returned by TryRecv when nothing is pending.
	ErrEmpty = errors.New("message: no pending message")
)

// Endpoint is one side of a bidirectional single-producer/single-consumer
// channel pair. An Endpoint must be used from one goroutine for sending and
// one goroutine for receiving.
type Endpoint struct {
	tx chan Message
	rx chan Message

	closed     chan struct{}
	peerClosed chan struct{}
	once       sync.Once
}

// Pair creates two endpoints connected back to back. Whatever a sends, b
// receives, and vice versa.
func Pair(capacity int) (a, b *Endpoint) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ab := make(chan Message, capacity)
	ba := make(chan Message, capacity)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a = &Endpoint{tx: ab, rx: ba, closed: aClosed, peerClosed: bClosed}
	b = &Endpoint{tx: ba, rx: ab, closed: bClosed, peerClosed: aClosed}
	return a, b
}

// Send queues m for the peer without blocking.
func (e *Endpoint) Send(m Message) error {
	select {
	case <-e.closed:
		return ErrClosed
	case <-e.peerClosed:
		return ErrDisconnected
	default:
	}

	select {
	case e.tx <- m:
		return nil
	default:
		return ErrChannelFull
	}
}

// Recv blocks until a message arrives, the peer disconnects or ctx ends.
// Messages queued before the peer disconnected are still delivered.
func (e *Endpoint) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-e.rx:
		return m, nil
	case <-e.closed:
		return nil, ErrClosed
	case <-e.peerClosed:
		select {
		case m := <-e.rx:
			return m, nil
		default:
			return nil, ErrDisconnected
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv returns the next pending message or ErrEmpty.
func (e *Endpoint) TryRecv() (Message, error) {
	select {
	case m := <-e.rx:
		return m, nil
	default:
	}

	select {
	case <-e.closed:
		return nil, ErrClosed
	case <-e.peerClosed:
		return nil, ErrDisconnected
	default:
		return nil, ErrEmpty
	}
}

// Incoming exposes the receive side for use in select statements. The
// channel is never closed; watch Disconnected for peer shutdown.
func (e *Endpoint) Incoming() <-chan Message {
	return e.rx
}

// Disconnected is closed once the peer has called Close.
func (e *Endpoint) Disconnected() <-chan struct{} {
	return e.peerClosed
}

// Close marks this side as gone. The peer observes ErrDisconnected once it
// has drained what was already queued.
func (e *Endpoint) Close() {
	e.once.Do(func() { close(e.closed) })
}
