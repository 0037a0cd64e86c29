package message

import (
	"context"
	"fmt"
)

// AwaitWindow blocks until the peer announces its window.
func (e *Endpoint) AwaitWindow(ctx context.Context) (Window, error) {
	m, err := e.Recv(ctx)
	if err != nil {
		return None, err
	}
	ann, ok := m.(WindowAnnounce)
	if !ok {
		return None, fmt.Errorf("expected window_announce, got %s", Name(m))
	}
	return ann.Window, nil
}

// Announce sends own to the peer and waits for the peer's window in
// return. Backends use it at startup.
func (e *Endpoint) Announce(ctx context.Context, own Window) (Window, error) {
	if err := e.Send(WindowAnnounce{Window: own}); err != nil {
		return None, fmt.Errorf("announce window: %w", err)
	}
	peer, err := e.AwaitWindow(ctx)
	if err != nil {
		return None, fmt.Errorf("await peer window: %w", err)
	}
	return peer, nil
}
