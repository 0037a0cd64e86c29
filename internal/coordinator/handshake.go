package coordinator

import (
	"context"
	"fmt"

	"vime/internal/message"
	"vime/internal/wake"
)

// Handshake runs the Coordinator side of the startup exchange: each backend
// announces its window, then receives the Coordinator's window. The editor
// additionally receives the Coordinator's notifier so it can raise wakeups
// without dialing a connection of its own.
func Handshake(ctx context.Context, self message.Window, notifier wake.Notifier, editor, passthrough *message.Endpoint) (editorWin, passthroughWin message.Window, err error) {
	passthroughWin, err = awaitWindow(ctx, passthrough, "passthrough")
	if err != nil {
		return message.None, message.None, err
	}
	editorWin, err = awaitWindow(ctx, editor, "editor")
	if err != nil {
		return message.None, message.None, err
	}

	if err := passthrough.Send(message.WindowAnnounce{Window: self}); err != nil {
		return message.None, message.None, fmt.Errorf("announce to passthrough: %w", err)
	}
	if err := editor.Send(message.WindowAnnounce{Window: self}); err != nil {
		return message.None, message.None, fmt.Errorf("announce to editor: %w", err)
	}
	if err := editor.Send(message.ConnectionHandle{Conn: notifier}); err != nil {
		return message.None, message.None, fmt.Errorf("hand connection to editor: %w", err)
	}
	return editorWin, passthroughWin, nil
}

func awaitWindow(ctx context.Context, ep *message.Endpoint, name string) (message.Window, error) {
	w, err := ep.AwaitWindow(ctx)
	if err != nil {
		return message.None, fmt.Errorf("await %s window: %w", name, err)
	}
	return w, nil
}
