package coordinator

import (
	"context"
	"errors"
	"fmt"

	"vime/internal/logging"
	"vime/internal/message"
	"vime/internal/placement"
)

// Run dispatches protocol callbacks and backend wakeups until ctx ends or
// a fatal error occurs. Lost connections and disconnected backends are
// fatal.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	events := c.source.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-c.calls:
			if err := c.handle(ev); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				err := c.source.Err()
				if err == nil {
					err = errors.New("event source closed")
				}
				return fmt.Errorf("coordinator connection: %w", err)
			}
			if !ev.Wake {
				continue
			}
			if err := c.handleWake(ev.From); err != nil {
				return err
			}

		case chord := <-c.triggers:
			c.log.Info("trigger chord changed",
				"modifiers", fmt.Sprintf("%#x", chord.Modifiers), "keycode", chord.Keycode)
			c.trigger = chord
		}
	}
}

func (c *Coordinator) handle(ev call) error {
	switch ev := ev.(type) {
	case focusIn:
		return c.onFocusIn(ev.ic)
	case focusOut:
		return c.onFocusOut(ev.ic, "focus_out")
	case destroyed:
		return c.onFocusOut(ev.ic, "destroy")
	case forward:
		return c.onForward(ev.ic, ev.key)
	case positionChanged:
		c.onPositionChanged(ev.ic, ev.win, ev.x, ev.y)
		return nil
	default:
		return fmt.Errorf("coordinator: unknown call %T", ev)
	}
}

func (c *Coordinator) focused(ic message.IC) bool {
	return c.focus != nil && *c.focus == ic
}

func (c *Coordinator) onFocusIn(ic message.IC) error {
	c.focus = &ic
	c.log.Debug("focus in", "ic", ic, "editor_active", c.editorActive)

	if c.editorActive {
		return c.send(c.editor, message.StartEditing{IC: ic}, false)
	}
	return c.send(c.passthrough, message.StartEditing{IC: ic}, true)
}

func (c *Coordinator) onFocusOut(ic message.IC, reason string) error {
	if !c.focused(ic) {
		logging.Trace(c.log, "focus out for unfocused input context", "ic", ic, "reason", reason)
		return nil
	}
	c.focus = nil
	c.log.Debug("focus out", "ic", ic, "reason", reason)

	if c.editorActive {
		return c.send(c.editor, message.FocusLost{}, false)
	}
	return nil
}

func (c *Coordinator) onForward(ic message.IC, key message.KeyEvent) error {
	if !c.focused(ic) {
		logging.Trace(c.log, "forward: stale input context", "ic", ic)
		return nil
	}

	if c.trigger.Matches(key) {
		if !key.Press {
			return nil
		}
		return c.toggle(ic)
	}

	target := c.passthrough.Window
	if c.editorActive {
		target = c.editor.Window
	}
	key = key.Retarget(target)
	if !c.editorActive {
		key = c.sent.stamp(key)
	}
	if err := c.display.SendKey(key); err != nil {
		c.log.Warn("forward key to backend", "window", target, "error", err)
	}
	return nil
}

// toggle switches the active backend for the focused ic.
func (c *Coordinator) toggle(ic message.IC) error {
	c.editorActive = !c.editorActive
	c.log.Info("toggle", "ic", ic, "editor_active", c.editorActive)

	if c.editorActive {
		if err := c.send(c.passthrough, message.CancelEditing{}, true); err != nil {
			return err
		}
		return c.send(c.editor, message.StartEditing{IC: ic}, false)
	}

	if err := c.send(c.editor, message.CancelEditing{}, false); err != nil {
		return err
	}
	return c.send(c.passthrough, message.StartEditing{IC: ic}, true)
}

func (c *Coordinator) onPositionChanged(ic message.IC, win message.Window, x, y int) {
	if !c.focused(ic) {
		logging.Trace(c.log, "position changed: stale input context", "ic", ic)
		return
	}

	origin, err := placement.AbsolutePosition(c.display, win)
	if err != nil {
		c.log.Warn("resolve client window position", "window", win, "error", err)
		return
	}
	anchor := placement.Point{X: origin.X + x, Y: origin.Y + y}

	if err := c.display.MoveAndRaise(c.passthrough.Window, anchor); err != nil {
		c.log.Warn("move passthrough window", "error", err)
	}

	size := c.popupSize
	if geom, err := c.display.Geometry(c.editor.Window); err == nil {
		size = placement.Size{W: geom.W, H: geom.H}
	}
	monitors, err := c.display.Monitors()
	if err != nil {
		c.log.Warn("list monitors", "error", err)
	}

	pos := placement.Adjust(anchor, size, monitors, c.gap)
	if err := c.display.MoveAndRaise(c.editor.Window, pos); err != nil {
		c.log.Warn("move editor window", "error", err)
	}
}

// handleWake receives exactly one message from the backend that raised
// the wakeup.
func (c *Coordinator) handleWake(from message.Window) error {
	switch from {
	case c.editor.Window:
		return c.onEditorMessage()
	case c.passthrough.Window:
		return c.onPassthroughMessage()
	default:
		c.log.Debug("wakeup from unknown window", "window", from)
		return nil
	}
}

func (c *Coordinator) recv(p Peer, name string) (message.Message, bool, error) {
	m, err := p.Endpoint.TryRecv()
	switch {
	case errors.Is(err, message.ErrEmpty):
		c.log.Warn("wakeup without a pending message", "from", name)
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("receive from %s: %w", name, err)
	}
	return m, true, nil
}

func (c *Coordinator) onEditorMessage() error {
	m, ok, err := c.recv(c.editor, "editor")
	if !ok {
		return err
	}

	res, isResult := m.(message.EditResult)
	if !isResult {
		c.log.Error("unexpected message from editor", "message", message.Name(m))
		return nil
	}
	if err := c.commit(res); err != nil {
		return err
	}

	c.editorActive = false
	if c.focus != nil {
		return c.send(c.passthrough, message.StartEditing{IC: *c.focus}, true)
	}
	return nil
}

func (c *Coordinator) onPassthroughMessage() error {
	m, ok, err := c.recv(c.passthrough, "passthrough")
	if !ok {
		return err
	}

	switch m := m.(type) {
	case message.EditResult:
		return c.commit(m)
	case message.ForwardKeyEvent:
		return c.forwardToClient(m.IC, m.Key)
	default:
		c.log.Error("unexpected message from passthrough", "message", message.Name(m))
		return nil
	}
}

func (c *Coordinator) commit(res message.EditResult) error {
	if !res.OK {
		c.log.Debug("edit finished without result", "ic", res.IC)
		return nil
	}

	err := c.server.CommitString(res.IC, res.Text)
	if errors.Is(err, message.ErrUnknownIC) {
		logging.Trace(c.log, "commit: input context is gone", "ic", res.IC)
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit to %s: %w", res.IC, err)
	}
	c.log.Debug("committed", "ic", res.IC, "text", res.Text)
	return nil
}

func (c *Coordinator) forwardToClient(ic message.IC, key message.KeyEvent) error {
	win, err := c.server.ClientWindow(ic)
	if errors.Is(err, message.ErrUnknownIC) {
		logging.Trace(c.log, "forward: input context is gone", "ic", ic)
		return nil
	}
	if err != nil {
		return fmt.Errorf("client window of %s: %w", ic, err)
	}

	err = c.server.ForwardEvent(ic, c.sent.restore(key).Retarget(win))
	if errors.Is(err, message.ErrUnknownIC) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("forward event to %s: %w", ic, err)
	}
	return nil
}

// send queues m for p and, when the peer waits on its window, wakes it.
func (c *Coordinator) send(p Peer, m message.Message, notify bool) error {
	if err := p.Endpoint.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", message.Name(m), err)
	}
	if !notify {
		return nil
	}
	if err := c.notifier.Notify(c.window, p.Window); err != nil {
		return fmt.Errorf("wake window %#x: %w", uint32(p.Window), err)
	}
	return nil
}
