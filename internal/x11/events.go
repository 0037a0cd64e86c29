package x11

import (
	"github.com/jezek/xgb/xproto"

	"vime/internal/message"
	"vime/internal/wake"
)

// Start launches the event pump. Events is fed until the connection dies
// or Close is called.
func (c *Conn) Start() {
	c.startOnce.Do(func() { go c.pump() })
}

// Events implements wake.Source. Start must have been called.
func (c *Conn) Events() <-chan wake.Event {
	return c.events
}

// Err implements wake.Source.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) pump() {
	defer close(c.events)

	for {
		ev, xerr := c.x.WaitForEvent()
		if ev == nil && xerr == nil {
			c.setErr(nil)
			return
		}
		if xerr != nil {
			// Errors of unchecked requests; the connection itself is fine.
			c.log.Warn("X protocol error", "error", xerr)
			continue
		}

		out, ok := c.translate(ev)
		if !ok {
			continue
		}
		select {
		case c.events <- out:
		case <-c.done:
			return
		}
	}
}

// translate turns an X event into a wake.Event. Key events carry a
// message.KeyEvent as their native payload.
func (c *Conn) translate(ev any) (wake.Event, bool) {
	switch e := ev.(type) {
	case xproto.ClientMessageEvent:
		from, ok := parseWake(c.atom, e)
		if !ok {
			return wake.Event{}, false
		}
		return wake.Event{Wake: true, From: from}, true
	case xproto.KeyPressEvent:
		return wake.Event{Native: c.keyEvent(true, e)}, true
	case xproto.KeyReleaseEvent:
		return wake.Event{Native: c.keyEvent(false, xproto.KeyPressEvent(e))}, true
	case xproto.MappingNotifyEvent:
		if e.Request == xproto.MappingKeyboard || e.Request == xproto.MappingModifier {
			c.reloadKeymap()
		}
		return wake.Event{}, false
	default:
		return wake.Event{}, false
	}
}

func (c *Conn) keyEvent(press bool, e xproto.KeyPressEvent) message.KeyEvent {
	k := keyEventFrom(press, e)
	if km := c.Keymap(); km != nil {
		k.Keysym = km.Keysym(k.Keycode, k.State)
	}
	return k
}

// reloadKeymap fetches the keyboard mapping again after a layout change.
// On failure the old mapping stays.
func (c *Conn) reloadKeymap() {
	km, err := c.loadMap()
	if err != nil {
		c.log.Warn("reload keyboard mapping", "error", err)
		return
	}
	c.keymap.Store(km)
	c.log.Debug("keyboard mapping reloaded")
}

func keyEventFrom(press bool, e xproto.KeyPressEvent) message.KeyEvent {
	return message.KeyEvent{
		Press:      press,
		Keycode:    uint8(e.Detail),
		State:      e.State,
		Time:       uint32(e.Time),
		Root:       message.Window(e.Root),
		Window:     message.Window(e.Event),
		Child:      message.Window(e.Child),
		RootX:      e.RootX,
		RootY:      e.RootY,
		EventX:     e.EventX,
		EventY:     e.EventY,
		SameScreen: e.SameScreen,
	}
}

// keyEventBytes encodes k as a 32-byte KeyPress or KeyRelease event.
func keyEventBytes(k message.KeyEvent) []byte {
	e := xproto.KeyPressEvent{
		Detail:     xproto.Keycode(k.Keycode),
		Time:       xproto.Timestamp(k.Time),
		Root:       xproto.Window(k.Root),
		Event:      xproto.Window(k.Window),
		Child:      xproto.Window(k.Child),
		RootX:      k.RootX,
		RootY:      k.RootY,
		EventX:     k.EventX,
		EventY:     k.EventY,
		State:      k.State,
		SameScreen: k.SameScreen,
	}
	buf := e.Bytes()
	if !k.Press {
		// KeyReleaseEvent.Bytes reuses the KeyPress encoder.
		buf[0] = xproto.KeyRelease
	}
	return buf
}

// wakeEvent builds the empty wakeup client message. The sender goes in the
// window field; the destination is chosen by SendEvent.
func wakeEvent(atom xproto.Atom, from message.Window) xproto.ClientMessageEvent {
	return xproto.ClientMessageEvent{
		Format: 32,
		Window: xproto.Window(from),
		Type:   atom,
		Data:   xproto.ClientMessageDataUnionData32New(make([]uint32, 5)),
	}
}

func parseWake(atom xproto.Atom, e xproto.ClientMessageEvent) (message.Window, bool) {
	if e.Type != atom {
		return message.None, false
	}
	return message.Window(e.Window), true
}
