// Package x11 is the windowing layer: one Conn per component, each with
// its own window, wakeup atom and event pump.
package x11

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/xinerama"
	"github.com/jezek/xgb/xproto"

	"vime/internal/message"
	"vime/internal/placement"
	"vime/internal/wake"
)

// AtomName is the client message type used for wakeups.
const AtomName = "VIME_MESSAGE"

// ErrConnectionClosed is reported by Err after the server went away.
var ErrConnectionClosed = errors.New("x11: connection closed")

// Conn is a connection to the X server owned by exactly one component.
//
// A Conn is safe for concurrent use: xgb serializes requests internally
// and the remaining state is immutable after Dial.
type Conn struct {
	x      *xgb.Conn
	screen *xproto.ScreenInfo
	atom   xproto.Atom
	log    *slog.Logger

	// keymap is replaced by the event pump on MappingNotify.
	keymap  atomic.Pointer[Keymap]
	loadMap func() (*Keymap, error)

	// xinerama is false when the extension is missing; Monitors then
	// reports the whole root window.
	xinerama bool

	events    chan wake.Event
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial opens a connection to display (empty means $DISPLAY), interns the
// wakeup atom and loads the keyboard mapping.
func Dial(display string, log *slog.Logger) (*Conn, error) {
	x, err := xgb.NewConnDisplay(display)
	if err != nil {
		return nil, fmt.Errorf("connect to X display %q: %w", display, err)
	}

	c := &Conn{
		x:      x,
		screen: xproto.Setup(x).DefaultScreen(x),
		log:    log,
		events: make(chan wake.Event, 256),
		done:   make(chan struct{}),
	}

	reply, err := xproto.InternAtom(x, false, uint16(len(AtomName)), AtomName).Reply()
	if err != nil {
		x.Close()
		return nil, fmt.Errorf("intern atom %s: %w", AtomName, err)
	}
	c.atom = reply.Atom

	if err := xinerama.Init(x); err == nil {
		c.xinerama = true
	} else {
		log.Debug("xinerama unavailable, using root geometry for monitors", "error", err)
	}

	c.loadMap = c.loadKeymap
	km, err := c.loadMap()
	if err != nil {
		x.Close()
		return nil, err
	}
	c.keymap.Store(km)

	return c, nil
}

// Root returns the root window of the default screen.
func (c *Conn) Root() message.Window {
	return message.Window(c.screen.Root)
}

// Atom returns the interned wakeup atom.
func (c *Conn) Atom() xproto.Atom {
	return c.atom
}

// Keymap returns the current keyboard mapping.
func (c *Conn) Keymap() *Keymap {
	return c.keymap.Load()
}

// CreateDummyWindow creates the invisible 1x1 window the passthrough
// forwarder receives synthetic key events on.
func (c *Conn) CreateDummyWindow() (message.Window, error) {
	wid, err := xproto.NewWindowId(c.x)
	if err != nil {
		return message.None, fmt.Errorf("allocate window id: %w", err)
	}

	err = xproto.CreateWindowChecked(c.x, 0, wid, c.screen.Root,
		0, 0, 1, 1, 0,
		xproto.WindowClassInputOnly, c.screen.RootVisual,
		xproto.CwOverrideRedirect|xproto.CwEventMask,
		[]uint32{1, xproto.EventMaskKeyPress | xproto.EventMaskKeyRelease},
	).Check()
	if err != nil {
		return message.None, fmt.Errorf("create dummy window: %w", err)
	}
	return message.Window(wid), nil
}

// CreatePopup creates the hidden override-redirect window that hosts the
// editor. It is not mapped until Show.
func (c *Conn) CreatePopup(size placement.Size) (message.Window, error) {
	wid, err := xproto.NewWindowId(c.x)
	if err != nil {
		return message.None, fmt.Errorf("allocate window id: %w", err)
	}

	err = xproto.CreateWindowChecked(c.x, c.screen.RootDepth, wid, c.screen.Root,
		0, 0, uint16(size.W), uint16(size.H), 1,
		xproto.WindowClassInputOutput, c.screen.RootVisual,
		xproto.CwBackPixel|xproto.CwBorderPixel|xproto.CwOverrideRedirect|xproto.CwEventMask,
		[]uint32{
			c.screen.WhitePixel,
			c.screen.BlackPixel,
			1,
			xproto.EventMaskKeyPress | xproto.EventMaskKeyRelease |
				xproto.EventMaskStructureNotify | xproto.EventMaskSubstructureNotify,
		},
	).Check()
	if err != nil {
		return message.None, fmt.Errorf("create popup window: %w", err)
	}
	return message.Window(wid), nil
}

// Show maps w.
func (c *Conn) Show(w message.Window) error {
	if err := xproto.MapWindowChecked(c.x, xproto.Window(w)).Check(); err != nil {
		return fmt.Errorf("map window %#x: %w", uint32(w), err)
	}
	return nil
}

// Hide unmaps w.
func (c *Conn) Hide(w message.Window) error {
	if err := xproto.UnmapWindowChecked(c.x, xproto.Window(w)).Check(); err != nil {
		return fmt.Errorf("unmap window %#x: %w", uint32(w), err)
	}
	return nil
}

// Geometry implements placement.Tree.
func (c *Conn) Geometry(w message.Window) (placement.Rect, error) {
	g, err := xproto.GetGeometry(c.x, xproto.Drawable(w)).Reply()
	if err != nil {
		return placement.Rect{}, err
	}
	return placement.Rect{X: int(g.X), Y: int(g.Y), W: int(g.Width), H: int(g.Height)}, nil
}

// Parent implements placement.Tree. The root window has no parent.
func (c *Conn) Parent(w message.Window) (message.Window, error) {
	tree, err := xproto.QueryTree(c.x, xproto.Window(w)).Reply()
	if err != nil {
		return message.None, err
	}
	return message.Window(tree.Parent), nil
}

// Child returns the topmost child of w, or message.None when w has none.
// The editor popup's child is the embedded terminal.
func (c *Conn) Child(w message.Window) (message.Window, error) {
	tree, err := xproto.QueryTree(c.x, xproto.Window(w)).Reply()
	if err != nil {
		return message.None, err
	}
	if len(tree.Children) == 0 {
		return message.None, nil
	}
	return message.Window(tree.Children[len(tree.Children)-1]), nil
}

// Monitors lists the active monitors in root coordinates.
func (c *Conn) Monitors() ([]placement.Rect, error) {
	if !c.xinerama {
		return []placement.Rect{{W: int(c.screen.WidthInPixels), H: int(c.screen.HeightInPixels)}}, nil
	}

	reply, err := xinerama.QueryScreens(c.x).Reply()
	if err != nil {
		return nil, fmt.Errorf("query screens: %w", err)
	}

	monitors := make([]placement.Rect, 0, len(reply.ScreenInfo))
	for _, s := range reply.ScreenInfo {
		monitors = append(monitors, placement.Rect{
			X: int(s.XOrg), Y: int(s.YOrg), W: int(s.Width), H: int(s.Height),
		})
	}
	return monitors, nil
}

// MoveAndRaise moves w to p and puts it on top of its siblings.
func (c *Conn) MoveAndRaise(w message.Window, p placement.Point) error {
	err := xproto.ConfigureWindowChecked(c.x, xproto.Window(w),
		xproto.ConfigWindowX|xproto.ConfigWindowY|xproto.ConfigWindowStackMode,
		[]uint32{uint32(int32(p.X)), uint32(int32(p.Y)), xproto.StackModeAbove},
	).Check()
	if err != nil {
		return fmt.Errorf("configure window %#x: %w", uint32(w), err)
	}
	return nil
}

// Notify implements wake.Notifier: it sends an empty client message of the
// wakeup type from "from" to "to".
func (c *Conn) Notify(from, to message.Window) error {
	ev := wakeEvent(c.atom, from)
	err := xproto.SendEventChecked(c.x, false, xproto.Window(to), xproto.EventMaskNoEvent,
		string(ev.Bytes())).Check()
	if err != nil {
		return fmt.Errorf("notify window %#x: %w", uint32(to), err)
	}
	return nil
}

// SendKey delivers a synthetic key event to k.Window.
func (c *Conn) SendKey(k message.KeyEvent) error {
	err := xproto.SendEventChecked(c.x, false, xproto.Window(k.Window), xproto.EventMaskNoEvent,
		string(keyEventBytes(k))).Check()
	if err != nil {
		return fmt.Errorf("send key to window %#x: %w", uint32(k.Window), err)
	}
	return nil
}

// Close shuts the connection down; the event pump then closes Events.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setErr(nil)
		close(c.done)
		c.x.Close()
	})
	return nil
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		if err == nil {
			err = ErrConnectionClosed
		}
		c.err = err
	}
}

var (
	_ wake.Notifier  = (*Conn)(nil)
	_ wake.Source    = (*Conn)(nil)
	_ placement.Tree = (*Conn)(nil)
)
