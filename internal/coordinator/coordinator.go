// Package coordinator owns the input-method protocol server side of vime.
//
// The Coordinator keeps the focus record (which input context has focus)
// and the mode (passthrough or editor active). All of that state is owned
// by the Run goroutine; protocol callbacks, wakeups and reconfiguration
// reach it as values on channels.
package coordinator

import (
	"errors"
	"fmt"
	"log/slog"

	"vime/internal/message"
	"vime/internal/placement"
	"vime/internal/wake"
)

// Server is the part of the input-method protocol server the Coordinator
// drives.
type Server interface {
	// CommitString inserts text into ic's client.
	CommitString(ic message.IC, text string) error

	// ForwardEvent delivers a key event to ic's client.
	ForwardEvent(ic message.IC, key message.KeyEvent) error

	// ClientWindow returns the window of ic's client.
	ClientWindow(ic message.IC) (message.Window, error)
}

// Display is the windowing surface the Coordinator needs.
type Display interface {
	placement.Tree
	Monitors() ([]placement.Rect, error)
	MoveAndRaise(w message.Window, p placement.Point) error
	SendKey(k message.KeyEvent) error
}

// Chord is the trigger key combination that toggles the editor.
type Chord struct {
	// Modifiers must all be held.
	Modifiers uint16

	// Keycode is the X keycode of the trigger key.
	Keycode uint8
}

// Matches reports whether key is the trigger chord, pressed or released.
func (ch Chord) Matches(key message.KeyEvent) bool {
	return key.State&ch.Modifiers == ch.Modifiers && key.Keycode == ch.Keycode
}

// Peer is one backend as seen from the Coordinator.
type Peer struct {
	Endpoint *message.Endpoint
	Window   message.Window
}

// Config wires a Coordinator.
type Config struct {
	Server   Server
	Display  Display
	Notifier wake.Notifier
	Source   wake.Source

	// Window is the Coordinator's own window; wakeups it raises name it as
	// the sender.
	Window message.Window

	Editor      Peer
	Passthrough Peer

	Trigger Chord

	// Triggers delivers a new chord when the configuration changes. It may
	// be nil.
	Triggers <-chan Chord

	// PopupSize is used for placement when the editor window geometry
	// cannot be queried.
	PopupSize placement.Size
	Gap       int

	Logger *slog.Logger
}

// Coordinator is the central dispatcher. Create one with New and drive it
// with Run.
type Coordinator struct {
	server   Server
	display  Display
	notifier wake.Notifier
	source   wake.Source
	window   message.Window

	editor      Peer
	passthrough Peer

	trigger   Chord
	triggers  <-chan Chord
	popupSize placement.Size
	gap       int

	log *slog.Logger

	calls chan call
	done  chan struct{}

	// Owned by the Run goroutine.
	focus        *message.IC
	editorActive bool
	sent         sentKeys
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Server == nil:
		return nil, errors.New("coordinator: server is required")
	case cfg.Display == nil:
		return nil, errors.New("coordinator: display is required")
	case cfg.Notifier == nil || cfg.Source == nil:
		return nil, errors.New("coordinator: notifier and source are required")
	case cfg.Editor.Endpoint == nil || cfg.Passthrough.Endpoint == nil:
		return nil, errors.New("coordinator: both backend endpoints are required")
	}

	gap := cfg.Gap
	if gap == 0 {
		gap = placement.DefaultGap
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		server:      cfg.Server,
		display:     cfg.Display,
		notifier:    cfg.Notifier,
		source:      cfg.Source,
		window:      cfg.Window,
		editor:      cfg.Editor,
		passthrough: cfg.Passthrough,
		trigger:     cfg.Trigger,
		triggers:    cfg.Triggers,
		popupSize:   cfg.PopupSize,
		gap:         gap,
		log:         log,
		calls:       make(chan call, 64),
		done:        make(chan struct{}),
	}, nil
}

// Protocol callbacks. They are called by the protocol server from its own
// goroutines and only enqueue; Run applies them in arrival order.

type call interface{ isCall() }

type focusIn struct{ ic message.IC }
type focusOut struct{ ic message.IC }
type destroyed struct{ ic message.IC }
type forward struct {
	ic  message.IC
	key message.KeyEvent
}
type positionChanged struct {
	ic   message.IC
	win  message.Window
	x, y int
}

func (focusIn) isCall()         {}
func (focusOut) isCall()        {}
func (destroyed) isCall()       {}
func (forward) isCall()         {}
func (positionChanged) isCall() {}

// FocusIn is called when ic gains focus.
func (c *Coordinator) FocusIn(ic message.IC) { c.post(focusIn{ic}) }

// FocusOut is called when ic loses focus.
func (c *Coordinator) FocusOut(ic message.IC) { c.post(focusOut{ic}) }

// Destroyed is called when ic's client goes away.
func (c *Coordinator) Destroyed(ic message.IC) { c.post(destroyed{ic}) }

// Forward is called for every key event the client routes through the
// input method.
func (c *Coordinator) Forward(ic message.IC, key message.KeyEvent) {
	c.post(forward{ic: ic, key: key})
}

// PositionChanged is called when the text cursor of ic moved. x and y are
// relative to win; win may be message.None for root coordinates.
func (c *Coordinator) PositionChanged(ic message.IC, win message.Window, x, y int) {
	c.post(positionChanged{ic: ic, win: win, x: x, y: y})
}

func (c *Coordinator) post(ev call) {
	select {
	case c.calls <- ev:
	case <-c.done:
	}
}

// Focus returns a copy of the focus record. Only meaningful from the Run
// goroutine or after Run returned; used by tests.
func (c *Coordinator) Focus() (message.IC, bool) {
	if c.focus == nil {
		return 0, false
	}
	return *c.focus, true
}

// EditorActive reports the mode. Same caveat as Focus.
func (c *Coordinator) EditorActive() bool {
	return c.editorActive
}

func (c *Coordinator) String() string {
	mode := "passthrough"
	if c.editorActive {
		mode = "editor"
	}
	if c.focus == nil {
		return fmt.Sprintf("coordinator{focus: none, mode: %s}", mode)
	}
	return fmt.Sprintf("coordinator{focus: %s, mode: %s}", *c.focus, mode)
}
