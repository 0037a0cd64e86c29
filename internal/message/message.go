// Package message defines the typed messages exchanged between the
// coordinator, the passthrough forwarder and the editor.
//
// Each pair of components is connected by one Endpoint pair. A message is
// produced by one side and consumed exactly once by the other; per direction
// messages arrive in send order. There is no ordering across pairs.
package message

import (
	"errors"
	"fmt"
)

// ErrUnknownIC is returned by the protocol server for an input context it
// does not (or no longer) know about.
var ErrUnknownIC = errors.New("unknown input context")

// IC identifies one input context (one focusable text field in one client
// application). It is issued by the input-method protocol server and is
// only ever referenced, never owned, by the orchestrator.
type IC uint32

func (ic IC) String() string {
	return fmt.Sprintf("ic#%d", uint32(ic))
}

// Window is an opaque windowing-system window identifier.
// The zero value means "no window".
type Window uint32

// None is the absent window.
const None Window = 0

// KeyEvent is a key press or release as seen by the windowing system.
type KeyEvent struct {
	// Press is true for key presses and false for releases.
	Press bool

	// Keycode is the X11 keycode (evdev code + 8).
	Keycode uint8

	// Keysym is the symbol the keycode produced, 0 if unknown.
	Keysym uint32

	// State is the X11 modifier mask at the time of the event.
	State uint16

	Time   uint32
	Root   Window
	Window Window // destination ("event") window
	Child  Window

	RootX, RootY   int16
	EventX, EventY int16
	SameScreen     bool
}

// Retarget returns a copy of the event addressed to w with the child
// window cleared.
func (k KeyEvent) Retarget(w Window) KeyEvent {
	k.Window = w
	k.Child = None
	return k
}

// Notifier is the minimal handle used to wake a peer. It mirrors
// wake.Notifier so that this package stays free of imports.
type Notifier interface {
	Notify(from, to Window) error
}

// Message is the sealed union of everything that travels on an Endpoint.
type Message interface {
	isMessage()
}

// WindowAnnounce carries a component's window handle during the startup
// handshake.
type WindowAnnounce struct {
	Window Window
}

// ConnectionHandle hands the coordinator's notifier to the editor so it can
// wake the coordinator without a connection of its own.
type ConnectionHandle struct {
	Conn Notifier
}

// StartEditing asks a backend to begin (or resume) serving IC.
type StartEditing struct {
	IC IC
}

// CancelEditing asks a backend to stop serving its IC immediately.
type CancelEditing struct{}

// FocusLost tells the editor its IC lost focus; the session may resume.
type FocusLost struct{}

// EditResult reports finalized text for IC. OK is false when the session
// ended without a result (cancellation or abnormal termination).
type EditResult struct {
	IC   IC
	Text string
	OK   bool
}

// ForwardKeyEvent asks the coordinator to deliver Key to IC's client.
type ForwardKeyEvent struct {
	IC  IC
	Key KeyEvent
}

func (WindowAnnounce) isMessage()   {}
func (ConnectionHandle) isMessage() {}
func (StartEditing) isMessage()     {}
func (CancelEditing) isMessage()    {}
func (FocusLost) isMessage()        {}
func (EditResult) isMessage()       {}
func (ForwardKeyEvent) isMessage()  {}

// Name returns a short human readable tag for logging.
func Name(m Message) string {
	switch m.(type) {
	case WindowAnnounce:
		return "window_announce"
	case ConnectionHandle:
		return "connection_handle"
	case StartEditing:
		return "start_editing"
	case CancelEditing:
		return "cancel_editing"
	case FocusLost:
		return "focus_lost"
	case EditResult:
		return "edit_result"
	case ForwardKeyEvent:
		return "forward_key_event"
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%T", m)
	}
}
