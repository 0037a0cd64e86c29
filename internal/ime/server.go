package ime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"vime/internal/logging"
	"vime/internal/message"
)

// Handler receives the input-context events of every engine. Calls arrive
// from D-Bus goroutines and must not block for long.
type Handler interface {
	FocusIn(ic message.IC)
	FocusOut(ic message.IC)
	Destroyed(ic message.IC)
	Forward(ic message.IC, key message.KeyEvent)
	PositionChanged(ic message.IC, win message.Window, x, y int)
}

// Bus is the part of *dbus.Conn the server uses.
type Bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

var errNotStarted = errors.New("ime: server not started")

// Server is the engine side of IBus. It hands out one engine object, and
// so one message.IC, per input context.
type Server struct {
	bus  Bus
	root message.Window
	log  *slog.Logger

	mu      sync.Mutex
	handler Handler
	engines map[message.IC]*engine
	next    message.IC
}

// NewServer returns a server that exports its objects on bus. Key events
// handed to the Handler carry root as their root window.
func NewServer(bus Bus, root message.Window, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bus:     bus,
		root:    root,
		log:     log,
		engines: make(map[message.IC]*engine),
	}
}

// Claim takes the well-known bus name ibus-daemon looks for.
func Claim(conn *dbus.Conn) error {
	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", BusName)
	}
	return nil
}

// Start exports the factory and routes engine events to h.
func (s *Server) Start(h Handler) error {
	if h == nil {
		return errors.New("ime: handler is required")
	}
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()

	if err := s.bus.Export(&factory{srv: s}, FactoryPath, IBusFactoryInterface); err != nil {
		return fmt.Errorf("export factory: %w", err)
	}
	s.log.Info("ibus engine factory exported", "engine", EngineName)
	return nil
}

// CommitString emits CommitText on ic's engine.
func (s *Server) CommitString(ic message.IC, text string) error {
	e, err := s.engine(ic)
	if err != nil {
		return err
	}
	if err := s.bus.Emit(e.path, IBusEngineInterface+".CommitText", newIBusText(text)); err != nil {
		return fmt.Errorf("commit text on %s: %w", ic, err)
	}
	return nil
}

// ForwardEvent emits ForwardKeyEvent on ic's engine; the client then
// processes the key as if no input method were present.
func (s *Server) ForwardEvent(ic message.IC, key message.KeyEvent) error {
	e, err := s.engine(ic)
	if err != nil {
		return err
	}
	keyval, keycode, state := keyToIBus(key)
	if err := s.bus.Emit(e.path, IBusEngineInterface+".ForwardKeyEvent", keyval, keycode, state); err != nil {
		return fmt.Errorf("forward key on %s: %w", ic, err)
	}
	return nil
}

// ClientWindow returns message.None: IBus clients are addressed by their
// engine object, not by window.
func (s *Server) ClientWindow(ic message.IC) (message.Window, error) {
	if _, err := s.engine(ic); err != nil {
		return message.None, err
	}
	return message.None, nil
}

// Engines returns the number of live input contexts.
func (s *Server) Engines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *Server) engine(ic message.IC) (*engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[ic]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ic, message.ErrUnknownIC)
	}
	return e, nil
}

func (s *Server) create() (*engine, error) {
	s.mu.Lock()
	if s.handler == nil {
		s.mu.Unlock()
		return nil, errNotStarted
	}
	s.next++
	ic := s.next
	e := &engine{
		srv:  s,
		ic:   ic,
		path: dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/IBus/Engine/%d", ic)),
		log:  s.log.With("ic", ic),
	}
	s.engines[ic] = e
	s.mu.Unlock()

	for _, iface := range []string{IBusEngineInterface, IBusServiceInterface} {
		if err := s.bus.Export(e, e.path, iface); err != nil {
			s.remove(ic)
			return nil, fmt.Errorf("export engine %s: %w", e.path, err)
		}
	}
	return e, nil
}

func (s *Server) remove(ic message.IC) *engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.engines[ic]
	delete(s.engines, ic)
	return e
}

func (s *Server) callback() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

// factory implements org.freedesktop.IBus.Factory.
type factory struct {
	srv *Server
}

// CreateEngine exports a new engine object for one input context.
func (f *factory) CreateEngine(name string) (dbus.ObjectPath, *dbus.Error) {
	if name != EngineName {
		f.srv.log.Warn("create engine: unknown name", "name", name)
		return "", dbus.NewError("org.freedesktop.IBus.NoEngine", []interface{}{"unknown engine: " + name})
	}
	e, err := f.srv.create()
	if err != nil {
		f.srv.log.Error("create engine", "error", err)
		return "", dbus.MakeFailedError(err)
	}
	e.log.Debug("engine created", "path", e.path)
	return e.path, nil
}

// engine implements org.freedesktop.IBus.Engine for one input context.
// Only its D-Bus methods are exported.
type engine struct {
	srv  *Server
	ic   message.IC
	path dbus.ObjectPath
	log  *slog.Logger

	mu        sync.Mutex
	focused   bool
	enabled   bool
	destroyed bool
}

func (e *engine) FocusIn() *dbus.Error {
	e.mu.Lock()
	e.focused = true
	e.mu.Unlock()
	logging.Trace(e.log, "focus in")
	e.srv.callback().FocusIn(e.ic)
	return nil
}

func (e *engine) FocusOut() *dbus.Error {
	e.mu.Lock()
	e.focused = false
	e.mu.Unlock()
	logging.Trace(e.log, "focus out")
	e.srv.callback().FocusOut(e.ic)
	return nil
}

// ProcessKeyEvent consumes every key while the context has focus; the
// Coordinator decides where it goes and forwards it back if needed.
func (e *engine) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	e.mu.Lock()
	focused := e.focused && !e.destroyed
	e.mu.Unlock()
	if !focused {
		return false, nil
	}
	if state&IBusForwardMask != 0 {
		return false, nil
	}

	key := keyFromIBus(keyval, keycode, state)
	key.Root = e.srv.root
	e.srv.callback().Forward(e.ic, key)
	return true, nil
}

// SetCursorLocation reports the cursor rectangle in root coordinates. The
// popup is anchored at its bottom-left corner.
func (e *engine) SetCursorLocation(x, y, w, h int32) *dbus.Error {
	e.srv.callback().PositionChanged(e.ic, message.None, int(x), int(y+h))
	return nil
}

func (e *engine) SetCursorLocationRelative(x, y, w, h int32) *dbus.Error {
	logging.Trace(e.log, "relative cursor location ignored", "x", x, "y", y)
	return nil
}

func (e *engine) Enable() *dbus.Error {
	e.mu.Lock()
	e.enabled = true
	e.mu.Unlock()
	e.log.Debug("enable")
	return nil
}

func (e *engine) Disable() *dbus.Error {
	e.mu.Lock()
	e.enabled = false
	e.mu.Unlock()
	e.log.Debug("disable")
	return nil
}

func (e *engine) Reset() *dbus.Error {
	logging.Trace(e.log, "reset")
	return nil
}

func (e *engine) SetCapabilities(caps uint32) *dbus.Error {
	e.log.Debug("set capabilities", "caps", caps)
	return nil
}

func (e *engine) SetContentType(purpose, hints uint32) *dbus.Error {
	logging.Trace(e.log, "set content type", "purpose", purpose, "hints", hints)
	return nil
}

func (e *engine) SetSurroundingText(text dbus.Variant, cursorPos, anchorPos uint32) *dbus.Error {
	return nil
}

func (e *engine) PropertyActivate(name string, state uint32) *dbus.Error {
	return nil
}

func (e *engine) PageUp() *dbus.Error     { return nil }
func (e *engine) PageDown() *dbus.Error   { return nil }
func (e *engine) CursorUp() *dbus.Error   { return nil }
func (e *engine) CursorDown() *dbus.Error { return nil }

func (e *engine) CandidateClicked(index, button, state uint32) *dbus.Error {
	return nil
}

// Destroy is called on the Service interface when the input context goes
// away.
func (e *engine) Destroy() *dbus.Error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	e.destroyed = true
	e.focused = false
	e.mu.Unlock()

	e.srv.remove(e.ic)
	for _, iface := range []string{IBusEngineInterface, IBusServiceInterface} {
		if err := e.srv.bus.Export(nil, e.path, iface); err != nil {
			e.log.Warn("unexport engine", "error", err)
		}
	}
	e.log.Debug("engine destroyed")
	e.srv.callback().Destroyed(e.ic)
	return nil
}
