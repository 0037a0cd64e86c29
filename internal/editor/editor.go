// Package editor runs full-screen editing sessions in a popup window.
//
// A session belongs to one input context. It owns a scratch file and an
// external editor process embedded into the popup. Showing the popup for
// the same input context again resumes the session; any other input context
// discards it and starts over with an empty file.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"vime/internal/logging"
	"vime/internal/message"
	"vime/internal/wake"
)

// DefaultScratchPath is where the buffer lives while a session runs.
const DefaultScratchPath = "/tmp/vime_buffer.txt"

// Popup is the window surface of the editor.
type Popup interface {
	Show(w message.Window) error
	Hide(w message.Window) error

	// Child returns the embedded terminal window, message.None if the
	// terminal has not reparented itself yet.
	Child(w message.Window) (message.Window, error)

	SendKey(k message.KeyEvent) error
}

// Config wires an Editor.
type Config struct {
	Endpoint *message.Endpoint

	// Window is the popup the external editor is embedded into.
	Window message.Window
	Popup  Popup

	// Source is the popup connection's event stream. Keys the Coordinator
	// sends to the popup arrive here and are passed on to the embedded
	// terminal. It may be nil; when set, its loss is fatal.
	Source wake.Source

	Launcher Launcher
	Command  Command

	ScratchPath string
	Rows, Cols  int

	// TrimNewline drops one trailing newline from the result, as written
	// by line-oriented editors.
	TrimNewline bool

	// KillTimeout bounds how long a terminated editor may take to exit
	// before it is killed.
	KillTimeout time.Duration

	Logger *slog.Logger
}

// Editor serves StartEditing, FocusLost and CancelEditing requests and
// reports EditResult when a session completes.
type Editor struct {
	ep       *message.Endpoint
	window   message.Window
	popup    Popup
	source   wake.Source
	launcher Launcher
	command  Command

	scratch     string
	rows, cols  int
	trimNewline bool
	killTimeout time.Duration
	log         *slog.Logger

	// Set by Handshake.
	coordinator message.Window
	notifier    wake.Notifier

	exits   chan *run
	stopped chan struct{} // closed when Run returns
	session *session
}

type session struct {
	ic  message.IC
	id  string
	log *slog.Logger

	// run is nil while no editor process is alive, e.g. after a cancel.
	run *run
}

// run is one editor process.
type run struct {
	proc Process
	done chan struct{}

	// Valid after done is closed.
	code int
	err  error

	// killed marks runs ended by the Editor itself; their exit is not a
	// session completion.
	killed bool
}

// New returns an Editor ready for Handshake and Run.
func New(cfg Config) (*Editor, error) {
	if cfg.Endpoint == nil || cfg.Popup == nil {
		return nil, errors.New("editor: endpoint and popup are required")
	}

	e := &Editor{
		ep:          cfg.Endpoint,
		window:      cfg.Window,
		popup:       cfg.Popup,
		source:      cfg.Source,
		launcher:    cfg.Launcher,
		command:     cfg.Command,
		scratch:     cfg.ScratchPath,
		rows:        cfg.Rows,
		cols:        cfg.Cols,
		trimNewline: cfg.TrimNewline,
		killTimeout: cfg.KillTimeout,
		log:         cfg.Logger,
		exits:       make(chan *run, 4),
		stopped:     make(chan struct{}),
	}
	if e.launcher == nil {
		e.launcher = ExecLauncher{}
	}
	if e.scratch == "" {
		e.scratch = DefaultScratchPath
	}
	if e.rows <= 0 {
		e.rows = 24
	}
	if e.cols <= 0 {
		e.cols = 80
	}
	if e.killTimeout <= 0 {
		e.killTimeout = 2 * time.Second
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e, nil
}

// Handshake announces the popup window and receives the Coordinator's
// window and notifier.
func (e *Editor) Handshake(ctx context.Context) error {
	coord, err := e.ep.Announce(ctx, e.window)
	if err != nil {
		return fmt.Errorf("editor handshake: %w", err)
	}

	m, err := e.ep.Recv(ctx)
	if err != nil {
		return fmt.Errorf("editor handshake: %w", err)
	}
	handle, ok := m.(message.ConnectionHandle)
	if !ok || handle.Conn == nil {
		return fmt.Errorf("editor handshake: expected connection_handle, got %s", message.Name(m))
	}

	e.coordinator = coord
	e.notifier = handle.Conn
	return nil
}

// Run serves requests until ctx ends or a fatal error occurs. Any running
// editor is torn down before Run returns.
func (e *Editor) Run(ctx context.Context) error {
	if e.notifier == nil {
		return errors.New("editor: Run before Handshake")
	}
	defer close(e.stopped)
	defer e.teardown()

	var events <-chan wake.Event
	if e.source != nil {
		events = e.source.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m := <-e.ep.Incoming():
			if err := e.handle(m); err != nil {
				return err
			}

		case <-e.ep.Disconnected():
			// Serve what was queued before the Coordinator left.
			for {
				m, err := e.ep.TryRecv()
				if err != nil {
					return fmt.Errorf("receive from coordinator: %w", err)
				}
				if err := e.handle(m); err != nil {
					return err
				}
			}

		case r := <-e.exits:
			if err := e.onExit(r); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				err := e.source.Err()
				if err == nil {
					err = errors.New("event source closed")
				}
				return fmt.Errorf("editor connection: %w", err)
			}
			if key, ok := ev.Native.(message.KeyEvent); ok {
				e.relayKey(key)
			}
		}
	}
}

func (e *Editor) handle(m message.Message) error {
	switch m := m.(type) {
	case message.StartEditing:
		return e.start(m.IC)
	case message.FocusLost:
		e.log.Debug("focus lost")
		e.hide()
		return nil
	case message.CancelEditing:
		e.log.Debug("cancel")
		e.hide()
		if e.session != nil {
			e.stop(e.session)
		}
		return nil
	default:
		e.log.Debug("ignoring message", "message", message.Name(m))
		return nil
	}
}

// start resumes the session for ic or replaces the current one.
func (e *Editor) start(ic message.IC) error {
	s := e.session
	if s != nil && s.ic == ic {
		s.log.Debug("resume", "ic", ic, "running", s.run != nil)
	} else {
		if s != nil {
			s.log.Debug("discard", "ic", s.ic)
			e.stop(s)
		}
		if err := os.Remove(e.scratch); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.log.Warn("remove scratch file", "path", e.scratch, "error", err)
		}

		id := uuid.NewString()
		s = &session{ic: ic, id: id, log: logging.WithSession(e.log, id)}
		e.session = s
		s.log.Info("session started", "ic", ic)
	}

	if s.run == nil {
		if err := e.launch(s); err != nil {
			// The session stays; the next StartEditing retries.
			s.log.Error("launch editor", "error", err)
			return nil
		}
	}

	if err := e.popup.Show(e.window); err != nil {
		s.log.Warn("show popup", "error", err)
	}
	return nil
}

func (e *Editor) launch(s *session) error {
	argv, err := e.command.Argv(Args{Window: e.window, File: e.scratch, Rows: e.rows, Cols: e.cols})
	if err != nil {
		return err
	}

	proc, err := e.launcher.Launch(argv)
	if err != nil {
		return err
	}
	s.log.Debug("editor launched", "argv", argv)

	r := &run{proc: proc, done: make(chan struct{})}
	s.run = r
	go func() {
		r.code, r.err = proc.Wait()
		close(r.done)
		select {
		case e.exits <- r:
		case <-e.stopped:
		}
	}()
	return nil
}

// stop terminates s's editor and waits for it to exit.
func (e *Editor) stop(s *session) {
	r := s.run
	if r == nil {
		return
	}
	s.run = nil
	r.killed = true

	if err := r.proc.Terminate(); err != nil {
		s.log.Warn("terminate editor", "error", err)
	}
	select {
	case <-r.done:
	case <-time.After(e.killTimeout):
		s.log.Warn("editor ignored SIGTERM, killing")
		if err := r.proc.Kill(); err != nil {
			s.log.Warn("kill editor", "error", err)
		}
		<-r.done
	}
}

// onExit completes the session when its editor exits on its own.
func (e *Editor) onExit(r *run) error {
	s := e.session
	if r.killed || s == nil || s.run != r {
		return nil
	}
	s.run = nil

	res := message.EditResult{IC: s.ic}
	switch {
	case r.err != nil:
		s.log.Warn("editor failed", "error", r.err)
	case r.code != 0:
		s.log.Info("editor exited abnormally", "code", r.code)
	default:
		if text, err := e.readScratch(); err != nil {
			s.log.Warn("read scratch file", "error", err)
		} else {
			res.Text = text
			res.OK = true
		}
	}

	if err := e.ep.Send(res); err != nil {
		return fmt.Errorf("send edit_result: %w", err)
	}
	if err := e.notifier.Notify(e.window, e.coordinator); err != nil {
		return fmt.Errorf("wake coordinator: %w", err)
	}

	e.hide()
	e.session = nil
	s.log.Info("session finished", "ic", s.ic, "ok", res.OK)
	return nil
}

func (e *Editor) readScratch() (string, error) {
	data, err := os.ReadFile(e.scratch)
	if err != nil {
		return "", err
	}
	text := string(data)
	if e.trimNewline {
		text = strings.TrimSuffix(text, "\n")
	}
	return text, nil
}

// relayKey passes a key sent to the popup on to the terminal inside it.
func (e *Editor) relayKey(key message.KeyEvent) {
	child, err := e.popup.Child(e.window)
	if err != nil {
		e.log.Warn("query embedded terminal", "error", err)
		return
	}
	if child == message.None {
		logging.Trace(e.log, "key before terminal is embedded", "keycode", key.Keycode)
		return
	}
	if err := e.popup.SendKey(key.Retarget(child)); err != nil {
		e.log.Warn("relay key to terminal", "error", err)
	}
}

func (e *Editor) hide() {
	if err := e.popup.Hide(e.window); err != nil {
		e.log.Warn("hide popup", "error", err)
	}
}

// teardown stops any running editor; used on shutdown.
func (e *Editor) teardown() {
	if e.session != nil {
		e.stop(e.session)
	}
}

// Session reports the input context of the current session. Only
// meaningful from the Run goroutine or after it returned.
func (e *Editor) Session() (message.IC, bool) {
	if e.session == nil {
		return 0, false
	}
	return e.session.ic, true
}
