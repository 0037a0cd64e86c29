// Package app assembles vime: three X connections, the IBus server, the
// Coordinator and its two backends, supervised so that the first fatal
// error stops everything.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"vime/internal/config"
	"vime/internal/coordinator"
	"vime/internal/editor"
	"vime/internal/ime"
	"vime/internal/logging"
	"vime/internal/message"
	"vime/internal/passthrough"
	"vime/internal/placement"
	"vime/internal/wake"
	"vime/internal/x11"
)

// channelCapacity bounds each direction between the Coordinator and a
// backend. Sends never block; a full channel is a fatal error.
const channelCapacity = 64

// handshakeTimeout bounds the startup exchange of window handles.
const handshakeTimeout = 10 * time.Second

// Options configures Run.
type Options struct {
	Config *config.Config

	// Loader, when set, is watched and trigger changes are applied live.
	Loader *config.Loader

	// Display is the X display; empty means $DISPLAY.
	Display string

	Logger *logging.Logger
}

// Run starts vime and blocks until ctx ends or a component fails. Ending
// ctx is a clean shutdown and returns nil.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var closers []func() error
	lg := opts.Logger
	if lg == nil {
		var err error
		if lg, err = logging.New(logging.DefaultConfig()); err != nil {
			return err
		}
		closers = append(closers, lg.Close)
	}
	log := lg.WithComponent("app")

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Debug("shutdown", "error", err)
			}
		}
	}()

	// One connection per component.
	coordConn, err := x11.Dial(opts.Display, lg.WithComponent("coordinator"))
	if err != nil {
		return err
	}
	closers = append(closers, coordConn.Close)
	ptConn, err := x11.Dial(opts.Display, lg.WithComponent("passthrough"))
	if err != nil {
		return err
	}
	closers = append(closers, ptConn.Close)
	edConn, err := x11.Dial(opts.Display, lg.WithComponent("editor"))
	if err != nil {
		return err
	}
	closers = append(closers, edConn.Close)

	coordWin, err := coordConn.CreateDummyWindow()
	if err != nil {
		return err
	}
	ptWin, err := ptConn.CreateDummyWindow()
	if err != nil {
		return err
	}
	edWin, err := edConn.CreatePopup(PopupSize(cfg))
	if err != nil {
		return err
	}

	// Input-method server.
	bus, err := ime.Connect(ctx, opts.Display)
	if err != nil {
		return err
	}
	closers = append(closers, bus.Close)
	if err := ime.Claim(bus); err != nil {
		return err
	}
	server := ime.NewServer(bus, coordConn.Root(), lg.WithComponent("ime"))

	var composer passthrough.Composer
	if name := cfg.Passthrough.CompositionEngine; name != "" {
		client, err := ime.DialComposition(ctx, bus, name, lg.WithComponent("composition"))
		if err != nil {
			log.Warn("composition engine unavailable, relaying raw keys", "engine", name, "error", err)
		} else {
			closers = append(closers, client.Close)
			composer = client
		}
	}

	coordToEditor, editorSide := message.Pair(channelCapacity)
	coordToPassthrough, passthroughSide := message.Pair(channelCapacity)

	pt, err := passthrough.New(passthrough.Config{
		Endpoint: passthroughSide,
		Source:   ptConn,
		Notifier: ptConn,
		Window:   ptWin,
		Composer: composer,
		Logger:   lg.WithComponent("passthrough"),
	})
	if err != nil {
		return err
	}
	ed, err := editor.New(EditorConfig(cfg, editorSide, edWin, edConn, lg.WithComponent("editor")))
	if err != nil {
		return err
	}

	for _, c := range []*x11.Conn{coordConn, ptConn, edConn} {
		c.Start()
	}

	edWin, ptWin, err = Handshake(ctx, coordWin, coordConn, coordToEditor, coordToPassthrough, ed, pt)
	if err != nil {
		return err
	}
	log.Info("backends connected", "coordinator", coordWin, "editor", edWin, "passthrough", ptWin)

	triggers := make(chan coordinator.Chord, 1)
	if opts.Loader != nil {
		opts.Loader.OnChange(func(old, new *config.Config) {
			if old != nil && old.Trigger == new.Trigger {
				return
			}
			log.Info("trigger changed", "modifiers", new.Trigger.Modifiers, "keycode", new.Trigger.Keycode)
			offerChord(triggers, Chord(new))
		})
		if err := opts.Loader.Watch(); err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			closers = append(closers, opts.Loader.Close)
		}
	}

	coord, err := coordinator.New(coordinator.Config{
		Server:      server,
		Display:     coordConn,
		Notifier:    coordConn,
		Source:      coordConn,
		Window:      coordWin,
		Editor:      coordinator.Peer{Endpoint: coordToEditor, Window: edWin},
		Passthrough: coordinator.Peer{Endpoint: coordToPassthrough, Window: ptWin},
		Trigger:     Chord(cfg),
		Triggers:    triggers,
		PopupSize:   PopupSize(cfg),
		Gap:         cfg.Popup.Gap,
		Logger:      lg.WithComponent("coordinator"),
	})
	if err != nil {
		return err
	}
	if err := server.Start(coord); err != nil {
		return err
	}

	runners := []Runner{
		{Name: "coordinator", Run: coord.Run},
		{Name: "passthrough", Run: pt.Run},
		{Name: "editor", Run: ed.Run},
		{Name: "ibus", Run: busLost(bus)},
	}
	if opts.Loader != nil {
		runners = append(runners, Runner{Name: "config", Run: watchErrors(opts.Loader, log)})
	}
	return Supervise(ctx, log, runners...)
}

// Runner is one supervised goroutine.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervise runs every runner until the first returns. A runner failing
// cancels the others and its error is returned; ctx ending is a clean
// shutdown.
func Supervise(ctx context.Context, log *slog.Logger, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			err := r.Run(gctx)
			if gctx.Err() != nil {
				// Shutting down.
				return gctx.Err()
			}
			if err == nil {
				err = errors.New("stopped unexpectedly")
			}
			log.Error("component failed", "component", r.Name, "error", err)
			return fmt.Errorf("%s: %w", r.Name, err)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Handshake runs the startup exchange of all three components at once and
// returns the backends' windows.
func Handshake(ctx context.Context, self message.Window, notifier wake.Notifier,
	toEditor, toPassthrough *message.Endpoint, ed *editor.Editor, pt *passthrough.Passthrough,
) (editorWin, passthroughWin message.Window, err error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		editorWin, passthroughWin, err = coordinator.Handshake(gctx, self, notifier, toEditor, toPassthrough)
		return err
	})
	g.Go(func() error { return pt.Handshake(gctx) })
	g.Go(func() error { return ed.Handshake(gctx) })

	if err := g.Wait(); err != nil {
		return message.None, message.None, fmt.Errorf("startup handshake: %w", err)
	}
	return editorWin, passthroughWin, nil
}

// Chord converts the configured trigger.
func Chord(cfg *config.Config) coordinator.Chord {
	return coordinator.Chord{Modifiers: cfg.Trigger.Modifiers, Keycode: cfg.Trigger.Keycode}
}

// PopupSize converts the configured popup size.
func PopupSize(cfg *config.Config) placement.Size {
	return placement.Size{W: cfg.Popup.Width, H: cfg.Popup.Height}
}

// EditorConfig builds the editor's configuration.
func EditorConfig(cfg *config.Config, ep *message.Endpoint, win message.Window, popup editor.Popup, log *slog.Logger) editor.Config {
	ec := editor.Config{
		Endpoint: ep,
		Window:   win,
		Popup:    popup,
		Command: editor.Command{
			Terminal: cfg.Editor.Terminal,
			Editor:   cfg.Editor.Command,
		},
		ScratchPath: cfg.Editor.ScratchPath,
		Rows:        cfg.Popup.Rows,
		Cols:        cfg.Popup.Columns,
		TrimNewline: cfg.Editor.TrimNewline,
		KillTimeout: time.Duration(cfg.Editor.KillTimeoutMs) * time.Millisecond,
		Logger:      log,
	}
	if src, ok := popup.(wake.Source); ok {
		ec.Source = src
	}
	return ec
}

// offerChord replaces any chord the Coordinator has not picked up yet.
func offerChord(ch chan coordinator.Chord, c coordinator.Chord) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// busLost fails when ibus-daemon drops the connection.
func busLost(bus *dbus.Conn) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-bus.Context().Done():
			return errors.New("ibus connection closed")
		}
	}
}

// watchErrors logs config reload failures; the previous configuration
// stays in effect.
func watchErrors(l *config.Loader, log *slog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-l.Errors():
				log.Warn("config reload failed", "error", err)
			}
		}
	}
}
