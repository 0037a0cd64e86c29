// Package passthrough relays key events back to the client application when
// the editor is not active, optionally through a native composition engine.
package passthrough

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vime/internal/logging"
	"vime/internal/message"
	"vime/internal/wake"
)

// Composer is a native composition engine the forwarder feeds keys into.
// It never takes input focus; Reset discards pending preedit between
// clients.
//
// Events yields message.EditResult for committed text and
// message.ForwardKeyEvent for keys the engine hands back. Their IC field is
// ignored; the forwarder fills in the IC it is serving.
type Composer interface {
	ProcessKey(key message.KeyEvent) (handled bool, err error)
	Reset() error
	Events() <-chan message.Message
}

// Config wires a Passthrough.
type Config struct {
	Endpoint *message.Endpoint
	Source   wake.Source
	Notifier wake.Notifier

	// Window is the dummy window the Coordinator sends keys and wakeups to.
	Window message.Window

	// Coordinator is the window wakeups are sent to.
	Coordinator message.Window

	// Composer is optional. Without one, every key is relayed unchanged.
	Composer Composer

	Logger *slog.Logger
}

// Passthrough is the forwarder. Its only state is the IC slot.
type Passthrough struct {
	ep          *message.Endpoint
	source      wake.Source
	notifier    wake.Notifier
	window      message.Window
	coordinator message.Window
	composer    Composer
	log         *slog.Logger

	slot *message.IC
}

// New returns a Passthrough ready to Run.
func New(cfg Config) (*Passthrough, error) {
	if cfg.Endpoint == nil || cfg.Source == nil || cfg.Notifier == nil {
		return nil, errors.New("passthrough: endpoint, source and notifier are required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Passthrough{
		ep:          cfg.Endpoint,
		source:      cfg.Source,
		notifier:    cfg.Notifier,
		window:      cfg.Window,
		coordinator: cfg.Coordinator,
		composer:    cfg.Composer,
		log:         log,
	}, nil
}

// Slot returns the IC currently served, if any.
func (p *Passthrough) Slot() (message.IC, bool) {
	if p.slot == nil {
		return 0, false
	}
	return *p.slot, true
}

// Handshake announces the dummy window and learns the Coordinator's window,
// which is where wakeups are sent from then on.
func (p *Passthrough) Handshake(ctx context.Context) error {
	coord, err := p.ep.Announce(ctx, p.window)
	if err != nil {
		return fmt.Errorf("passthrough handshake: %w", err)
	}
	p.coordinator = coord
	return nil
}

// Run waits on the window event source and the composer until ctx ends or
// a fatal error occurs.
func (p *Passthrough) Run(ctx context.Context) error {
	var composed <-chan message.Message
	if p.composer != nil {
		composed = p.composer.Events()
	}
	events := p.source.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				err := p.source.Err()
				if err == nil {
					err = errors.New("event source closed")
				}
				return fmt.Errorf("passthrough connection: %w", err)
			}
			if err := p.handleEvent(ev); err != nil {
				return err
			}

		case m, ok := <-composed:
			if !ok {
				p.log.Warn("composition engine went away, relaying raw keys")
				composed = nil
				p.composer = nil
				continue
			}
			if err := p.handleComposed(m); err != nil {
				return err
			}
		}
	}
}

func (p *Passthrough) handleEvent(ev wake.Event) error {
	if ev.Wake {
		return p.handleWake()
	}
	key, ok := ev.Native.(message.KeyEvent)
	if !ok {
		return nil
	}
	return p.handleKey(key)
}

// handleWake consumes exactly one message from the Coordinator.
func (p *Passthrough) handleWake() error {
	m, err := p.ep.TryRecv()
	if errors.Is(err, message.ErrEmpty) {
		p.log.Warn("wakeup without a pending message")
		return nil
	}
	if err != nil {
		return fmt.Errorf("receive from coordinator: %w", err)
	}

	switch m := m.(type) {
	case message.StartEditing:
		ic := m.IC
		p.slot = &ic
		p.log.Debug("start", "ic", ic)
		p.resetComposer()
	case message.CancelEditing:
		p.slot = nil
		p.log.Debug("cancel")
		p.resetComposer()
	default:
		p.log.Debug("ignoring message", "message", message.Name(m))
	}
	return nil
}

func (p *Passthrough) resetComposer() {
	if p.composer == nil {
		return
	}
	if err := p.composer.Reset(); err != nil {
		p.log.Warn("composition reset", "error", err)
	}
}

func (p *Passthrough) handleKey(key message.KeyEvent) error {
	if p.slot == nil {
		logging.Trace(p.log, "key without input context", "keycode", key.Keycode)
		return nil
	}

	if p.composer != nil {
		handled, err := p.composer.ProcessKey(key)
		if err != nil {
			p.log.Warn("composition engine rejected key, relaying raw", "error", err)
		} else if handled {
			return nil
		}
	}
	return p.relay(message.ForwardKeyEvent{IC: *p.slot, Key: key})
}

func (p *Passthrough) handleComposed(m message.Message) error {
	if p.slot == nil {
		logging.Trace(p.log, "composition output without input context", "message", message.Name(m))
		return nil
	}

	switch m := m.(type) {
	case message.EditResult:
		return p.relay(message.EditResult{IC: *p.slot, Text: m.Text, OK: true})
	case message.ForwardKeyEvent:
		return p.relay(message.ForwardKeyEvent{IC: *p.slot, Key: m.Key})
	default:
		p.log.Debug("ignoring composition output", "message", message.Name(m))
		return nil
	}
}

func (p *Passthrough) relay(m message.Message) error {
	if err := p.ep.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", message.Name(m), err)
	}
	if err := p.notifier.Notify(p.window, p.coordinator); err != nil {
		return fmt.Errorf("wake coordinator: %w", err)
	}
	return nil
}
