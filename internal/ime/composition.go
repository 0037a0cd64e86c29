package ime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"vime/internal/message"
)

// CompositionClient drives another IBus engine through an input context of
// its own. It implements passthrough.Composer.
//
// The context is created without the focus capability and is never focused:
// ibus-daemon keeps one focused context, and that must stay the client's.
type CompositionClient struct {
	conn *dbus.Conn // nil in tests
	ic   dbus.BusObject
	log  *slog.Logger

	signals chan *dbus.Signal
	out     chan message.Message

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// DialComposition creates an input context named after vime on conn and
// binds it to engineName.
func DialComposition(ctx context.Context, conn *dbus.Conn, engineName string, log *slog.Logger) (*CompositionClient, error) {
	if engineName == "" {
		return nil, errors.New("composition engine name is empty")
	}

	var path dbus.ObjectPath
	err := conn.Object(IBusService, IBusPath).
		CallWithContext(ctx, IBusInterface+".CreateInputContext", 0, "vime-passthrough").
		Store(&path)
	if err != nil {
		return nil, fmt.Errorf("create input context: %w", err)
	}
	obj := conn.Object(IBusService, path)

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(IBusInputContext),
	); err != nil {
		return nil, fmt.Errorf("subscribe to input context: %w", err)
	}

	c := newCompositionClient(obj, log)
	c.conn = conn
	conn.Signal(c.signals)

	if err := c.setup(ctx, engineName); err != nil {
		c.Close()
		return nil, err
	}

	c.log.Info("composition engine attached", "engine", engineName, "path", path)
	return c, nil
}

// setup clears every capability, so the context neither owns focus nor
// expects preedit or surrounding text, and binds the engine.
func (c *CompositionClient) setup(ctx context.Context, engineName string) error {
	for _, call := range []struct {
		method string
		args   []interface{}
	}{
		{"SetCapabilities", []interface{}{uint32(0)}},
		{"SetEngine", []interface{}{engineName}},
	} {
		if err := c.ic.CallWithContext(ctx, IBusInputContext+"."+call.method, 0, call.args...).Err; err != nil {
			return fmt.Errorf("%s: %w", call.method, err)
		}
	}
	return nil
}

func newCompositionClient(ic dbus.BusObject, log *slog.Logger) *CompositionClient {
	if log == nil {
		log = slog.Default()
	}
	c := &CompositionClient{
		ic:      ic,
		log:     log,
		signals: make(chan *dbus.Signal, 32),
		out:     make(chan message.Message, 32),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.translate()
	return c
}

// ProcessKey hands key to the engine. handled is false when the engine
// declined it and the caller should relay it unchanged.
func (c *CompositionClient) ProcessKey(key message.KeyEvent) (bool, error) {
	keyval, keycode, state := keyToIBus(key)
	var handled bool
	err := c.ic.Call(IBusInputContext+".ProcessKeyEvent", 0, keyval, keycode, state).Store(&handled)
	if err != nil {
		return false, fmt.Errorf("process key event: %w", err)
	}
	return handled, nil
}

// Reset drops whatever the engine is composing.
func (c *CompositionClient) Reset() error {
	if err := c.ic.Call(IBusInputContext+".Reset", 0).Err; err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Events yields the engine's commits and forwarded keys. It is closed
// after Close.
func (c *CompositionClient) Events() <-chan message.Message {
	return c.out
}

// Close destroys the input context and stops the event stream.
func (c *CompositionClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.RemoveSignal(c.signals)
			err = c.ic.Call(IBusServiceInterface+".Destroy", 0).Err
		}
		close(c.done)
		c.wg.Wait()
	})
	return err
}

func (c *CompositionClient) translate() {
	defer c.wg.Done()
	defer close(c.out)

	for {
		select {
		case <-c.done:
			return
		case sig := <-c.signals:
			if sig == nil || sig.Path != c.ic.Path() {
				continue
			}
			m, ok := c.decode(sig)
			if !ok {
				continue
			}
			select {
			case c.out <- m:
			case <-c.done:
				return
			}
		}
	}
}

func (c *CompositionClient) decode(sig *dbus.Signal) (message.Message, bool) {
	switch sig.Name {
	case IBusInputContext + ".CommitText":
		if len(sig.Body) < 1 {
			return nil, false
		}
		v, ok := sig.Body[0].(dbus.Variant)
		if !ok {
			return nil, false
		}
		text, ok := textOf(v)
		if !ok {
			c.log.Warn("malformed commit text", "body", sig.Body)
			return nil, false
		}
		return message.EditResult{Text: text, OK: true}, true

	case IBusInputContext + ".ForwardKeyEvent":
		if len(sig.Body) < 3 {
			return nil, false
		}
		keyval, ok1 := sig.Body[0].(uint32)
		keycode, ok2 := sig.Body[1].(uint32)
		state, ok3 := sig.Body[2].(uint32)
		if !ok1 || !ok2 || !ok3 {
			c.log.Warn("malformed forward key event", "body", sig.Body)
			return nil, false
		}
		return message.ForwardKeyEvent{Key: keyFromIBus(keyval, keycode, state)}, true

	default:
		return nil, false
	}
}
