package ime

import (
	"errors"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"vime/internal/logging"
	"vime/internal/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type emitted struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

type fakeBus struct {
	mu      sync.Mutex
	objects map[string]interface{}
	emits   []emitted
	fail    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{objects: make(map[string]interface{})}
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	key := string(path) + " " + iface
	if v == nil {
		delete(b.objects, key)
	} else {
		b.objects[key] = v
	}
	return nil
}

func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emits = append(b.emits, emitted{path: path, name: name, values: values})
	return nil
}

func (b *fakeBus) object(path dbus.ObjectPath, iface string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[string(path)+" "+iface]
}

type position struct {
	ic   message.IC
	win  message.Window
	x, y int
}

type recorder struct {
	mu        sync.Mutex
	focus     []message.IC
	blur      []message.IC
	destroyed []message.IC
	keys      []message.KeyEvent
	positions []position
}

func (r *recorder) FocusIn(ic message.IC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focus = append(r.focus, ic)
}

func (r *recorder) FocusOut(ic message.IC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blur = append(r.blur, ic)
}

func (r *recorder) Destroyed(ic message.IC) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = append(r.destroyed, ic)
}

func (r *recorder) Forward(ic message.IC, key message.KeyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recorder) PositionChanged(ic message.IC, win message.Window, x, y int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, position{ic, win, x, y})
}

const rootWin message.Window = 0x100

func startServer(t *testing.T) (*Server, *fakeBus, *recorder, *factory) {
	t.Helper()
	bus := newFakeBus()
	rec := &recorder{}
	s := NewServer(bus, rootWin, logging.Nop())
	require.NoError(t, s.Start(rec))

	f, ok := bus.object(FactoryPath, IBusFactoryInterface).(*factory)
	require.True(t, ok, "factory is exported")
	return s, bus, rec, f
}

func createEngine(t *testing.T, bus *fakeBus, f *factory) (*engine, dbus.ObjectPath) {
	t.Helper()
	path, derr := f.CreateEngine(EngineName)
	require.Nil(t, derr)
	e, ok := bus.object(path, IBusEngineInterface).(*engine)
	require.True(t, ok, "engine is exported at %s", path)
	require.Same(t, e, bus.object(path, IBusServiceInterface))
	return e, path
}

func TestCreateEngineAllocatesInputContexts(t *testing.T) {
	s, bus, _, f := startServer(t)

	e1, p1 := createEngine(t, bus, f)
	e2, p2 := createEngine(t, bus, f)

	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/IBus/Engine/1"), p1)
	assert.Equal(t, dbus.ObjectPath("/org/freedesktop/IBus/Engine/2"), p2)
	assert.Equal(t, message.IC(1), e1.ic)
	assert.Equal(t, message.IC(2), e2.ic)
	assert.Equal(t, 2, s.Engines())
}

func TestCreateEngineRejectsOtherNames(t *testing.T) {
	s, _, _, f := startServer(t)

	_, derr := f.CreateEngine("anthy")
	require.NotNil(t, derr)
	assert.Equal(t, "org.freedesktop.IBus.NoEngine", derr.Name)
	assert.Zero(t, s.Engines())
}

func TestCreateEngineExportFailure(t *testing.T) {
	s, bus, _, f := startServer(t)
	bus.fail = errors.New("bus gone")

	_, derr := f.CreateEngine(EngineName)
	assert.NotNil(t, derr)
	assert.Zero(t, s.Engines())
}

func TestCreateBeforeStart(t *testing.T) {
	s := NewServer(newFakeBus(), rootWin, logging.Nop())
	_, err := s.create()
	assert.ErrorIs(t, err, errNotStarted)
	assert.Error(t, s.Start(nil))
}

func TestEngineFocusAndKeys(t *testing.T) {
	_, bus, rec, f := startServer(t)
	e, _ := createEngine(t, bus, f)

	consumed, derr := e.ProcessKeyEvent('a', 30, 0)
	require.Nil(t, derr)
	assert.False(t, consumed, "unfocused contexts pass keys through")

	require.Nil(t, e.FocusIn())
	consumed, _ = e.ProcessKeyEvent('a', 30, 0)
	assert.True(t, consumed)
	consumed, _ = e.ProcessKeyEvent('a', 30, IBusReleaseMask|0x1)
	assert.True(t, consumed)
	consumed, _ = e.ProcessKeyEvent('a', 30, IBusForwardMask)
	assert.False(t, consumed, "keys we forwarded ourselves are not captured again")

	require.Nil(t, e.FocusOut())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []message.IC{1}, rec.focus)
	assert.Equal(t, []message.IC{1}, rec.blur)
	require.Len(t, rec.keys, 2)
	assert.Equal(t, message.KeyEvent{Press: true, Keycode: 38, Keysym: 'a', Root: rootWin, SameScreen: true}, rec.keys[0])
	assert.False(t, rec.keys[1].Press)
	assert.Equal(t, uint16(0x1), rec.keys[1].State)
}

func TestEngineCursorLocation(t *testing.T) {
	_, bus, rec, f := startServer(t)
	e, _ := createEngine(t, bus, f)

	require.Nil(t, e.SetCursorLocation(100, 200, 2, 18))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []position{{ic: 1, win: message.None, x: 100, y: 218}}, rec.positions)
}

func TestEngineDestroy(t *testing.T) {
	s, bus, rec, f := startServer(t)
	e, path := createEngine(t, bus, f)

	require.Nil(t, e.Destroy())
	require.Nil(t, e.Destroy())

	assert.Zero(t, s.Engines())
	assert.Nil(t, bus.object(path, IBusEngineInterface))
	assert.Nil(t, bus.object(path, IBusServiceInterface))
	rec.mu.Lock()
	assert.Equal(t, []message.IC{1}, rec.destroyed, "destroy is reported once")
	rec.mu.Unlock()

	assert.ErrorIs(t, s.CommitString(1, "late"), message.ErrUnknownIC)
	assert.ErrorIs(t, s.ForwardEvent(1, message.KeyEvent{}), message.ErrUnknownIC)
	_, err := s.ClientWindow(1)
	assert.ErrorIs(t, err, message.ErrUnknownIC)

	consumed, _ := e.ProcessKeyEvent('a', 30, 0)
	assert.False(t, consumed)
}

func TestCommitStringEmitsIBusText(t *testing.T) {
	s, bus, _, f := startServer(t)
	_, path := createEngine(t, bus, f)

	require.NoError(t, s.CommitString(1, "hello, world"))

	require.Len(t, bus.emits, 1)
	ev := bus.emits[0]
	assert.Equal(t, path, ev.path)
	assert.Equal(t, IBusEngineInterface+".CommitText", ev.name)
	require.Len(t, ev.values, 1)
	v, ok := ev.values[0].(dbus.Variant)
	require.True(t, ok)
	assert.Equal(t, "(sa{sv}sv)", v.Signature().String())
	text, ok := textOf(v)
	require.True(t, ok)
	assert.Equal(t, "hello, world", text)
}

func TestForwardEventEmitsEvdevKeycode(t *testing.T) {
	s, bus, _, f := startServer(t)
	_, path := createEngine(t, bus, f)

	require.NoError(t, s.ForwardEvent(1, message.KeyEvent{Press: false, Keycode: 38, Keysym: 'a', State: 0x4}))

	require.Len(t, bus.emits, 1)
	assert.Equal(t, emitted{
		path:   path,
		name:   IBusEngineInterface + ".ForwardKeyEvent",
		values: []interface{}{uint32('a'), uint32(30), uint32(0x4) | IBusReleaseMask},
	}, bus.emits[0])
}

func TestClientWindowIsNone(t *testing.T) {
	s, bus, _, f := startServer(t)
	createEngine(t, bus, f)

	win, err := s.ClientWindow(1)
	require.NoError(t, err)
	assert.Equal(t, message.None, win)
}

func TestTextOfDecodedStruct(t *testing.T) {
	v := dbus.MakeVariant([]interface{}{"IBusText", map[string]dbus.Variant{}, "ありがとう", dbus.MakeVariant("")})
	text, ok := textOf(v)
	require.True(t, ok)
	assert.Equal(t, "ありがとう", text)

	_, ok = textOf(dbus.MakeVariant([]interface{}{"IBusAttrList", map[string]dbus.Variant{}, "x"}))
	assert.False(t, ok)
	_, ok = textOf(dbus.MakeVariant("plain"))
	assert.False(t, ok)
}

func TestKeyConversionRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := message.KeyEvent{
			Press:      rapid.Bool().Draw(t, "press"),
			Keycode:    rapid.Uint8Range(evdevOffset, 255).Draw(t, "keycode"),
			Keysym:     rapid.Uint32().Draw(t, "keysym"),
			State:      rapid.Uint16().Draw(t, "state"),
			SameScreen: true,
		}
		keyval, keycode, state := keyToIBus(k)
		if got := keyFromIBus(keyval, keycode, state); got != k {
			t.Fatalf("round trip: got %+v, want %+v", got, k)
		}
	})
}
