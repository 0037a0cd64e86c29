package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"vime/internal/logging"
	"vime/internal/message"
	"vime/internal/placement"
	"vime/internal/wake"
)

const (
	coordWin       message.Window = 1
	editorWin      message.Window = 2
	passthroughWin message.Window = 3
	clientWin      message.Window = 0x5000
)

var altRightShift = Chord{Modifiers: 0x8, Keycode: 62}

type commit struct {
	ic   message.IC
	text string
}

type fakeServer struct {
	mu       sync.Mutex
	commits  []commit
	forwards []message.KeyEvent
	gone     map[message.IC]bool
	fail     error
}

func (s *fakeServer) CommitString(ic message.IC, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.gone[ic] {
		return message.ErrUnknownIC
	}
	s.commits = append(s.commits, commit{ic, text})
	return nil
}

func (s *fakeServer) ForwardEvent(ic message.IC, key message.KeyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards = append(s.forwards, key)
	return nil
}

func (s *fakeServer) ClientWindow(ic message.IC) (message.Window, error) {
	if s.gone[ic] {
		return message.None, message.ErrUnknownIC
	}
	return clientWin, nil
}

func (s *fakeServer) committed() []commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commit(nil), s.commits...)
}

type fakeDisplay struct {
	mu       sync.Mutex
	sent     []message.KeyEvent
	moves    map[message.Window]placement.Point
	geom     map[message.Window]placement.Rect
	parent   map[message.Window]message.Window
	monitors []placement.Rect
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{
		moves: make(map[message.Window]placement.Point),
		geom: map[message.Window]placement.Rect{
			editorWin: {W: 400, H: 300},
		},
		parent:   make(map[message.Window]message.Window),
		monitors: []placement.Rect{{X: 0, Y: 0, W: 1920, H: 1080}},
	}
}

func (d *fakeDisplay) Geometry(w message.Window) (placement.Rect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.geom[w]
	if !ok {
		return placement.Rect{}, errors.New("BadWindow")
	}
	return g, nil
}

func (d *fakeDisplay) Parent(w message.Window) (message.Window, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parent[w], nil
}

func (d *fakeDisplay) Monitors() ([]placement.Rect, error) {
	return d.monitors, nil
}

func (d *fakeDisplay) MoveAndRaise(w message.Window, p placement.Point) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moves[w] = p
	return nil
}

func (d *fakeDisplay) SendKey(k message.KeyEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, k)
	return nil
}

type wakeup struct{ from, to message.Window }

type recordingNotifier struct {
	mu    sync.Mutex
	wakes []wakeup
}

func (n *recordingNotifier) Notify(from, to message.Window) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.wakes = append(n.wakes, wakeup{from, to})
	return nil
}

type harness struct {
	c           *Coordinator
	server      *fakeServer
	display     *fakeDisplay
	notifier    *recordingNotifier
	editor      *message.Endpoint
	passthrough *message.Endpoint
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	coordEditor, editor := message.Pair(16)
	coordPass, passthrough := message.Pair(16)
	h := &harness{
		server:      &fakeServer{gone: map[message.IC]bool{}},
		display:     newFakeDisplay(),
		notifier:    &recordingNotifier{},
		editor:      editor,
		passthrough: passthrough,
	}

	c, err := New(Config{
		Server:      h.server,
		Display:     h.display,
		Notifier:    h.notifier,
		Source:      wake.NewHub().Register(coordWin, 8),
		Window:      coordWin,
		Editor:      Peer{Endpoint: coordEditor, Window: editorWin},
		Passthrough: Peer{Endpoint: coordPass, Window: passthroughWin},
		Trigger:     altRightShift,
		PopupSize:   placement.Size{W: 400, H: 300},
		Logger:      logging.Nop(),
	})
	require.NoError(t, err)
	h.c = c
	return h
}

func drain(ep *message.Endpoint) []message.Message {
	var out []message.Message
	for {
		m, err := ep.TryRecv()
		if err != nil {
			return out
		}
		out = append(out, m)
	}
}

func press(keycode uint8, state uint16) message.KeyEvent {
	return message.KeyEvent{Press: true, Keycode: keycode, State: state, Window: clientWin, Child: 0x5001}
}

func release(keycode uint8, state uint16) message.KeyEvent {
	k := press(keycode, state)
	k.Press = false
	return k
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestChordMatches(t *testing.T) {
	assert.True(t, altRightShift.Matches(press(62, 0x8)))
	assert.True(t, altRightShift.Matches(press(62, 0x8|0x1)), "extra modifiers are allowed")
	assert.False(t, altRightShift.Matches(press(62, 0)))
	assert.False(t, altRightShift.Matches(press(50, 0x8)))
}

func TestScenarioToggleAndCommit(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.handle(focusIn{7}))
	assert.Equal(t, []message.Message{message.StartEditing{IC: 7}}, drain(h.passthrough))
	assert.Empty(t, drain(h.editor))

	require.NoError(t, h.c.handle(forward{ic: 7, key: press(62, 0x8)}))
	assert.Equal(t, []message.Message{message.CancelEditing{}}, drain(h.passthrough))
	assert.Equal(t, []message.Message{message.StartEditing{IC: 7}}, drain(h.editor))
	assert.True(t, h.c.EditorActive())

	require.NoError(t, h.editor.Send(message.EditResult{IC: 7, Text: "hello", OK: true}))
	require.NoError(t, h.c.handleWake(editorWin))

	assert.Equal(t, []commit{{7, "hello"}}, h.server.committed())
	assert.False(t, h.c.EditorActive())
	assert.Equal(t, []message.Message{message.StartEditing{IC: 7}}, drain(h.passthrough))

	// Passthrough is woken for every message it must read.
	assert.Equal(t, []wakeup{
		{coordWin, passthroughWin},
		{coordWin, passthroughWin},
		{coordWin, passthroughWin},
	}, h.notifier.wakes)
}

func TestToggleBackToPassthrough(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{4}))
	require.NoError(t, h.c.handle(forward{ic: 4, key: press(62, 0x8)}))
	drain(h.passthrough)
	drain(h.editor)

	require.NoError(t, h.c.handle(forward{ic: 4, key: press(62, 0x8)}))
	assert.False(t, h.c.EditorActive())
	assert.Equal(t, []message.Message{message.CancelEditing{}}, drain(h.editor))
	assert.Equal(t, []message.Message{message.StartEditing{IC: 4}}, drain(h.passthrough))
}

func TestTriggerReleaseIsSwallowed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{1}))
	drain(h.passthrough)

	require.NoError(t, h.c.handle(forward{ic: 1, key: release(62, 0x8)}))
	assert.False(t, h.c.EditorActive())
	assert.Empty(t, h.display.sent)
	assert.Empty(t, drain(h.passthrough))
}

func TestToggleWhileUnfocusedIsNoop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.c.handle(forward{ic: 3, key: press(62, 0x8)}))
	assert.False(t, h.c.EditorActive())
	assert.Empty(t, drain(h.editor))
	assert.Empty(t, drain(h.passthrough))
	assert.Empty(t, h.display.sent)
}

func TestForwardRetargetsToActiveBackend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{2}))

	require.NoError(t, h.c.handle(forward{ic: 2, key: press(38, 0)}))
	require.Len(t, h.display.sent, 1)
	assert.Equal(t, passthroughWin, h.display.sent[0].Window)
	assert.Equal(t, message.None, h.display.sent[0].Child)
	assert.Equal(t, uint8(38), h.display.sent[0].Keycode)

	require.NoError(t, h.c.handle(forward{ic: 2, key: press(62, 0x8)}))
	require.NoError(t, h.c.handle(forward{ic: 2, key: release(38, 0)}))
	require.Len(t, h.display.sent, 2)
	assert.Equal(t, editorWin, h.display.sent[1].Window)
	assert.False(t, h.display.sent[1].Press)
}

func TestStaleForwardIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{2}))

	require.NoError(t, h.c.handle(forward{ic: 9, key: press(38, 0)}))
	assert.Empty(t, h.display.sent)
}

func TestFocusOutOnlyClearsMatchingIC(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{5}))

	require.NoError(t, h.c.handle(focusOut{6}))
	ic, ok := h.c.Focus()
	require.True(t, ok)
	assert.Equal(t, message.IC(5), ic)

	require.NoError(t, h.c.handle(focusOut{5}))
	_, ok = h.c.Focus()
	assert.False(t, ok)
}

func TestFocusOutWhileEditingSendsFocusLost(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{5}))
	require.NoError(t, h.c.handle(forward{ic: 5, key: press(62, 0x8)}))
	drain(h.editor)

	require.NoError(t, h.c.handle(focusOut{5}))
	assert.Equal(t, []message.Message{message.FocusLost{}}, drain(h.editor))
	assert.True(t, h.c.EditorActive(), "mode survives focus loss")

	// Focus returns to another field while the editor is up.
	require.NoError(t, h.c.handle(focusIn{6}))
	assert.Equal(t, []message.Message{message.StartEditing{IC: 6}}, drain(h.editor))
}

func TestDestroyActsLikeFocusOut(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{8}))
	require.NoError(t, h.c.handle(destroyed{8}))

	_, ok := h.c.Focus()
	assert.False(t, ok)
}

func TestEditorResultWithoutTextStillResetsMode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{7}))
	require.NoError(t, h.c.handle(forward{ic: 7, key: press(62, 0x8)}))
	require.NoError(t, h.c.handle(focusOut{7}))
	drain(h.passthrough)

	require.NoError(t, h.editor.Send(message.EditResult{IC: 7}))
	require.NoError(t, h.c.handleWake(editorWin))

	assert.Empty(t, h.server.committed())
	assert.False(t, h.c.EditorActive())
	assert.Empty(t, drain(h.passthrough), "nothing to resume without focus")
}

func TestPassthroughMessages(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{3}))

	require.NoError(t, h.passthrough.Send(message.EditResult{IC: 3, Text: "日本", OK: true}))
	require.NoError(t, h.c.handleWake(passthroughWin))
	assert.Equal(t, []commit{{3, "日本"}}, h.server.committed())

	require.NoError(t, h.passthrough.Send(message.ForwardKeyEvent{IC: 3, Key: press(38, 0)}))
	require.NoError(t, h.c.handleWake(passthroughWin))
	require.Len(t, h.server.forwards, 1)
	assert.Equal(t, clientWin, h.server.forwards[0].Window)
	assert.Equal(t, message.None, h.server.forwards[0].Child)
}

func TestForwardedKeyKeepsClientKeysym(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{3}))
	drain(h.passthrough)

	const lockMask = 0x2
	capsA := press(38, lockMask)
	capsA.Keysym = 0x41 // A
	kp7 := press(79, 0x10)
	kp7.Keysym = 0xffb7 // KP_7
	require.NoError(t, h.c.handle(forward{ic: 3, key: capsA}))
	require.NoError(t, h.c.handle(forward{ic: 3, key: kp7}))
	require.Len(t, h.display.sent, 2)

	// The passthrough window decodes its own keysyms from the bare X event.
	for i, decoded := range []uint32{0x61, 0xff95} {
		back := h.display.sent[i]
		assert.NotZero(t, back.Time, "injected keys are stamped")
		back.Keysym = decoded
		require.NoError(t, h.passthrough.Send(message.ForwardKeyEvent{IC: 3, Key: back}))
		require.NoError(t, h.c.handleWake(passthroughWin))
	}

	require.Len(t, h.server.forwards, 2)
	assert.Equal(t, uint32(0x41), h.server.forwards[0].Keysym)
	assert.Equal(t, uint32(0xffb7), h.server.forwards[1].Keysym)
	assert.Equal(t, uint16(lockMask), h.server.forwards[0].State)
}

func TestUnknownForwardedKeyKeepsItsKeysym(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{3}))

	k := press(38, 0)
	k.Time = 99
	k.Keysym = 0x61
	require.NoError(t, h.passthrough.Send(message.ForwardKeyEvent{IC: 3, Key: k}))
	require.NoError(t, h.c.handleWake(passthroughWin))

	require.Len(t, h.server.forwards, 1)
	assert.Equal(t, uint32(0x61), h.server.forwards[0].Keysym)
}

func TestSentKeysRingWraps(t *testing.T) {
	var s sentKeys
	first := s.stamp(message.KeyEvent{Press: true, Keycode: 38, Keysym: 0x41})
	for i := 0; i < len(s.ring); i++ {
		s.stamp(message.KeyEvent{Press: true, Keycode: 39, Keysym: 0x42})
	}

	first.Keysym = 0x61
	assert.Equal(t, uint32(0x61), s.restore(first).Keysym, "evicted entries are not restored")
}

func TestWakeReadsExactlyOneMessage(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.passthrough.Send(message.EditResult{IC: 1, Text: "a", OK: true}))
	require.NoError(t, h.passthrough.Send(message.EditResult{IC: 1, Text: "b", OK: true}))

	require.NoError(t, h.c.handleWake(passthroughWin))
	assert.Equal(t, []commit{{1, "a"}}, h.server.committed())

	require.NoError(t, h.c.handleWake(passthroughWin))
	assert.Equal(t, []commit{{1, "a"}, {1, "b"}}, h.server.committed())

	// A spurious wakeup is tolerated.
	require.NoError(t, h.c.handleWake(passthroughWin))
}

func TestUnexpectedMessagesAreIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.editor.Send(message.FocusLost{}))
	require.NoError(t, h.c.handleWake(editorWin))

	require.NoError(t, h.passthrough.Send(message.CancelEditing{}))
	require.NoError(t, h.c.handleWake(passthroughWin))

	require.NoError(t, h.c.handleWake(0x777))
}

func TestCommitToDestroyedICIsDropped(t *testing.T) {
	h := newHarness(t)
	h.server.gone[4] = true

	require.NoError(t, h.passthrough.Send(message.EditResult{IC: 4, Text: "x", OK: true}))
	assert.NoError(t, h.c.handleWake(passthroughWin))

	require.NoError(t, h.passthrough.Send(message.ForwardKeyEvent{IC: 4, Key: press(38, 0)}))
	assert.NoError(t, h.c.handleWake(passthroughWin))
	assert.Empty(t, h.server.forwards)
}

func TestServerFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.server.fail = errors.New("bus gone")

	require.NoError(t, h.passthrough.Send(message.EditResult{IC: 4, Text: "x", OK: true}))
	assert.Error(t, h.c.handleWake(passthroughWin))
}

func TestDisconnectedBackendIsFatal(t *testing.T) {
	h := newHarness(t)
	h.passthrough.Close()

	err := h.c.handle(focusIn{1})
	assert.ErrorIs(t, err, message.ErrDisconnected)

	err = h.c.handleWake(passthroughWin)
	assert.ErrorIs(t, err, message.ErrDisconnected)
}

func TestPositionChangedPlacesPopups(t *testing.T) {
	h := newHarness(t)
	h.display.geom[0x10] = placement.Rect{X: 1700, Y: 900}
	h.display.geom[0x11] = placement.Rect{X: 90, Y: 80}
	h.display.parent[0x11] = 0x10

	require.NoError(t, h.c.handle(focusIn{7}))
	require.NoError(t, h.c.handle(positionChanged{ic: 7, win: 0x11, x: 10, y: 20}))

	assert.Equal(t, placement.Point{X: 1800, Y: 1000}, h.display.moves[passthroughWin])
	editor := h.display.moves[editorWin]
	assert.LessOrEqual(t, editor.X, 1520)
	assert.LessOrEqual(t, editor.Y, 780)
}

func TestPositionChangedForStaleICIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.c.handle(focusIn{7}))
	require.NoError(t, h.c.handle(positionChanged{ic: 8, x: 10, y: 20}))
	assert.Empty(t, h.display.moves)
}

func TestFocusRecordProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		coordEditor, _ := message.Pair(1024)
		coordPass, _ := message.Pair(1024)
		c, err := New(Config{
			Server:      &fakeServer{},
			Display:     newFakeDisplay(),
			Notifier:    &recordingNotifier{},
			Source:      wake.NewHub().Register(coordWin, 1),
			Editor:      Peer{Endpoint: coordEditor, Window: editorWin},
			Passthrough: Peer{Endpoint: coordPass, Window: passthroughWin},
			Logger:      logging.Nop(),
		})
		require.NoError(rt, err)

		var model *message.IC
		n := rapid.IntRange(0, 200).Draw(rt, "n")
		for i := 0; i < n; i++ {
			ic := message.IC(rapid.IntRange(1, 4).Draw(rt, "ic"))
			if rapid.Bool().Draw(rt, "in") {
				require.NoError(rt, c.handle(focusIn{ic}))
				model = &ic
			} else {
				require.NoError(rt, c.handle(focusOut{ic}))
				if model != nil && *model == ic {
					model = nil
				}
			}

			got, ok := c.Focus()
			if model == nil {
				require.False(rt, ok)
			} else {
				require.True(rt, ok)
				require.Equal(rt, *model, got)
			}
		}
	})
}

func TestRunDispatchesCallsAndWakeups(t *testing.T) {
	defer goleak.VerifyNone(t)

	hub := wake.NewHub()
	coordEditor, editor := message.Pair(16)
	coordPass, passthrough := message.Pair(16)
	passQueue := hub.Register(passthroughWin, 8)
	server := &fakeServer{}
	triggers := make(chan Chord)

	c, err := New(Config{
		Server:      server,
		Display:     newFakeDisplay(),
		Notifier:    hub,
		Source:      hub.Register(coordWin, 8),
		Window:      coordWin,
		Editor:      Peer{Endpoint: coordEditor, Window: editorWin},
		Passthrough: Peer{Endpoint: coordPass, Window: passthroughWin},
		Trigger:     altRightShift,
		Triggers:    triggers,
		Logger:      logging.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	c.FocusIn(7)
	select {
	case ev := <-passQueue.Events():
		assert.Equal(t, coordWin, ev.From)
	case <-time.After(time.Second):
		t.Fatal("passthrough was not woken")
	}
	m, err := passthrough.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, message.StartEditing{IC: 7}, m)

	// Rebind the trigger to F12 and toggle with it.
	triggers <- Chord{Keycode: 96}
	c.Forward(7, press(96, 0))
	got, err := editor.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.StartEditing{IC: 7}, got)

	require.NoError(t, editor.Send(message.EditResult{IC: 7, Text: "hi", OK: true}))
	require.NoError(t, hub.Notify(editorWin, coordWin))

	require.Eventually(t, func() bool {
		return len(server.committed()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// Callbacks after shutdown must not block.
	c.FocusOut(7)
}

func TestRunFailsWhenSourceCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	queue := wake.NewHub().Register(coordWin, 1)
	h.c.source = queue

	boom := errors.New("connection reset by peer")
	queue.Close(boom)

	err := h.c.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}
