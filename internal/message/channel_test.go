package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairDeliversInOrder(t *testing.T) {
	a, b := Pair(8)

	require.NoError(t, a.Send(StartEditing{IC: 1}))
	require.NoError(t, a.Send(CancelEditing{}))
	require.NoError(t, a.Send(StartEditing{IC: 2}))

	ctx := context.Background()
	for _, want := range []Message{StartEditing{IC: 1}, CancelEditing{}, StartEditing{IC: 2}} {
		got, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := b.TryRecv()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPairIsBidirectional(t *testing.T) {
	a, b := Pair(1)

	require.NoError(t, b.Send(EditResult{IC: 3, Text: "x", OK: true}))
	got, err := a.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, EditResult{IC: 3, Text: "x", OK: true}, got)
}

func TestSendNeverBlocks(t *testing.T) {
	a, _ := Pair(1)

	require.NoError(t, a.Send(FocusLost{}))
	assert.ErrorIs(t, a.Send(FocusLost{}), ErrChannelFull)
}

func TestDisconnectDrainsQueuedMessages(t *testing.T) {
	a, b := Pair(4)

	require.NoError(t, a.Send(StartEditing{IC: 9}))
	a.Close()

	got, err := b.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StartEditing{IC: 9}, got)

	_, err = b.Recv(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)

	assert.ErrorIs(t, b.Send(CancelEditing{}), ErrDisconnected)
	assert.ErrorIs(t, a.Send(CancelEditing{}), ErrClosed)
}

func TestRecvHonoursContext(t *testing.T) {
	_, b := Pair(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyEventRetarget(t *testing.T) {
	ev := KeyEvent{Press: true, Keycode: 38, Window: 10, Child: 11}
	out := ev.Retarget(42)

	assert.Equal(t, Window(42), out.Window)
	assert.Equal(t, None, out.Child)
	assert.Equal(t, uint8(38), out.Keycode)
	assert.Equal(t, Window(10), ev.Window, "source event must be untouched")
}

func TestName(t *testing.T) {
	assert.Equal(t, "edit_result", Name(EditResult{}))
	assert.Equal(t, "forward_key_event", Name(ForwardKeyEvent{}))
	assert.Equal(t, "nil", Name(nil))
}

func TestAnnounceExchangesWindows(t *testing.T) {
	a, b := Pair(4)
	ctx := context.Background()

	done := make(chan Window, 1)
	go func() {
		w, err := b.Announce(ctx, 0x20)
		assert.NoError(t, err)
		done <- w
	}()

	got, err := a.AwaitWindow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Window(0x20), got)

	require.NoError(t, a.Send(WindowAnnounce{Window: 0x10}))
	assert.Equal(t, Window(0x10), <-done)
}

func TestAwaitWindowRejectsOtherMessages(t *testing.T) {
	a, b := Pair(1)
	require.NoError(t, b.Send(CancelEditing{}))

	_, err := a.AwaitWindow(context.Background())
	assert.ErrorContains(t, err, "cancel_editing")
}
