package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/hub"
)

func newTestManager(t *testing.T, policy ReconnectPolicy) (*ConnectionManager, *hub.MockDialer, *clock.FakeClock) {
	t.Helper()
	d := hub.NewMockDialer()
	fc := clock.Fake(epoch)
	m, err := NewConnectionManager(ConnectionOpts{Dialer: d, Clock: fc, Reconnect: policy})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, d, fc
}

func TestNewConnectionManager_RequiresDialer(t *testing.T) {
	_, err := NewConnectionManager(ConnectionOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialer is required")
}

func TestConnect_Success(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})

	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []string{"tok"}, d.Tokens())

	assert.Equal(t, Connecting, nextState(t, m).State)
	ev := nextState(t, m)
	assert.Equal(t, Connected, ev.State)
	assert.False(t, ev.Reconnected)
}

func TestConnect_AlreadyConnectedIsNoop(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	assert.Equal(t, 1, d.DialCount())
}

func TestConnect_FirstFailureIsNotRetried(t *testing.T) {
	m, d, fc := newTestManager(t, ReconnectPolicy{})
	refused := errors.New("connection refused")
	d.FailNext(refused)

	err := m.Connect(context.Background(), staticTokens())
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, Disconnected, m.State())

	assert.Equal(t, Connecting, nextState(t, m).State)
	ev := nextState(t, m)
	assert.Equal(t, Disconnected, ev.State)
	assert.ErrorIs(t, ev.Err, refused)

	fc.Advance(time.Hour)
	assert.Equal(t, 1, d.DialCount())
	assert.Zero(t, fc.Pending())
}

func TestInvoke_NotConnected(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	err := m.Invoke(context.Background(), hub.TargetSendMessage, "c-1", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, d.DialCount())
}

func TestInvoke_CompletionAndRejection(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))

	require.NoError(t, m.Invoke(context.Background(), hub.TargetSendMessage, "c-1", "hi"))

	d.FailTarget(hub.TargetJoinChatRoom, "chat is closed")
	err := m.Invoke(context.Background(), hub.TargetJoinChatRoom, "c-1")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr), "err = %v", err)
	assert.Equal(t, hub.TargetJoinChatRoom, cmdErr.Target)
	assert.Equal(t, "chat is closed", cmdErr.Message)

	invs := d.Invocations()
	require.Len(t, invs, 2)
	assert.NotEqual(t, invs[0].InvocationID, invs[1].InvocationID)
	var text string
	require.NoError(t, invs[0].Arg(1, &text))
	assert.Equal(t, "hi", text)
}

func TestInvoke_ContextCancelled(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	d.HoldTarget(hub.TargetMarkAsRead)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Invoke(ctx, hub.TargetMarkAsRead, "c-1") }()
	require.Eventually(t, func() bool { return len(d.Last().Held()) == 1 }, waitFor, time.Millisecond)
	cancel()
	assert.ErrorIs(t, recvErr(t, errc), context.Canceled)
}

func TestEvents_HubPushesInOrder(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	nextState(t, m)
	nextState(t, m)

	mc := d.Last()
	require.NoError(t, mc.Push(hub.EventChatClosed, "a"))
	require.NoError(t, mc.Push(hub.EventChatClosed, "b"))
	require.NoError(t, mc.Push(hub.EventChatClosed, "c"))

	for _, want := range []string{"a", "b", "c"} {
		ev := nextEvent(t, m)
		require.Equal(t, EventHub, ev.Kind)
		var id string
		require.NoError(t, ev.Frame.Arg(0, &id))
		assert.Equal(t, want, id)
	}
}

func TestDrop_FailsPendingAndReconnectsWithFreshToken(t *testing.T) {
	m, d, fc := newTestManager(t, ReconnectPolicy{BaseBackoff: time.Second, MaxBackoff: 8 * time.Second})
	tokens := &countingTokens{}
	require.NoError(t, m.Connect(context.Background(), tokens))
	nextState(t, m)
	nextState(t, m)

	d.HoldTarget(hub.TargetSendMessage)
	errc := make(chan error, 1)
	go func() { errc <- m.Invoke(context.Background(), hub.TargetSendMessage, "c-1", "hi") }()
	first := d.Last()
	require.Eventually(t, func() bool { return len(first.Held()) == 1 }, waitFor, time.Millisecond)

	first.Drop(errors.New("reset by peer"))
	assert.ErrorIs(t, recvErr(t, errc), ErrConnectionLost)

	ev := nextState(t, m)
	assert.Equal(t, Reconnecting, ev.State)
	assert.Error(t, ev.Err)
	assert.ErrorIs(t, m.Invoke(context.Background(), hub.TargetMarkAsRead, "c-1"), ErrNotConnected)

	fc.WaitForTimers(1)
	fc.Advance(time.Second)

	ev = nextState(t, m)
	assert.Equal(t, Connected, ev.State)
	assert.True(t, ev.Reconnected)
	assert.Equal(t, []string{"tok-1", "tok-2"}, d.Tokens())
	assert.NotSame(t, first, d.Last())
}

func TestReconnect_ExponentialBackoff(t *testing.T) {
	m, d, fc := newTestManager(t, ReconnectPolicy{BaseBackoff: time.Second, MaxBackoff: 3 * time.Second})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	nextState(t, m)
	nextState(t, m)

	d.FailNext(errors.New("down"), errors.New("down"), errors.New("down"))
	d.Last().Drop(nil)
	assert.Equal(t, Reconnecting, nextState(t, m).State)

	// 1s, 2s, then capped at 3s twice.
	for i, wait := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		fc.WaitForTimers(1)
		fc.Advance(wait - time.Millisecond)
		assert.Equal(t, i+1, d.DialCount(), "dialed early before attempt %d", i+1)
		fc.Advance(time.Millisecond)
		require.Eventually(t, func() bool { return d.DialCount() == i+2 }, waitFor, time.Millisecond)
	}
	fc.WaitForTimers(1)
	fc.Advance(3 * time.Second)

	ev := nextState(t, m)
	assert.Equal(t, Connected, ev.State)
	assert.True(t, ev.Reconnected)
	assert.Equal(t, 5, d.DialCount())
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	m, d, fc := newTestManager(t, ReconnectPolicy{BaseBackoff: time.Second, MaxBackoff: time.Second, MaxAttempts: 2})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	nextState(t, m)
	nextState(t, m)

	d.FailNext(errors.New("down"), errors.New("down"))
	d.Last().Drop(nil)
	assert.Equal(t, Reconnecting, nextState(t, m).State)

	for i := 0; i < 2; i++ {
		fc.WaitForTimers(1)
		fc.Advance(time.Second)
	}

	ev := nextState(t, m)
	assert.Equal(t, Disconnected, ev.State)
	assert.ErrorIs(t, ev.Err, ErrReconnectFailed)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 3, d.DialCount())
}

func TestDisconnect_IdempotentAndStopsReconnect(t *testing.T) {
	m, d, fc := newTestManager(t, ReconnectPolicy{BaseBackoff: time.Second, MaxBackoff: time.Second})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	nextState(t, m)
	nextState(t, m)

	d.Last().Drop(nil)
	assert.Equal(t, Reconnecting, nextState(t, m).State)
	fc.WaitForTimers(1)

	m.Disconnect()
	m.Disconnect()
	ev := nextState(t, m)
	assert.Equal(t, Disconnected, ev.State)
	assert.NoError(t, ev.Err)

	fc.Advance(time.Minute)
	assert.Equal(t, 1, d.DialCount())
	assert.Equal(t, Disconnected, m.State())
}

func TestDisconnect_ClosesConnection(t *testing.T) {
	m, d, _ := newTestManager(t, ReconnectPolicy{})
	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	mc := d.Last()

	m.Disconnect()
	assert.True(t, mc.Closed())
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Connect(context.Background(), staticTokens()))
	assert.Equal(t, 2, d.DialCount())
}

func TestClose_RejectsConnect(t *testing.T) {
	m, _, _ := newTestManager(t, ReconnectPolicy{})
	m.Close()
	assert.ErrorIs(t, m.Connect(context.Background(), staticTokens()), ErrClosed)
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestReconnectPolicy_Delay(t *testing.T) {
	p := ReconnectPolicy{BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
	assert.Equal(t, 2*time.Second, p.delay(0))
	assert.Equal(t, 4*time.Second, p.delay(1))
	assert.Equal(t, 16*time.Second, p.delay(3))
	assert.Equal(t, 30*time.Second, p.delay(4))
	assert.Equal(t, 30*time.Second, p.delay(200))
}

// stallingDialer blocks every dial until its context is cancelled.
type stallingDialer struct {
	started chan struct{}
}

func (d *stallingDialer) Dial(ctx context.Context, token string) (hub.Conn, error) {
	close(d.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnect_CancelsInFlightConnect(t *testing.T) {
	d := &stallingDialer{started: make(chan struct{})}
	m, err := NewConnectionManager(ConnectionOpts{Dialer: d, Clock: clock.Fake(epoch)})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	connectErr := make(chan error, 1)
	go func() { connectErr <- m.Connect(context.Background(), staticTokens()) }()
	<-d.started

	disconnected := make(chan struct{})
	go func() {
		m.Disconnect()
		close(disconnected)
	}()

	select {
	case <-disconnected:
	case <-time.After(waitFor):
		t.Fatal("Disconnect blocked on an in-flight dial")
	}
	select {
	case err := <-connectErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, Disconnected, m.State())
}
