package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/hub"
)

const (
	// baseBackoff is the first reconnect delay.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential reconnect delay.
	maxBackoff = 30 * time.Second
	// eventBuffer is the capacity of the ordered event stream.
	eventBuffer = 1024
)

// ReconnectPolicy controls automatic reconnection after a drop.
type ReconnectPolicy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxAttempts bounds consecutive failed dials; 0 retries forever.
	MaxAttempts int
}

func (p ReconnectPolicy) delay(attempt int) time.Duration {
	wait := float64(p.BaseBackoff) * math.Pow(2, float64(attempt))
	if wait >= float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(wait)
}

// ConnectionOpts holds parameters for creating a ConnectionManager.
type ConnectionOpts struct {
	Dialer    hub.Dialer
	Clock     clock.Clock // defaults to clock.Real()
	Logger    *zap.Logger // defaults to a no-op logger
	Metrics   *Metrics    // optional
	Reconnect ReconnectPolicy
}

// ConnectionManager owns the single hub connection. It serializes
// Connect and Disconnect, reconnects automatically after drops, correlates
// command completions, and delivers state changes and server pushes on one
// ordered channel.
type ConnectionManager struct {
	dialer  hub.Dialer
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
	policy  ReconnectPolicy

	connectMu sync.Mutex // serializes Connect and Disconnect

	mu              sync.Mutex
	state           ConnState
	conn            hub.Conn
	gen             uint64 // bumped by every Connect and Disconnect
	tokens          oauth2.TokenSource
	pending         map[string]chan error
	cancelReconnect context.CancelFunc
	cancelDial      context.CancelFunc // set while Connect is dialing

	emitMu    sync.Mutex
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionManager creates a ConnectionManager in the Disconnected state.
func NewConnectionManager(opts ConnectionOpts) (*ConnectionManager, error) {
	if opts.Dialer == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	m := &ConnectionManager{
		dialer:  opts.Dialer,
		clock:   opts.Clock,
		log:     opts.Logger,
		metrics: opts.Metrics,
		policy:  opts.Reconnect,
		pending: make(map[string]chan error),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.policy.BaseBackoff <= 0 {
		m.policy.BaseBackoff = baseBackoff
	}
	if m.policy.MaxBackoff <= 0 {
		m.policy.MaxBackoff = maxBackoff
	}
	if m.policy.MaxBackoff < m.policy.BaseBackoff {
		m.policy.MaxBackoff = m.policy.BaseBackoff
	}
	return m, nil
}

// Events is the ordered stream of state changes and server pushes. It is
// never closed; stop reading when Done is closed.
func (m *ConnectionManager) Events() <-chan Event {
	return m.events
}

// Done is closed by Close.
func (m *ConnectionManager) Done() <-chan struct{} {
	return m.done
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the hub with a token from tokens. The first attempt is not
// retried: on failure the manager is Disconnected and the error returned.
// Connect while already connecting, connected or reconnecting is a no-op.
func (m *ConnectionManager) Connect(ctx context.Context, tokens oauth2.TokenSource) error {
	if tokens == nil {
		return fmt.Errorf("session: token source is required")
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return ErrClosed
	default:
	}
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.tokens = tokens
	m.state = Connecting
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.cancelDial = cancel
	m.mu.Unlock()
	m.emitState(gen, Connecting, false, nil)

	conn, err := m.dial(dialCtx, tokens)
	m.mu.Lock()
	m.cancelDial = nil
	m.mu.Unlock()
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = Disconnected
		}
		m.mu.Unlock()
		m.emitState(gen, Disconnected, false, err)
		return fmt.Errorf("session: connect: %w", err)
	}
	m.attach(gen, conn, false)
	m.log.Info("hub connected")
	return nil
}

func (m *ConnectionManager) dial(ctx context.Context, tokens oauth2.TokenSource) (hub.Conn, error) {
	tok, err := tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	return m.dialer.Dial(ctx, tok.AccessToken)
}

// attach installs conn as the live connection if gen is still current.
func (m *ConnectionManager) attach(gen uint64, conn hub.Conn, reconnected bool) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		conn.Close()
		return false
	}
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	m.conn = conn
	m.state = Connected
	m.mu.Unlock()

	m.emitState(gen, Connected, reconnected, nil)
	go m.readLoop(gen, conn)
	return true
}

func (m *ConnectionManager) readLoop(gen uint64, conn hub.Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			m.handleDrop(gen, conn, err)
			return
		}
		switch f.Type {
		case hub.FrameCompletion:
			m.complete(f)
		case hub.FrameEvent:
			m.metrics.event(f.Target)
			m.emit(gen, Event{Kind: EventHub, Frame: f})
		case hub.FramePing:
		default:
			m.log.Debug("ignoring hub frame", zap.String("type", string(f.Type)))
		}
	}
}

func (m *ConnectionManager) complete(f hub.Frame) {
	m.mu.Lock()
	ch, ok := m.pending[f.InvocationID]
	delete(m.pending, f.InvocationID)
	m.mu.Unlock()
	if !ok {
		m.log.Debug("completion for unknown invocation", zap.String("id", f.InvocationID))
		return
	}
	if f.Error != "" {
		ch <- errors.New(f.Error)
		return
	}
	ch <- nil
}

// handleDrop moves a live connection that ended on its own to Reconnecting.
func (m *ConnectionManager) handleDrop(gen uint64, conn hub.Conn, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = Reconnecting
	pending := m.takePendingLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelReconnect = cancel
	tokens := m.tokens
	m.mu.Unlock()

	conn.Close()
	failPending(pending, ErrConnectionLost)
	m.log.Warn("hub connection lost, reconnecting", zap.Error(cause))
	m.emitState(gen, Reconnecting, false, cause)
	go m.reconnectLoop(ctx, gen, tokens)
}

func (m *ConnectionManager) reconnectLoop(ctx context.Context, gen uint64, tokens oauth2.TokenSource) {
	for attempt := 0; ; attempt++ {
		if m.policy.MaxAttempts > 0 && attempt >= m.policy.MaxAttempts {
			m.giveUp(gen)
			return
		}
		wait := m.policy.delay(attempt)
		m.log.Debug("reconnect scheduled", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(wait):
		}

		conn, err := m.dial(ctx, tokens)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if m.attach(gen, conn, true) {
			m.metrics.reconnected()
			m.log.Info("hub reconnected", zap.Int("attempts", attempt+1))
		}
		return
	}
}

func (m *ConnectionManager) giveUp(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
	m.mu.Unlock()
	m.log.Error("giving up on reconnect", zap.Int("max_attempts", m.policy.MaxAttempts))
	m.emitState(gen, Disconnected, false, ErrReconnectFailed)
}

// Disconnect closes the connection from any state and stops reconnecting.
// Commands awaiting completion fail with ErrConnectionLost. Disconnect is
// idempotent. An in-flight Connect is cancelled rather than waited out.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.cancelDial != nil {
		m.cancelDial()
	}
	m.mu.Unlock()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	conn := m.conn
	m.conn = nil
	cancel := m.cancelReconnect
	m.cancelReconnect = nil
	m.state = Disconnected
	pending := m.takePendingLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debug("close hub connection", zap.Error(err))
		}
	}
	failPending(pending, ErrConnectionLost)
	m.log.Info("hub disconnected")
	m.emitState(gen, Disconnected, false, nil)
}

// Close disconnects and releases event stream readers. The manager cannot
// be reconnected afterwards.
func (m *ConnectionManager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	})
	m.Disconnect()
}

// Invoke sends a command and waits for its completion. It fails with
// ErrNotConnected unless Connected, and with *CommandError when the hub
// rejects the command.
func (m *ConnectionManager) Invoke(ctx context.Context, target string, args ...any) error {
	id := uuid.NewString()
	f, err := hub.NewInvocation(id, target, args...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		m.metrics.invocation(target, "not_connected")
		return ErrNotConnected
	}
	conn := m.conn
	ch := make(chan error, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	if err := conn.WriteFrame(ctx, f); err != nil {
		m.forget(id)
		m.metrics.invocation(target, "error")
		return fmt.Errorf("session: %s: %w", target, err)
	}

	select {
	case err := <-ch:
		switch {
		case err == nil:
			m.metrics.invocation(target, "ok")
			return nil
		case errors.Is(err, ErrConnectionLost):
			m.metrics.invocation(target, "lost")
			return fmt.Errorf("session: %s: %w", target, err)
		default:
			m.metrics.invocation(target, "rejected")
			return &CommandError{Target: target, Message: err.Error()}
		}
	case <-ctx.Done():
		m.forget(id)
		m.metrics.invocation(target, "cancelled")
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *ConnectionManager) forget(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func (m *ConnectionManager) takePendingLocked() map[string]chan error {
	pending := m.pending
	m.pending = make(map[string]chan error)
	return pending
}

func failPending(pending map[string]chan error, err error) {
	for _, ch := range pending {
		ch <- err
	}
}

func (m *ConnectionManager) emitState(gen uint64, s ConnState, reconnected bool, err error) {
	m.metrics.setState(s)
	m.emit(gen, Event{Kind: EventState, State: s, Reconnected: reconnected, Err: err})
}

// emit appends ev to the event stream unless gen has been superseded.
// Holding emitMu across the send keeps the stream in emission order.
func (m *ConnectionManager) emit(gen uint64, ev Event) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}
