package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/clock"
)

const (
	defaultTypingDebounce = time.Second
	defaultTypingExpiry   = 3 * time.Second
	typingSendTimeout     = 5 * time.Second
)

// TypingOpts holds parameters for creating a TypingSignaler.
type TypingOpts struct {
	// Send broadcasts the local typing flag for a conversation.
	Send func(ctx context.Context, conversationID string, isTyping bool) error
	// OnRemote receives the remote indicator, nil when cleared. It runs
	// with the signaler locked and must not call back into it.
	OnRemote func(*TypingState)
	Clock    clock.Clock
	Logger   *zap.Logger
	Debounce time.Duration // defaults to 1s
	Expiry   time.Duration // defaults to 3s
}

// TypingSignaler debounces the local typing indicator and expires remote
// ones. Both halves are scoped to the active conversation.
type TypingSignaler struct {
	send     func(ctx context.Context, conversationID string, isTyping bool) error
	onRemote func(*TypingState)
	clock    clock.Clock
	log      *zap.Logger
	debounce time.Duration
	expiry   time.Duration

	sendMu sync.Mutex // orders outbound start/stop

	mu          sync.Mutex
	scope       string
	localOn     bool
	localTimer  clock.Timer
	localGen    uint64
	remote      *TypingState
	remoteTimer clock.Timer
	remoteGen   uint64
}

// NewTypingSignaler creates a TypingSignaler with no scope.
func NewTypingSignaler(opts TypingOpts) (*TypingSignaler, error) {
	if opts.Send == nil {
		return nil, fmt.Errorf("session: typing send is required")
	}
	t := &TypingSignaler{
		send:     opts.Send,
		onRemote: opts.OnRemote,
		clock:    opts.Clock,
		log:      opts.Logger,
		debounce: opts.Debounce,
		expiry:   opts.Expiry,
	}
	if t.onRemote == nil {
		t.onRemote = func(*TypingState) {}
	}
	if t.clock == nil {
		t.clock = clock.Real()
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.debounce <= 0 {
		t.debounce = defaultTypingDebounce
	}
	if t.expiry <= 0 {
		t.expiry = defaultTypingExpiry
	}
	return t, nil
}

// Keystroke reports local input. The first keystroke sends a start; each
// keystroke pushes the stop back by the debounce interval.
func (t *TypingSignaler) Keystroke() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	scope := t.scope
	if scope == "" {
		t.mu.Unlock()
		return
	}
	start := !t.localOn
	t.localOn = true
	t.stopLocalTimerLocked()
	gen := t.localGen
	t.localTimer = t.clock.AfterFunc(t.debounce, func() { t.localExpired(gen) })
	t.mu.Unlock()

	if start {
		t.emit(scope, true)
	}
}

// StopLocal sends a stop right away if a start is outstanding.
func (t *TypingSignaler) StopLocal() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if !t.localOn {
		t.mu.Unlock()
		return
	}
	t.localOn = false
	t.stopLocalTimerLocked()
	scope := t.scope
	t.mu.Unlock()

	t.emit(scope, false)
}

func (t *TypingSignaler) localExpired(gen uint64) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.mu.Lock()
	if gen != t.localGen || !t.localOn {
		t.mu.Unlock()
		return
	}
	t.localOn = false
	t.localTimer = nil
	scope := t.scope
	t.mu.Unlock()

	t.emit(scope, false)
}

func (t *TypingSignaler) emit(conversationID string, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), typingSendTimeout)
	defer cancel()
	if err := t.send(ctx, conversationID, isTyping); err != nil {
		t.log.Debug("typing indicator not sent",
			zap.String("conversation", conversationID), zap.Bool("typing", isTyping), zap.Error(err))
	}
}

// LocalTyping reports whether a start is outstanding.
func (t *TypingSignaler) LocalTyping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localOn
}

// Remote applies an inbound typing event. An empty conversationID means
// the active conversation. Events for other conversations are ignored.
func (t *TypingSignaler) Remote(conversationID, who string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scope == "" || (conversationID != "" && conversationID != t.scope) {
		return
	}
	if !isTyping {
		t.clearRemoteLocked()
		return
	}

	t.stopRemoteTimerLocked()
	gen := t.remoteGen
	t.remote = &TypingState{
		ConversationID: t.scope,
		Who:            who,
		IsTyping:       true,
		ExpiresAt:      t.clock.Now().Add(t.expiry),
	}
	t.remoteTimer = t.clock.AfterFunc(t.expiry, func() { t.remoteExpired(gen) })
	st := *t.remote
	t.onRemote(&st)
}

func (t *TypingSignaler) remoteExpired(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.remoteGen {
		return
	}
	t.remoteTimer = nil
	t.clearRemoteLocked()
}

// RemoteState returns a copy of the remote indicator, or nil.
func (t *TypingSignaler) RemoteState() *TypingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return nil
	}
	st := *t.remote
	return &st
}

// SetScope switches the conversation both halves apply to. Pending local
// and remote state is discarded without sending a stop.
func (t *TypingSignaler) SetScope(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scope = conversationID
	t.resetLocked()
}

// Reset discards local and remote state, keeping the scope. Used when the
// connection drops.
func (t *TypingSignaler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *TypingSignaler) resetLocked() {
	t.localOn = false
	t.stopLocalTimerLocked()
	t.clearRemoteLocked()
}

func (t *TypingSignaler) stopLocalTimerLocked() {
	if t.localTimer != nil {
		t.localTimer.Stop()
		t.localTimer = nil
	}
	t.localGen++
}

func (t *TypingSignaler) stopRemoteTimerLocked() {
	if t.remoteTimer != nil {
		t.remoteTimer.Stop()
		t.remoteTimer = nil
	}
	t.remoteGen++
}

func (t *TypingSignaler) clearRemoteLocked() {
	t.stopRemoteTimerLocked()
	if t.remote == nil {
		return
	}
	t.remote = nil
	t.onRemote(nil)
}
