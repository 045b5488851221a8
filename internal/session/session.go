package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
)

// ConversationAPI is the REST surface the session needs.
type ConversationAPI interface {
	ListConversations(ctx context.Context, page int) (*models.Page[models.Conversation], error)
	FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error)
	CreateConversation(ctx context.Context, subject, initialMessage string) (*models.Conversation, error)
}

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	Dialer         hub.Dialer
	API            ConversationAPI
	Tokens         oauth2.TokenSource
	Clock          clock.Clock
	Logger         *zap.Logger
	Metrics        *Metrics
	Reconnect      ReconnectPolicy
	TypingDebounce time.Duration
	TypingExpiry   time.Duration
	CommandTimeout time.Duration
}

// Session is one logged-in messaging session. It wires the connection,
// commands, room slot, store and typing signaler together, drains the
// connection's event stream on a single goroutine, and exposes state as
// signals.
type Session struct {
	conn    *ConnectionManager
	gateway *CommandGateway
	rooms   *RoomCoordinator
	store   *ConversationStore
	typing  *TypingSignaler
	api     ConversationAPI
	tokens  oauth2.TokenSource
	log     *zap.Logger

	connectivity *Signal[bool]
	typingSig    *Signal[*TypingState]
	errs         *Signal[error]

	startOnce sync.Once
	loopDone  chan struct{}
}

// NewSession builds a Session. Nothing is dialed until Start.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.API == nil {
		return nil, fmt.Errorf("session: api is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("session: token source is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	conn, err := NewConnectionManager(ConnectionOpts{
		Dialer:    opts.Dialer,
		Clock:     opts.Clock,
		Logger:    log.Named("conn"),
		Metrics:   opts.Metrics,
		Reconnect: opts.Reconnect,
	})
	if err != nil {
		return nil, err
	}
	gateway, err := NewCommandGateway(conn)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:         conn,
		gateway:      gateway,
		api:          opts.API,
		tokens:       opts.Tokens,
		log:          log,
		connectivity: NewSignal(false),
		typingSig:    NewSignal[*TypingState](nil),
		errs:         NewSignal[error](nil),
		loopDone:     make(chan struct{}),
	}

	s.typing, err = NewTypingSignaler(TypingOpts{
		Send:     gateway.SendTyping,
		OnRemote: s.typingSig.Set,
		Clock:    opts.Clock,
		Logger:   log.Named("typing"),
		Debounce: opts.TypingDebounce,
		Expiry:   opts.TypingExpiry,
	})
	if err != nil {
		return nil, err
	}
	s.store, err = NewConversationStore(StoreOpts{
		Typing:  s.typing,
		Clock:   opts.Clock,
		Logger:  log.Named("store"),
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	s.rooms, err = NewRoomCoordinator(RoomCoordinatorOpts{
		Commands:       gateway,
		Membership:     s.store,
		Logger:         log.Named("rooms"),
		CommandTimeout: opts.CommandTimeout,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the event loop and connects. A failed first connect is
// returned and not retried; Start may be called again.
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() { go s.loop() })
	return s.conn.Connect(ctx, s.tokens)
}

// Close leaves the active room best-effort, disconnects and stops the
// event loop.
func (s *Session) Close(ctx context.Context) error {
	if s.conn.State() == Connected {
		s.typing.StopLocal()
		if err := s.rooms.Close(ctx); err != nil {
			s.log.Debug("leave on close", zap.Error(err))
		}
	}
	s.conn.Close()
	s.startOnce.Do(func() { close(s.loopDone) })
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.connectivity.Set(false)
	return nil
}

// State returns the connection state.
func (s *Session) State() ConnState { return s.conn.State() }

// Connectivity publishes whether the hub connection is up.
func (s *Session) Connectivity() *Signal[bool] { return s.connectivity }

// Conversations publishes the conversation list.
func (s *Session) Conversations() *Signal[[]Summary] { return s.store.Conversations() }

// Active publishes the active conversation.
func (s *Session) Active() *Signal[*models.Conversation] { return s.store.Active() }

// Messages publishes the active conversation's message log.
func (s *Session) Messages() *Signal[[]models.Message] { return s.store.Messages() }

// Typing publishes the remote typing indicator.
func (s *Session) Typing() *Signal[*TypingState] { return s.typingSig }

// Errors publishes asynchronous failures, such as a failed rejoin.
func (s *Session) Errors() *Signal[error] { return s.errs }

// OpenConversation joins the conversation's room, loads its history and
// marks it read.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("session: open: conversation id is required")
	}
	if err := s.rooms.Open(ctx, conversationID); err != nil {
		return fmt.Errorf("session: open %s: %w", conversationID, err)
	}
	history, err := s.api.FetchHistory(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("session: history %s: %w", conversationID, err)
	}
	s.store.ApplyHistory(conversationID, history)
	if err := s.MarkRead(ctx, conversationID); err != nil {
		s.log.Debug("mark read after open", zap.String("conversation", conversationID), zap.Error(err))
	}
	return nil
}

// CloseActiveConversation leaves the joined room.
func (s *Session) CloseActiveConversation(ctx context.Context) error {
	s.typing.StopLocal()
	if err := s.rooms.Close(ctx); err != nil {
		return fmt.Errorf("session: close conversation: %w", err)
	}
	return nil
}

// SendMessage sends text to the active conversation. The message appears
// in the log once the hub echoes it back.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if s.conn.State() != Connected {
		return ErrNotConnected
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if err := s.store.CanSend(); err != nil {
		return err
	}
	if err := s.gateway.SendMessage(ctx, s.store.ActiveID(), text); err != nil {
		return err
	}
	s.typing.StopLocal()
	return nil
}

// SetLocalTyping reports local input activity. true is a keystroke; false
// stops the indicator immediately.
func (s *Session) SetLocalTyping(isTyping bool) {
	if isTyping {
		s.typing.Keystroke()
		return
	}
	s.typing.StopLocal()
}

// MarkRead marks a conversation read on the hub and locally.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if err := s.gateway.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	s.store.MarkRead(conversationID)
	return nil
}

// RefreshConversations loads one page of the conversation list and
// replaces the local list with it.
func (s *Session) RefreshConversations(ctx context.Context, page int) (*models.Page[models.Conversation], error) {
	p, err := s.api.ListConversations(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("session: list conversations: %w", err)
	}
	s.store.ApplySnapshot(p.Items)
	return p, nil
}

// CreateConversation opens a new support conversation and navigates to it.
func (s *Session) CreateConversation(ctx context.Context, subject, initialMessage string) (*models.Conversation, error) {
	c, err := s.api.CreateConversation(ctx, subject, initialMessage)
	if err != nil {
		return nil, fmt.Errorf("session: create conversation: %w", err)
	}
	s.store.ApplyNewConversation(*c)
	if err := s.OpenConversation(ctx, c.ID); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case ev := <-s.conn.Events():
			s.handle(ev)
		case <-s.conn.Done():
			return
		}
	}
}

func (s *Session) handle(ev Event) {
	if ev.Kind == EventHub {
		s.dispatch(ev.Frame)
		return
	}

	s.connectivity.Set(ev.State == Connected)
	switch ev.State {
	case Connected:
		if ev.Reconnected {
			s.typing.Reset()
			go func() {
				if err := s.rooms.Rejoin(context.Background()); err != nil {
					s.errs.Set(err)
				}
			}()
		}
	case Reconnecting:
		s.typing.Reset()
	case Disconnected:
		s.typing.Reset()
		if ev.Err != nil {
			s.errs.Set(fmt.Errorf("session: disconnected: %w", ev.Err))
		}
	}
}
