package devhub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/db"
	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
	"github.com/zulandar/supportline/internal/notify"
)

const (
	sendBuffer   = 256
	maxFrameSize = 1 << 20
	writeTimeout = 10 * time.Second
)

var (
	errNotFound     = errors.New("conversation not found")
	errForbidden    = errors.New("access denied")
	errClosed       = errors.New("conversation is closed")
	errEmptyMessage = errors.New("message is empty")
)

// Hub tracks connected clients and room membership and fans out events.
type Hub struct {
	db       *gorm.DB
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics
	notifier notify.Notifier
	ping     time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

type client struct {
	user user
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (cl *client) close() {
	cl.once.Do(func() {
		close(cl.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = cl.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = cl.ws.Close()
	})
}

// enqueue never blocks; a client that cannot keep up is disconnected.
func (cl *client) enqueue(data []byte) bool {
	select {
	case <-cl.done:
		return false
	default:
	}
	select {
	case cl.send <- data:
		return true
	default:
		cl.close()
		return false
	}
}

func newHub(gdb *gorm.DB, clk clock.Clock, log *zap.Logger, m *metrics, n notify.Notifier, ping time.Duration) *Hub {
	return &Hub{
		db:       gdb,
		clock:    clk,
		log:      log,
		metrics:  m,
		notifier: n,
		ping:     ping,
		clients:  make(map[*client]struct{}),
		rooms:    make(map[string]map[*client]struct{}),
	}
}

// serve runs one websocket client until it disconnects.
func (h *Hub) serve(ws *websocket.Conn, u user) {
	cl := &client{
		user: u,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(cl)
	defer h.unregister(cl)

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.metrics.clients.Inc()
	h.log.Debug("hub client connected", zap.String("user", cl.user.ID))
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		for id, members := range h.rooms {
			delete(members, cl)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
		h.metrics.clients.Dec()
	}
	h.mu.Unlock()
	cl.close()
	h.log.Debug("hub client disconnected", zap.String("user", cl.user.ID))
}

// closeAll disconnects every client.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()
	for _, cl := range clients {
		cl.close()
	}
}

func (h *Hub) readPump(cl *client) {
	idle := 2 * h.ping
	cl.ws.SetReadLimit(maxFrameSize)
	_ = cl.ws.SetReadDeadline(time.Now().Add(idle))
	cl.ws.SetPongHandler(func(string) error {
		return cl.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("hub read", zap.String("user", cl.user.ID), zap.Error(err))
			}
			return
		}
		_ = cl.ws.SetReadDeadline(time.Now().Add(idle))

		f, err := hub.Decode(data)
		if err != nil {
			h.log.Warn("hub: dropping malformed frame", zap.String("user", cl.user.ID), zap.Error(err))
			continue
		}
		if f.Type != hub.FrameInvocation {
			continue
		}

		err = h.invoke(cl, f)
		result := "ok"
		if err != nil {
			result = "error"
		}
		h.metrics.invocations.WithLabelValues(f.Target, result).Inc()
		h.deliver([]*client{cl}, hub.NewCompletion(f.InvocationID, err))
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case data := <-cl.send:
			_ = cl.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cl.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			if err := cl.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (h *Hub) invoke(cl *client, f hub.Frame) error {
	var id string
	if err := f.Arg(0, &id); err != nil {
		return err
	}
	switch f.Target {
	case hub.TargetJoinChatRoom:
		return h.join(cl, id)
	case hub.TargetLeaveChatRoom:
		h.leave(cl, id)
		return nil
	case hub.TargetSendMessage:
		var text string
		if err := f.Arg(1, &text); err != nil {
			return err
		}
		return h.sendMessage(cl, id, text)
	case hub.TargetTypingIndicator:
		var typing bool
		if err := f.Arg(1, &typing); err != nil {
			return err
		}
		return h.typing(cl, id, typing)
	case hub.TargetMarkAsRead:
		return h.markRead(cl, id)
	}
	return fmt.Errorf("unknown target %q", f.Target)
}

// accessible loads a conversation the client may use.
func (h *Hub) accessible(cl *client, id string) (*models.Conversation, error) {
	conv, err := db.GetConversation(h.db, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	if !db.CanAccess(cl.user.viewer(), conv) {
		return nil, errForbidden
	}
	return conv, nil
}

func (h *Hub) join(cl *client, id string) error {
	conv, err := h.accessible(cl, id)
	if err != nil {
		return err
	}
	if conv.Status.Terminal() {
		return errClosed
	}
	h.mu.Lock()
	members, ok := h.rooms[id]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[id] = members
	}
	members[cl] = struct{}{}
	h.mu.Unlock()
	return nil
}

func (h *Hub) leave(cl *client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[id]; ok {
		delete(members, cl)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) sendMessage(cl *client, id, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errEmptyMessage
	}
	conv, err := h.accessible(cl, id)
	if err != nil {
		return err
	}
	if conv.Status.Terminal() {
		return errClosed
	}
	msg, err := db.AppendMessage(h.db, id, cl.user.ID, cl.user.Name, text, h.clock.Now())
	if err != nil {
		return err
	}
	h.metrics.messages.Inc()
	h.broadcastConversation(conv, nil, hub.EventReceiveMessage, msg)
	return nil
}

func (h *Hub) typing(cl *client, id string, isTyping bool) error {
	if _, err := h.accessible(cl, id); err != nil {
		return err
	}
	h.broadcastRoom(id, cl, hub.EventUserTyping, cl.user.Name, isTyping, id)
	return nil
}

func (h *Hub) markRead(cl *client, id string) error {
	if _, err := h.accessible(cl, id); err != nil {
		return err
	}
	_, err := db.MarkRead(h.db, id, cl.user.ID)
	return err
}

// setStatus changes a conversation's status and tells everyone involved.
func (h *Hub) setStatus(ctx context.Context, id string, status models.Status) (*models.Conversation, error) {
	conv, err := db.SetStatus(h.db, id, status, h.clock.Now())
	if err != nil {
		return nil, err
	}
	h.announceStatus(ctx, conv)
	return conv, nil
}

func (h *Hub) announceStatus(ctx context.Context, conv *models.Conversation) {
	h.broadcastConversation(conv, nil, hub.EventChatStatusChanged, conv.ID, int(conv.Status))
	if conv.Status != models.StatusClosed {
		return
	}
	h.broadcastConversation(conv, nil, hub.EventChatClosed, conv.ID)
	c := *conv
	go h.notify(ctx, "closed", func(ctx context.Context) error {
		return h.notifier.ConversationClosed(ctx, c)
	})
}

// created announces a new conversation to agents and its owner.
func (h *Hub) created(ctx context.Context, conv *models.Conversation) {
	h.mu.Lock()
	var targets []*client
	for cl := range h.clients {
		if cl.user.IsAgent || cl.user.ID == conv.UserID {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	h.send(targets, hub.EventNewSupportChat, conv)

	c := *conv
	go h.notify(ctx, "new", func(ctx context.Context) error {
		return h.notifier.NewConversation(ctx, c)
	})
}

func (h *Hub) notify(ctx context.Context, kind string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := fn(ctx); err != nil {
		h.log.Warn("devhub: notify failed", zap.String("kind", kind), zap.Error(err))
	}
}

// broadcastRoom sends an event to a room's members except skip.
func (h *Hub) broadcastRoom(id string, skip *client, event string, args ...any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.rooms[id]))
	for cl := range h.rooms[id] {
		if cl != skip {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()
	h.send(targets, event, args...)
}

// broadcastConversation sends an event to the room plus the owner's other
// connections, so clients viewing a different conversation still see it.
func (h *Hub) broadcastConversation(conv *models.Conversation, skip *client, event string, args ...any) {
	h.mu.Lock()
	seen := make(map[*client]struct{})
	var targets []*client
	for cl := range h.rooms[conv.ID] {
		seen[cl] = struct{}{}
		if cl != skip {
			targets = append(targets, cl)
		}
	}
	for cl := range h.clients {
		if _, dup := seen[cl]; dup || cl == skip || cl.user.ID != conv.UserID {
			continue
		}
		targets = append(targets, cl)
	}
	h.mu.Unlock()
	h.send(targets, event, args...)
}

func (h *Hub) send(targets []*client, event string, args ...any) {
	if len(targets) == 0 {
		return
	}
	f, err := hub.NewEvent(event, args...)
	if err != nil {
		h.log.Error("devhub: build event", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(targets, f)
}

func (h *Hub) deliver(targets []*client, f hub.Frame) {
	data, err := hub.Encode(f)
	if err != nil {
		h.log.Error("devhub: encode frame", zap.Error(err))
		return
	}
	for _, cl := range targets {
		if !cl.enqueue(data) {
			h.log.Warn("devhub: dropped frame for slow client", zap.String("user", cl.user.ID))
		}
	}
}

func (h *Hub) roomSize(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[id])
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
