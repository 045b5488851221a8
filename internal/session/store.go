package session

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/clock"
	"github.com/zulandar/supportline/internal/models"
)

// recentLimit bounds the ids remembered per conversation for list
// bookkeeping.
const recentLimit = 256

// recentIDs remembers the most recent message ids of one conversation.
type recentIDs struct {
	order []string
	set   map[string]struct{}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > recentLimit {
		delete(r.set, r.order[0])
		r.order = r.order[1:]
	}
	return true
}

// TypingScope is the inbound half of the typing signaler as seen by the
// store.
type TypingScope interface {
	Remote(conversationID, who string, isTyping bool)
	SetScope(conversationID string)
}

// StoreOpts holds parameters for creating a ConversationStore.
type StoreOpts struct {
	Typing  TypingScope
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

// ConversationStore is the client-side view of the user's conversations
// and the active conversation's message log. Every inbound apply is
// idempotent: a message id enters the log at most once per activation.
type ConversationStore struct {
	typing  TypingScope
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	list     []Summary
	activeID string
	closed   bool // active conversation is Closed
	messages []models.Message
	seen     map[string]struct{}
	recent   map[string]*recentIDs // per conversation, for unread counts

	listSig     *Signal[[]Summary]
	activeSig   *Signal[*models.Conversation]
	messagesSig *Signal[[]models.Message]
}

// NewConversationStore creates an empty store with no active conversation.
func NewConversationStore(opts StoreOpts) (*ConversationStore, error) {
	if opts.Typing == nil {
		return nil, fmt.Errorf("session: typing scope is required")
	}
	s := &ConversationStore{
		typing:      opts.Typing,
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		seen:        make(map[string]struct{}),
		recent:      make(map[string]*recentIDs),
		listSig:     NewSignal[[]Summary](nil),
		activeSig:   NewSignal[*models.Conversation](nil),
		messagesSig: NewSignal[[]models.Message](nil),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

// Conversations publishes the conversation list.
func (s *ConversationStore) Conversations() *Signal[[]Summary] { return s.listSig }

// Active publishes the active conversation, nil when none.
func (s *ConversationStore) Active() *Signal[*models.Conversation] { return s.activeSig }

// Messages publishes the active conversation's message log.
func (s *ConversationStore) Messages() *Signal[[]models.Message] { return s.messagesSig }

// ActiveID returns the active conversation id, or "".
func (s *ConversationStore) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Summaries returns a copy of the conversation list.
func (s *ConversationStore) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Summary(nil), s.list...)
}

// MessageLog returns a copy of the active message log.
func (s *ConversationStore) MessageLog() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// CanSend reports why a message cannot be sent to the active conversation.
func (s *ConversationStore) CanSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return ErrNoActiveConversation
	}
	if s.closed {
		return ErrConversationClosed
	}
	return nil
}

// ApplySnapshot replaces the conversation list. Client-side counters are
// kept for conversations still present.
func (s *ConversationStore) ApplySnapshot(conversations []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]Summary, len(s.list))
	for _, sum := range s.list {
		prev[sum.ID] = sum
	}
	list := make([]Summary, 0, len(conversations))
	for _, c := range conversations {
		sum := Summary{Conversation: c}
		if old, ok := prev[c.ID]; ok {
			sum.Unread = old.Unread
			sum.LastMessage = old.LastMessage
		}
		list = append(list, sum)
	}
	for id := range s.recent {
		if indexOf(list, id) < 0 {
			delete(s.recent, id)
		}
	}
	s.list = list
	if i := s.indexLocked(s.activeID); i >= 0 {
		s.closed = s.list[i].Status.Terminal()
	}
	s.publishListLocked()
	s.publishActiveLocked()
}

// ApplyHistory replaces the active log with the server history, ordered by
// sent time. History for a conversation that is no longer active is
// dropped.
func (s *ConversationStore) ApplyHistory(conversationID string, messages []models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" || conversationID != s.activeID {
		s.log.Debug("dropping history for inactive conversation", zap.String("conversation", conversationID))
		return false
	}

	sorted := append([]models.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SentAt.Before(sorted[j].SentAt) })

	s.messages = make([]models.Message, 0, len(sorted))
	s.seen = make(map[string]struct{}, len(sorted))
	for _, m := range sorted {
		if m.ID == "" {
			continue
		}
		if _, dup := s.seen[m.ID]; dup {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.recentLocked(conversationID).add(m.ID)
		s.messages = append(s.messages, m)
	}
	if n := len(s.messages); n > 0 {
		if i := s.indexLocked(conversationID); i >= 0 {
			last := s.messages[n-1]
			s.list[i].LastMessage = &last
			s.publishListLocked()
		}
	}
	s.publishMessagesLocked()
	return true
}

// ApplyInboundMessage applies a pushed message. Messages for the active
// conversation are appended unless already seen; messages for others only
// update the list entry. It reports whether anything changed.
func (s *ConversationStore) ApplyInboundMessage(m models.Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		s.log.Debug("ignoring malformed message", zap.String("id", m.ID), zap.String("conversation", m.ConversationID))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ConversationID == s.activeID {
		if _, dup := s.seen[m.ID]; dup {
			s.metrics.duplicate()
			s.log.Debug("ignoring duplicate message", zap.String("id", m.ID))
			return false
		}
		s.seen[m.ID] = struct{}{}
		s.recentLocked(m.ConversationID).add(m.ID)
		s.messages = append(s.messages, m)
		s.publishMessagesLocked()
		if i := s.indexLocked(m.ConversationID); i >= 0 {
			last := m
			s.list[i].LastMessage = &last
			s.publishListLocked()
		}
		return true
	}

	i := s.indexLocked(m.ConversationID)
	if i < 0 {
		s.log.Debug("message for unknown conversation", zap.String("conversation", m.ConversationID))
		return false
	}
	if !s.recentLocked(m.ConversationID).add(m.ID) {
		s.metrics.duplicate()
		s.log.Debug("ignoring duplicate message", zap.String("id", m.ID))
		return false
	}
	if last := s.list[i].LastMessage; last == nil || !m.SentAt.Before(last.SentAt) {
		latest := m
		s.list[i].LastMessage = &latest
	}
	s.list[i].Unread++
	s.publishListLocked()
	return true
}

// ApplyNewConversation inserts a conversation at the top of the list, or
// updates it in place when already known.
func (s *ConversationStore) ApplyNewConversation(c models.Conversation) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(c.ID); i >= 0 {
		s.list[i].Conversation = c
	} else {
		list := make([]Summary, 0, len(s.list)+1)
		list = append(list, Summary{Conversation: c})
		s.list = append(list, s.list...)
	}
	s.publishListLocked()
	if c.ID == s.activeID {
		s.closed = c.Status.Terminal()
		s.publishActiveLocked()
	}
}

// ApplyStatusChange updates a conversation's status. A Closed active
// conversation stops accepting sends.
func (s *ConversationStore) ApplyStatusChange(conversationID string, status models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" {
		return
	}
	isActive := conversationID == s.activeID
	if isActive {
		s.closed = status.Terminal()
	}
	if i := s.indexLocked(conversationID); i >= 0 {
		s.list[i].ApplyStatus(status, s.clock.Now())
		s.publishListLocked()
	} else if !isActive {
		s.log.Debug("status for unknown conversation", zap.String("conversation", conversationID))
		return
	}
	if isActive {
		s.publishActiveLocked()
	}
}

// ApplyTyping forwards an inbound typing event to the typing signaler.
func (s *ConversationStore) ApplyTyping(conversationID, who string, isTyping bool) {
	s.typing.Remote(conversationID, who, isTyping)
}

// MarkRead clears the unread counter and flags the active log as read.
func (s *ConversationStore) MarkRead(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(conversationID); i >= 0 && s.list[i].Unread != 0 {
		s.list[i].Unread = 0
		s.publishListLocked()
	}
	if conversationID != s.activeID {
		return
	}
	msgs := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		m.IsRead = true
		msgs[i] = m
	}
	s.messages = msgs
	s.publishMessagesLocked()
}

// Activate makes conversationID the active conversation with an empty log.
func (s *ConversationStore) Activate(conversationID string) {
	s.switchTo(conversationID)
}

// Deactivate clears the active conversation.
func (s *ConversationStore) Deactivate() {
	s.switchTo("")
}

func (s *ConversationStore) switchTo(conversationID string) {
	s.mu.Lock()
	s.activeID = conversationID
	s.closed = false
	if i := s.indexLocked(conversationID); i >= 0 {
		s.closed = s.list[i].Status.Terminal()
	}
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.publishActiveLocked()
	s.publishMessagesLocked()
	s.mu.Unlock()

	s.typing.SetScope(conversationID)
}

func (s *ConversationStore) recentLocked(conversationID string) *recentIDs {
	r, ok := s.recent[conversationID]
	if !ok {
		r = &recentIDs{set: make(map[string]struct{})}
		s.recent[conversationID] = r
	}
	return r
}

func (s *ConversationStore) indexLocked(id string) int {
	return indexOf(s.list, id)
}

func indexOf(list []Summary, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ConversationStore) publishListLocked() {
	s.listSig.Set(append([]Summary(nil), s.list...))
}

func (s *ConversationStore) publishMessagesLocked() {
	s.messagesSig.Set(append([]models.Message(nil), s.messages...))
}

func (s *ConversationStore) publishActiveLocked() {
	if s.activeID == "" {
		s.activeSig.Set(nil)
		return
	}
	c := models.Conversation{ID: s.activeID}
	if i := s.indexLocked(s.activeID); i >= 0 {
		c = s.list[i].Conversation
	} else if s.closed {
		c.Status = models.StatusClosed
	}
	s.activeSig.Set(&c)
}
