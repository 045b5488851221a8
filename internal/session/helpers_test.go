package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/zulandar/supportline/internal/models"
)

const waitFor = 2 * time.Second

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// countingTokens hands out tok-1, tok-2, ... so tests can see that every
// dial reads a fresh token.
type countingTokens struct {
	mu sync.Mutex
	n  int
}

func (c *countingTokens) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return &oauth2.Token{AccessToken: fmt.Sprintf("tok-%d", c.n)}, nil
}

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"})
}

func nextEvent(t *testing.T, m *ConnectionManager) Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for connection event")
		return Event{}
	}
}

func nextState(t *testing.T, m *ConnectionManager) Event {
	t.Helper()
	for {
		ev := nextEvent(t, m)
		if ev.Kind == EventState {
			return ev
		}
	}
}

func msg(id, conversationID string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "u-agent",
		SenderName:     "Sam",
		Content:        "message " + id,
		SentAt:         epoch.Add(time.Duration(minute) * time.Minute),
	}
}

func conv(id string, status models.Status) models.Conversation {
	return models.Conversation{
		ID:        id,
		UserID:    "u-alice",
		UserName:  "Alice",
		Subject:   "subject " + id,
		Status:    status,
		CreatedAt: epoch,
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// fakeAPI is an in-memory ConversationAPI.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []models.Conversation
	history       map[string][]models.Message
	historyCalls  []string
	historyErr    error
	created       int
}

func newFakeAPI(convs ...models.Conversation) *fakeAPI {
	return &fakeAPI{conversations: convs, history: make(map[string][]models.Message)}
}

func (a *fakeAPI) ListConversations(ctx context.Context, page int) (*models.Page[models.Conversation], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := models.NewPage(append([]models.Conversation(nil), a.conversations...), page, 20, len(a.conversations))
	return &p, nil
}

func (a *fakeAPI) FetchHistory(ctx context.Context, id string) ([]models.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.historyCalls = append(a.historyCalls, id)
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return append([]models.Message(nil), a.history[id]...), nil
}

func (a *fakeAPI) CreateConversation(ctx context.Context, subject, initial string) (*models.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created++
	c := conv(fmt.Sprintf("new-%d", a.created), models.StatusOpen)
	c.Subject = subject
	a.conversations = append([]models.Conversation{c}, a.conversations...)
	a.history[c.ID] = []models.Message{{
		ID: c.ID + "-m1", ConversationID: c.ID, SenderID: "u-alice", Content: initial, SentAt: epoch,
	}}
	return &c, nil
}

func (a *fakeAPI) HistoryCalls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.historyCalls...)
}

func requireNoErr(t *testing.T, errc <-chan error) {
	t.Helper()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
	}
}

func recvErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for result")
		return nil
	}
}
