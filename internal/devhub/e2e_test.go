package devhub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
	"github.com/zulandar/supportline/internal/session"
)

// startSession runs a real client session against the fixture.
func startSession(t *testing.T, f *fixture, token string) *session.Session {
	t.Helper()
	dialer, err := hub.NewWSDialer(hub.WSDialerOpts{URL: f.hubURL()})
	require.NoError(t, err)
	s, err := session.NewSession(session.SessionOpts{
		Dialer:       dialer,
		API:          f.apiClient(t, token),
		Tokens:       oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		TypingExpiry: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func lastMessage(s *session.Session) string {
	msgs := s.Messages().Get()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

func TestEndToEnd_CustomerAndAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.dial(t, "tok-sam")

	customer := startSession(t, f, "tok-alice")
	require.Eventually(t, customer.Connectivity().Get, waitFor, 5*time.Millisecond)

	conv, err := customer.CreateConversation(ctx, "Broken login", "I cannot sign in")
	require.NoError(t, err)
	require.Equal(t, conv.ID, customer.Active().Get().ID)
	require.Equal(t, "I cannot sign in", lastMessage(customer))
	agent.expectEvent(hub.EventNewSupportChat)

	require.Empty(t, agent.invoke(hub.TargetJoinChatRoom, conv.ID))
	require.Empty(t, agent.invoke(hub.TargetSendMessage, conv.ID, "Have you tried resetting?"))
	agent.expectEvent(hub.EventReceiveMessage)
	require.Eventually(t, func() bool {
		return lastMessage(customer) == "Have you tried resetting?"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, customer.SendMessage(ctx, "Yes, twice"))
	fr := agent.expectEvent(hub.EventReceiveMessage)
	var m models.Message
	require.NoError(t, fr.Arg(0, &m))
	assert.Equal(t, "Yes, twice", m.Content)
	assert.Equal(t, "alice", m.SenderID)
	require.Eventually(t, func() bool { return lastMessage(customer) == "Yes, twice" }, waitFor, 5*time.Millisecond)
	assert.Len(t, customer.Messages().Get(), 3)

	require.Empty(t, agent.invoke(hub.TargetTypingIndicator, conv.ID, true))
	require.Eventually(t, func() bool {
		ts := customer.Typing().Get()
		return ts != nil && ts.IsTyping && ts.Who == "Sam"
	}, waitFor, 5*time.Millisecond)

	status, _ := f.request(t, "POST", "/api/supportchat/"+conv.ID+"/status", "tok-sam", map[string]int{"status": 4})
	require.Equal(t, 200, status)
	require.Eventually(t, func() bool {
		a := customer.Active().Get()
		return a != nil && a.Status == models.StatusClosed
	}, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, customer.SendMessage(ctx, "hello?"), session.ErrConversationClosed)
}

func TestEndToEnd_RefreshAndSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "tok-alice", "First", "one")
	b := f.create(t, "tok-alice", "Second", "two")

	customer := startSession(t, f, "tok-alice")
	page, err := customer.RefreshConversations(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
	assert.Len(t, customer.Conversations().Get(), 2)

	require.NoError(t, customer.OpenConversation(ctx, a.ID))
	assert.Equal(t, "one", lastMessage(customer))
	require.NoError(t, customer.OpenConversation(ctx, b.ID))
	assert.Equal(t, "two", lastMessage(customer))
	require.Eventually(t, func() bool {
		return f.srv.hub.roomSize(a.ID) == 0 && f.srv.hub.roomSize(b.ID) == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, customer.CloseActiveConversation(ctx))
	assert.Nil(t, customer.Active().Get())
	assert.Zero(t, f.srv.hub.roomSize(b.ID))
}

func TestEndToEnd_JoinClosedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.create(t, "tok-alice", "Done", "")
	status, _ := f.request(t, "POST", "/api/supportchat/"+conv.ID+"/status", "tok-sam", map[string]int{"status": 4})
	require.Equal(t, 200, status)

	customer := startSession(t, f, "tok-alice")
	err := customer.OpenConversation(ctx, conv.ID)
	var cmdErr *session.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "conversation is closed", cmdErr.Message)
	assert.Nil(t, customer.Active().Get())
}
