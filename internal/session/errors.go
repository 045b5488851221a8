package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by commands issued while the hub
	// connection is not Connected.
	ErrNotConnected = errors.New("session: not connected")
	// ErrConnectionLost fails commands still awaiting a completion when
	// the connection drops or is disconnected.
	ErrConnectionLost = errors.New("session: connection lost")
	// ErrReconnectFailed is reported when the reconnect policy gives up.
	ErrReconnectFailed = errors.New("session: reconnect attempts exhausted")
	// ErrClosed is returned after the session or connection is closed.
	ErrClosed = errors.New("session: closed")
	// ErrSuperseded is returned to a navigation caller whose target was
	// replaced by a later navigation before it settled.
	ErrSuperseded = errors.New("session: superseded by a later navigation")
	// ErrEmptyMessage rejects blank outbound messages.
	ErrEmptyMessage = errors.New("session: message is empty")
	// ErrNoActiveConversation rejects sends with no joined conversation.
	ErrNoActiveConversation = errors.New("session: no active conversation")
	// ErrConversationClosed rejects sends to a closed conversation.
	ErrConversationClosed = errors.New("session: conversation is closed")
)

// CommandError is a hub rejection of a command.
type CommandError struct {
	Target  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("session: %s rejected: %s", e.Target, e.Message)
}
