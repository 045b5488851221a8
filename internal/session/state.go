// Package session is the real-time messaging client for support
// conversations. It owns the hub connection, the single joined room, the
// client-side conversation state and typing indicators, and exposes them
// to a UI as signals plus imperative operations.
package session

import (
	"time"

	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
)

// ConnState is the hub connection lifecycle state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// EventKind discriminates Event.
type EventKind int

const (
	// EventState reports a connection state transition.
	EventState EventKind = iota
	// EventHub carries a server push.
	EventHub
)

// Event is one entry of the ordered connection event stream.
type Event struct {
	Kind EventKind

	// State transition fields.
	State       ConnState
	Reconnected bool  // Connected after an automatic reconnect
	Err         error // cause of a failed connect or a drop

	// Server push.
	Frame hub.Frame
}

// TypingState is the remote typing indicator for the active conversation.
type TypingState struct {
	ConversationID string
	Who            string
	IsTyping       bool
	ExpiresAt      time.Time
}

// Summary is a conversation list entry with client-side counters.
type Summary struct {
	models.Conversation
	Unread      int
	LastMessage *models.Message
}
