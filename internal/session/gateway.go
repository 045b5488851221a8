package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/supportline/internal/hub"
)

// Invoker sends a hub command and waits for its completion.
type Invoker interface {
	Invoke(ctx context.Context, target string, args ...any) error
}

// CommandGateway issues the typed hub commands. Commands fail with
// ErrNotConnected unless the connection is Connected. A sent message is
// never echoed locally; it comes back through ReceiveMessage.
type CommandGateway struct {
	inv Invoker
}

// NewCommandGateway wraps inv.
func NewCommandGateway(inv Invoker) (*CommandGateway, error) {
	if inv == nil {
		return nil, fmt.Errorf("session: invoker is required")
	}
	return &CommandGateway{inv: inv}, nil
}

// JoinRoom subscribes to a conversation's room.
func (g *CommandGateway) JoinRoom(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("session: join: conversation id is required")
	}
	return g.inv.Invoke(ctx, hub.TargetJoinChatRoom, conversationID)
}

// LeaveRoom unsubscribes from a conversation's room.
func (g *CommandGateway) LeaveRoom(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("session: leave: conversation id is required")
	}
	return g.inv.Invoke(ctx, hub.TargetLeaveChatRoom, conversationID)
}

// SendMessage posts text to a conversation.
func (g *CommandGateway) SendMessage(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return g.inv.Invoke(ctx, hub.TargetSendMessage, conversationID, text)
}

// SendTyping broadcasts the local typing flag to the room.
func (g *CommandGateway) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return g.inv.Invoke(ctx, hub.TargetTypingIndicator, conversationID, isTyping)
}

// MarkRead marks the conversation's messages from others as read.
func (g *CommandGateway) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("session: mark read: conversation id is required")
	}
	return g.inv.Invoke(ctx, hub.TargetMarkAsRead, conversationID)
}
