package session

import (
	"go.uber.org/zap"

	"github.com/zulandar/supportline/internal/hub"
	"github.com/zulandar/supportline/internal/models"
)

// dispatch applies one server push to the store. Undecodable pushes are
// logged and dropped.
func (s *Session) dispatch(f hub.Frame) {
	var err error
	switch f.Target {
	case hub.EventReceiveMessage:
		var m models.Message
		if err = f.Arg(0, &m); err == nil {
			s.store.ApplyInboundMessage(m)
		}

	case hub.EventUserTyping:
		var who string
		var isTyping bool
		var conversationID string
		if err = f.Arg(0, &who); err != nil {
			break
		}
		if err = f.Arg(1, &isTyping); err != nil {
			break
		}
		if f.HasArg(2) {
			if err = f.Arg(2, &conversationID); err != nil {
				break
			}
		}
		s.store.ApplyTyping(conversationID, who, isTyping)

	case hub.EventNewSupportChat:
		var c models.Conversation
		if err = f.Arg(0, &c); err == nil {
			s.store.ApplyNewConversation(c)
		}

	case hub.EventChatClosed:
		var id string
		if err = f.Arg(0, &id); err == nil {
			s.store.ApplyStatusChange(id, models.StatusClosed)
		}

	case hub.EventChatStatusChanged:
		var id string
		var status models.Status
		if err = f.Arg(0, &id); err != nil {
			break
		}
		if err = f.Arg(1, &status); err != nil {
			break
		}
		if !status.Valid() {
			s.log.Debug("ignoring unknown status", zap.String("conversation", id), zap.Int("status", int(status)))
			return
		}
		s.store.ApplyStatusChange(id, status)

	default:
		s.log.Debug("unhandled hub event", zap.String("event", f.Target))
		return
	}
	if err != nil {
		s.log.Debug("dropping malformed hub event", zap.String("event", f.Target), zap.Error(err))
	}
}
