// Package hub implements the wire protocol and transport for the support
// chat hub: JSON frames carried over a websocket, with invocations that the
// server completes and events that the server pushes.
package hub

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameType discriminates hub frames.
type FrameType string

const (
	// FrameInvocation is a client to server command awaiting a completion.
	FrameInvocation FrameType = "invocation"
	// FrameCompletion resolves an invocation, carrying an error on failure.
	FrameCompletion FrameType = "completion"
	// FrameEvent is a server push addressed to a named handler.
	FrameEvent FrameType = "event"
	// FramePing is an application-level keepalive. It carries nothing.
	FramePing FrameType = "ping"
)

// Hub command targets.
const (
	TargetJoinChatRoom    = "JoinChatRoom"
	TargetLeaveChatRoom   = "LeaveChatRoom"
	TargetSendMessage     = "SendMessage"
	TargetTypingIndicator = "TypingIndicator"
	TargetMarkAsRead      = "MarkAsRead"
)

// Hub event names.
const (
	EventReceiveMessage    = "ReceiveMessage"
	EventUserTyping        = "UserTyping"
	EventNewSupportChat    = "NewSupportChat"
	EventChatClosed        = "ChatClosed"
	EventChatStatusChanged = "ChatStatusChanged"
)

var (
	// ErrUnauthorized is returned by Dial when the hub rejects the token.
	ErrUnauthorized = errors.New("hub: unauthorized")
	// ErrClosed is returned by a Conn after Close.
	ErrClosed = errors.New("hub: connection closed")
)

// Frame is a single hub protocol message.
type Frame struct {
	Type         FrameType             `json:"type"`
	InvocationID string                `json:"invocationId,omitempty"`
	Target       string                `json:"target,omitempty"`
	Arguments    []jsoniter.RawMessage `json:"arguments,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// NewInvocation builds an invocation frame, encoding each argument as JSON.
func NewInvocation(id, target string, args ...any) (Frame, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Frame{}, fmt.Errorf("hub: invocation %s: %w", target, err)
	}
	return Frame{Type: FrameInvocation, InvocationID: id, Target: target, Arguments: raw}, nil
}

// NewEvent builds a server push frame.
func NewEvent(target string, args ...any) (Frame, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Frame{}, fmt.Errorf("hub: event %s: %w", target, err)
	}
	return Frame{Type: FrameEvent, Target: target, Arguments: raw}, nil
}

// NewCompletion builds the completion for invocation id. A nil err means
// the command succeeded.
func NewCompletion(id string, err error) Frame {
	f := Frame{Type: FrameCompletion, InvocationID: id}
	if err != nil {
		f.Error = err.Error()
		if f.Error == "" {
			f.Error = "command failed"
		}
	}
	return f
}

func encodeArgs(args []any) ([]jsoniter.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]jsoniter.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Arg decodes argument i into v.
func (f Frame) Arg(i int, v any) error {
	if i < 0 || i >= len(f.Arguments) {
		return fmt.Errorf("hub: %s: missing argument %d", f.Target, i)
	}
	if err := json.Unmarshal(f.Arguments[i], v); err != nil {
		return fmt.Errorf("hub: %s: argument %d: %w", f.Target, i, err)
	}
	return nil
}

// HasArg reports whether argument i is present and not JSON null.
func (f Frame) HasArg(i int) bool {
	if i < 0 || i >= len(f.Arguments) {
		return false
	}
	return string(f.Arguments[i]) != "null"
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("hub: encode: %w", err)
	}
	return b, nil
}

// Decode parses and validates a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("hub: decode: %w", err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameInvocation:
		if f.InvocationID == "" || f.Target == "" {
			return fmt.Errorf("hub: invocation requires invocationId and target")
		}
	case FrameCompletion:
		if f.InvocationID == "" {
			return fmt.Errorf("hub: completion requires invocationId")
		}
	case FrameEvent:
		if f.Target == "" {
			return fmt.Errorf("hub: event requires target")
		}
	case FramePing:
	default:
		return fmt.Errorf("hub: unknown frame type %q", f.Type)
	}
	return nil
}
