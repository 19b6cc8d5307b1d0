package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// Outbound is a frame the server sends to a client.
type Outbound interface {
	OutboundType() FrameType
}

// SessionFrame confirms the identity bound to the connection.
type SessionFrame struct {
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// HistoryFrame carries the group backlog in ascending order.
type HistoryFrame struct {
	Messages []WireMessage `json:"messages"`
}

// MessageFrame carries one routed message. Its tag follows the message scope.
type MessageFrame struct {
	WireMessage
}

// PrivateHistoryFrame carries the conversation with WithUser.
type PrivateHistoryFrame struct {
	Messages []WireMessage `json:"messages"`
	WithUser string        `json:"withUser"`
}

// LoginRequiredFrame prompts a pending connection to log in.
type LoginRequiredFrame struct{}

func (SessionFrame) OutboundType() FrameType        { return TypeSession }
func (HistoryFrame) OutboundType() FrameType        { return TypeHistory }
func (PrivateHistoryFrame) OutboundType() FrameType { return TypePrivateHistory }
func (LoginRequiredFrame) OutboundType() FrameType  { return TypeLoginRequired }

func (f MessageFrame) OutboundType() FrameType {
	if f.IsPrivate {
		return TypePrivateMessage
	}
	return TypeMessage
}

// NewMessageFrame wraps a domain message.
func NewMessageFrame(msg chat.Message) MessageFrame {
	return MessageFrame{WireMessage: FromMessage(msg)}
}

// NewHistoryFrame wraps a group backlog.
func NewHistoryFrame(msgs []chat.Message) HistoryFrame {
	return HistoryFrame{Messages: FromMessages(msgs)}
}

// NewPrivateHistoryFrame wraps a private backlog.
func NewPrivateHistoryFrame(withUser string, msgs []chat.Message) PrivateHistoryFrame {
	return PrivateHistoryFrame{Messages: FromMessages(msgs), WithUser: withUser}
}

// Encode renders an outbound frame with its type tag.
func Encode(frame Outbound) ([]byte, error) {
	switch f := frame.(type) {
	case SessionFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			SessionFrame
		}{f.OutboundType(), f})
	case HistoryFrame:
		if f.Messages == nil {
			f.Messages = []WireMessage{}
		}
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			HistoryFrame
		}{f.OutboundType(), f})
	case MessageFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			WireMessage
		}{f.OutboundType(), f.WireMessage})
	case PrivateHistoryFrame:
		if f.Messages == nil {
			f.Messages = []WireMessage{}
		}
		return json.Marshal(struct {
			Type FrameType `json:"type"`
			PrivateHistoryFrame
		}{f.OutboundType(), f})
	case LoginRequiredFrame:
		return json.Marshal(struct {
			Type FrameType `json:"type"`
		}{TypeLoginRequired})
	default:
		return nil, fmt.Errorf("unsupported outbound frame %T", frame)
	}
}

// MustEncode is Encode for frames built from known-good values.
func MustEncode(frame Outbound) []byte {
	data, err := Encode(frame)
	if err != nil {
		panic(err)
	}
	return data
}

type outboundEnvelope struct {
	Type FrameType `json:"type"`
}

// DecodeOutbound parses a server frame; used by the client package.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env outboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		frame Outbound
		err   error
	)
	switch env.Type {
	case TypeSession:
		var f SessionFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeHistory:
		var f HistoryFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeMessage, TypePrivateMessage:
		var f MessageFrame
		err = json.Unmarshal(data, &f.WireMessage)
		f.IsPrivate = env.Type == TypePrivateMessage
		frame = f
	case TypePrivateHistory:
		var f PrivateHistoryFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case TypeLoginRequired:
		frame = LoginRequiredFrame{}
	default:
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedFrame, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
