// Package protocol defines the JSON frames exchanged over the chat socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// FrameType is the "type" tag carried by every frame.
type FrameType string

const (
	// client -> server
	TypeLogin             FrameType = "login"
	TypeMessage           FrameType = "message"
	TypeGetPrivateHistory FrameType = "get_private_history"

	// server -> client
	TypeSession        FrameType = "session"
	TypeHistory        FrameType = "history"
	TypePrivateMessage FrameType = "private_message"
	TypePrivateHistory FrameType = "private_history"
	TypeLoginRequired  FrameType = "login_required"
)

// ErrMalformedFrame is returned for frames that cannot be decoded or carry an unexpected tag.
var ErrMalformedFrame = errors.New("malformed frame")

// Inbound is a frame a client may send to the server.
type Inbound interface {
	InboundType() FrameType
}

// Login completes authentication for a pending connection.
type Login struct {
	Username string
}

// Send asks the server to route a chat message. Empty Recipient means group.
type Send struct {
	Text      string
	Recipient string
}

// PrivateHistoryRequest asks for the conversation with OtherUser.
type PrivateHistoryRequest struct {
	OtherUser string
}

func (Login) InboundType() FrameType                 { return TypeLogin }
func (Send) InboundType() FrameType                  { return TypeMessage }
func (PrivateHistoryRequest) InboundType() FrameType { return TypeGetPrivateHistory }

type inboundEnvelope struct {
	Type      FrameType `json:"type"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Recipient *string   `json:"recipient"`
	OtherUser string    `json:"otherUser"`
}

// DecodeInbound parses a client frame. Unknown or server-only tags are malformed.
func DecodeInbound(data []byte) (Inbound, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeLogin:
		return Login{Username: env.Username}, nil
	case TypeMessage:
		send := Send{Text: env.Text}
		if env.Recipient != nil {
			send.Recipient = *env.Recipient
		}
		return send, nil
	case TypeGetPrivateHistory:
		if strings.TrimSpace(env.OtherUser) == "" {
			return nil, fmt.Errorf("%w: otherUser is required", ErrMalformedFrame)
		}
		return PrivateHistoryRequest{OtherUser: strings.TrimSpace(env.OtherUser)}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: unexpected type %q", ErrMalformedFrame, env.Type)
	}
}

// EncodeInbound renders a client frame; used by the client package.
func EncodeInbound(frame Inbound) ([]byte, error) {
	switch f := frame.(type) {
	case Login:
		return json.Marshal(struct {
			Type     FrameType `json:"type"`
			Username string    `json:"username"`
		}{TypeLogin, f.Username})
	case Send:
		var recipient *string
		if f.Recipient != "" {
			recipient = &f.Recipient
		}
		return json.Marshal(struct {
			Type      FrameType `json:"type"`
			Text      string    `json:"text"`
			Recipient *string   `json:"recipient,omitempty"`
		}{TypeMessage, f.Text, recipient})
	case PrivateHistoryRequest:
		return json.Marshal(struct {
			Type      FrameType `json:"type"`
			OtherUser string    `json:"otherUser"`
		}{TypeGetPrivateHistory, f.OtherUser})
	default:
		return nil, fmt.Errorf("unsupported inbound frame %T", frame)
	}
}

// WireMessage is the JSON shape of a chat message.
type WireMessage struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
	IsPrivate bool    `json:"isPrivate"`
	Recipient *string `json:"recipient"`
}

// FromMessage converts a stored message to its wire shape.
func FromMessage(msg chat.Message) WireMessage {
	wire := WireMessage{
		ID:        msg.ID,
		Username:  msg.Sender,
		Message:   msg.Body,
		Timestamp: msg.Timestamp.UTC().UnixMilli(),
		IsPrivate: msg.IsPrivate(),
	}
	if msg.IsPrivate() {
		recipient := msg.Recipient
		wire.Recipient = &recipient
	}
	return wire
}

// FromMessages converts a slice, never returning nil.
func FromMessages(msgs []chat.Message) []WireMessage {
	out := make([]WireMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, FromMessage(msg))
	}
	return out
}

// ToMessage converts a wire message back to the domain type.
func (w WireMessage) ToMessage() chat.Message {
	msg := chat.Message{
		ID:        w.ID,
		Sender:    w.Username,
		Body:      w.Message,
		Timestamp: time.UnixMilli(w.Timestamp).UTC(),
		Scope:     chat.ScopeGroup,
	}
	if w.IsPrivate {
		msg.Scope = chat.ScopePrivate
		if w.Recipient != nil {
			msg.Recipient = *w.Recipient
		}
	}
	return msg
}
