package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reclaimapp/messenger/internal/model"
)

// FrameType identifies a push channel event object.
type FrameType string

const (
	FrameMessage             FrameType = "message"
	FrameTyping              FrameType = "typing"
	FrameReadReceipt         FrameType = "read_receipt"
	FrameConversationUpdated FrameType = "conversation_updated"
)

// Frame is the JSON event object exchanged on the push channel, both inbound
// and outbound.
type Frame struct {
	Type           FrameType    `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Message        *WireMessage `json:"message,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	IsTyping       *bool        `json:"is_typing,omitempty"`
	MessageIDs     []string     `json:"message_ids,omitempty"`
}

// WireMessage is the message representation on the wire, shared by the push
// channel and the REST API. CreatedAt is unix milliseconds.
type WireMessage struct {
	ID           string `json:"id,omitempty"`
	ClientTempID string `json:"client_temp_id,omitempty"`
	SenderID     string `json:"sender_id,omitempty"`
	Content      string `json:"content"`
	CreatedAt    int64  `json:"created_at,omitempty"`
	Status       string `json:"status,omitempty"`
}

// ParseFrame decodes and validates an inbound frame.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameMessage:
		if f.Message == nil {
			return nil, fmt.Errorf("message frame without message body")
		}
	case FrameTyping:
		if f.ConversationID == "" || f.UserID == "" {
			return nil, fmt.Errorf("typing frame missing conversation_id or user_id")
		}
	case FrameReadReceipt:
		if f.ConversationID == "" {
			return nil, fmt.Errorf("read_receipt frame missing conversation_id")
		}
	case FrameConversationUpdated:
		if f.ConversationID == "" {
			return nil, fmt.Errorf("conversation_updated frame missing conversation_id")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Encode serializes an outbound frame.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ToModel normalizes a wire message for ingestion. convID is the enclosing
// frame's conversation id; a conversation id inside the message is not part
// of the wire format. Confirmed messages without an explicit status default
// to sent.
func (w *WireMessage) ToModel(convID string) *model.Message {
	st := model.DeliveryStatus(w.Status)
	if st == "" {
		if w.ID != "" {
			st = model.StatusSent
		} else {
			st = model.StatusPending
		}
	}
	return &model.Message{
		ID:             w.ID,
		TempID:         w.ClientTempID,
		ConversationID: convID,
		SenderID:       w.SenderID,
		Body:           w.Content,
		CreatedAt:      time.UnixMilli(w.CreatedAt),
		Status:         st,
	}
}

// SendFrame builds the outbound frame for an optimistic message send.
func SendFrame(convID, tempID, body string) Frame {
	return Frame{
		Type:           FrameMessage,
		ConversationID: convID,
		Message: &WireMessage{
			ClientTempID: tempID,
			Content:      body,
		},
	}
}

// TypingFrame builds the outbound frame for a typing start/stop signal.
func TypingFrame(convID string, typing bool) Frame {
	return Frame{
		Type:           FrameTyping,
		ConversationID: convID,
		IsTyping:       &typing,
	}
}

// ReadReceiptFrame builds the outbound frame acknowledging read messages.
func ReadReceiptFrame(convID string, messageIDs []string) Frame {
	return Frame{
		Type:           FrameReadReceipt,
		ConversationID: convID,
		MessageIDs:     messageIDs,
	}
}

// TypingEvent is the bus payload for push.typing.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// ReadReceiptEvent is the bus payload for push.read_receipt.
type ReadReceiptEvent struct {
	ConversationID string
	UserID         string
	MessageIDs     []string
}

// ConversationEvent is the bus payload for push.conversation_updated.
type ConversationEvent struct {
	ConversationID string
}
