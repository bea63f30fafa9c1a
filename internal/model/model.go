package model

import "time"

// DeliveryStatus tracks how far a message has progressed toward being read.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// statusRank orders the forward-only delivery progression.
// Failed is terminal and reachable only from pending.
var statusRank = map[DeliveryStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceTo reports whether a transition from s to next is allowed.
// Transitions never move backward: pending → sent → delivered → read,
// or pending → failed.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	if next == StatusFailed {
		return s == StatusPending
	}
	if s == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Message is a single chat message. ID is server-assigned and empty until the
// message is confirmed; TempID is the client-generated correlation id for
// optimistic sends. Messages are immutable except for status transitions.
type Message struct {
	ID             string
	TempID         string
	ConversationID string
	SenderID       string
	Body           string
	CreatedAt      time.Time
	Status         DeliveryStatus
}

// Key returns the identity used for store lookups: the server id once
// assigned, otherwise the temp id.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Confirmed reports whether the message carries a server-assigned id.
func (m *Message) Confirmed() bool {
	return m.ID != ""
}

// Clone returns a copy safe to hand to other goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Conversation is a chat thread between the local user and other participants.
type Conversation struct {
	ID           string
	Participants []string
	LastMessage  *Message
	UnreadCount  int
	UpdatedAt    time.Time
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}
