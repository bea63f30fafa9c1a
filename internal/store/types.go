package store

import "github.com/reclaimapp/messenger/internal/model"

// UpsertResult describes what an UpsertMessage call did.
type UpsertResult int

const (
	// Unchanged means the message was already present with nothing to update.
	Unchanged UpsertResult = iota
	// Inserted means a genuinely new message was appended.
	Inserted
	// Updated means an existing entry advanced (status or metadata).
	Updated
	// Confirmed means a temp-id entry was replaced in place by its
	// server-confirmed counterpart.
	Confirmed
)

// ConversationRef is the payload for store.conversation_updated and
// store.conversation_read events.
type ConversationRef struct {
	ID string
}

// MessageRef is the payload for store.message_upserted events.
type MessageRef struct {
	ConversationID string
	ID             string
	TempID         string
}

// Confirmation is the payload for store.message_confirmed events. The outbox
// uses it to learn that a pending send has been reconciled.
type Confirmation struct {
	ConversationID string
	TempID         string
	ServerID       string
}

// StatusChange is the payload for store.message_status events.
type StatusChange struct {
	ConversationID string
	Key            string
	Status         model.DeliveryStatus
}

// ReceiptApplied is the payload for store.receipt_applied events.
type ReceiptApplied struct {
	ConversationID string
	MessageIDs     []string
}
