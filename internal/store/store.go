package store

import (
	"sort"
	"sync"
	"time"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/model"
)

// Store is the in-memory authoritative cache of conversations and messages.
//
// All mutation goes through the reconciliation engine's single writer
// goroutine; the internal lock exists so readers (UI queries, snapshots) can
// run concurrently with the writer, not to allow multiple writers. Accessors
// return clones, never internal pointers.
type Store struct {
	mu     sync.RWMutex
	selfID string
	bus    *bus.Bus

	convs  map[string]*model.Conversation
	msgs   map[string][]*model.Message
	open   string
	seeded bool
}

// New creates an empty store. selfID is the local user's id, used for unread
// bookkeeping and read-receipt application.
func New(selfID string, b *bus.Bus) *Store {
	return &Store{
		selfID: selfID,
		bus:    b,
		convs:  make(map[string]*model.Conversation),
		msgs:   make(map[string][]*model.Message),
	}
}

// SelfID returns the local user's id.
func (s *Store) SelfID() string {
	return s.selfID
}

// UpsertMessage inserts or updates a message, idempotently.
//
// Correlation order: an entry with a matching temp id is replaced in place
// (preserving list position); an entry with a matching server id is advanced
// (status only, forward transitions); otherwise the message is inserted as
// new. Calling twice with the same server id yields one entry and no second
// notification.
func (s *Store) UpsertMessage(m *model.Message) UpsertResult {
	s.mu.Lock()
	msg := m.Clone()
	convID := msg.ConversationID
	list := s.msgs[convID]

	// Temp-id correlation: replace in place.
	if msg.TempID != "" {
		if idx := indexByTempID(list, msg.TempID); idx >= 0 {
			existing := list[idx]
			if !existing.Status.CanAdvanceTo(msg.Status) {
				msg.Status = existing.Status
			}
			if msg.ID == "" {
				msg.ID = existing.ID
			}
			wasConfirmed := existing.ID == "" && msg.ID != ""
			list[idx] = msg
			s.touchConversation(msg, false)
			s.mu.Unlock()
			if wasConfirmed {
				s.publish("store.message_confirmed", Confirmation{
					ConversationID: convID, TempID: msg.TempID, ServerID: msg.ID,
				})
				return Confirmed
			}
			s.publish("store.message_upserted", MessageRef{ConversationID: convID, ID: msg.ID, TempID: msg.TempID})
			return Updated
		}
	}

	// Server-id correlation: already reconciled, advance status at most.
	if msg.ID != "" {
		if idx := indexByID(list, msg.ID); idx >= 0 {
			existing := list[idx]
			if existing.Status.CanAdvanceTo(msg.Status) {
				existing.Status = msg.Status
				s.mu.Unlock()
				s.publish("store.message_status", StatusChange{ConversationID: convID, Key: msg.ID, Status: msg.Status})
				return Updated
			}
			s.mu.Unlock()
			return Unchanged
		}
	}

	// Genuinely new: insert preserving order.
	pos := insertPos(list, msg)
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.msgs[convID] = list
	s.touchConversation(msg, true)
	s.mu.Unlock()

	s.publish("store.message_upserted", MessageRef{ConversationID: convID, ID: msg.ID, TempID: msg.TempID})
	s.publish("store.conversation_updated", ConversationRef{ID: convID})
	return Inserted
}

// insertPos keeps confirmed messages ordered by created-at ascending while
// optimistic (unconfirmed) messages stay at the tail in client-issue order.
func insertPos(list []*model.Message, m *model.Message) int {
	if !m.Confirmed() {
		return len(list)
	}
	i := len(list)
	for i > 0 {
		prev := list[i-1]
		if prev.Confirmed() && !prev.CreatedAt.After(m.CreatedAt) {
			break
		}
		i--
	}
	return i
}

// touchConversation updates denormalized conversation state for a message.
// Caller holds the write lock.
func (s *Store) touchConversation(msg *model.Message, bumpUnread bool) {
	conv := s.convs[msg.ConversationID]
	if conv == nil {
		conv = &model.Conversation{ID: msg.ConversationID}
		s.convs[msg.ConversationID] = conv
	}
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) || conv.LastMessage.Key() == msg.Key() {
		conv.LastMessage = msg.Clone()
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	if bumpUnread && msg.SenderID != s.selfID && msg.ConversationID != s.open {
		conv.UnreadCount++
	}
	if msg.ConversationID == s.open {
		conv.UnreadCount = 0
	}
}

// UpsertConversation merges server-side conversation metadata.
func (s *Store) UpsertConversation(c *model.Conversation) {
	s.mu.Lock()
	in := c.Clone()
	conv := s.convs[in.ID]
	if conv == nil {
		s.convs[in.ID] = in
		conv = in
	} else {
		if len(in.Participants) > 0 {
			conv.Participants = in.Participants
		}
		if in.LastMessage != nil {
			conv.LastMessage = in.LastMessage
		}
		conv.UnreadCount = in.UnreadCount
		if in.UpdatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = in.UpdatedAt
		}
	}
	if conv.ID == s.open {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()
	s.publish("store.conversation_updated", ConversationRef{ID: in.ID})
}

// SetStatus advances a message's delivery status. Transitions only move
// forward; anything else is a no-op. Returns whether a change was applied.
func (s *Store) SetStatus(convID, key string, st model.DeliveryStatus) bool {
	s.mu.Lock()
	msg := s.findByKey(convID, key)
	if msg == nil || !msg.Status.CanAdvanceTo(st) {
		s.mu.Unlock()
		return false
	}
	msg.Status = st
	s.mu.Unlock()
	s.publish("store.message_status", StatusChange{ConversationID: convID, Key: key, Status: st})
	return true
}

// ResetFailed moves a failed message back to pending. This is the manual
// retry path and the only sanctioned backward status transition.
func (s *Store) ResetFailed(convID, tempID string) bool {
	s.mu.Lock()
	msg := s.findByKey(convID, tempID)
	if msg == nil || msg.Status != model.StatusFailed {
		s.mu.Unlock()
		return false
	}
	msg.Status = model.StatusPending
	s.mu.Unlock()
	s.publish("store.message_status", StatusChange{ConversationID: convID, Key: tempID, Status: model.StatusPending})
	return true
}

// RemoveMessage deletes a message (discard of a failed send).
func (s *Store) RemoveMessage(convID, key string) bool {
	s.mu.Lock()
	list := s.msgs[convID]
	idx := -1
	for i, m := range list {
		if m.Key() == key || (key != "" && m.TempID == key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.msgs[convID] = append(list[:idx], list[idx+1:]...)
	s.mu.Unlock()
	s.publish("store.conversation_updated", ConversationRef{ID: convID})
	return true
}

// MarkRead zeroes the unread count and marks inbound messages read. One
// notification for the whole mutation.
func (s *Store) MarkRead(convID string) {
	s.mu.Lock()
	conv := s.convs[convID]
	if conv == nil {
		s.mu.Unlock()
		return
	}
	conv.UnreadCount = 0
	for _, m := range s.msgs[convID] {
		if m.SenderID != s.selfID && m.Status.CanAdvanceTo(model.StatusRead) {
			m.Status = model.StatusRead
		}
	}
	s.mu.Unlock()
	s.publish("store.conversation_read", ConversationRef{ID: convID})
}

// UnreadMessageIDs returns server ids of inbound messages not yet read,
// for building an outbound read receipt. Call before MarkRead.
func (s *Store) UnreadMessageIDs(convID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, m := range s.msgs[convID] {
		if m.SenderID != s.selfID && m.Confirmed() && m.Status != model.StatusRead {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// ApplyReadReceipt marks the local user's own messages as read by the peer.
func (s *Store) ApplyReadReceipt(convID string, messageIDs []string) {
	s.mu.Lock()
	var applied []string
	for _, id := range messageIDs {
		if msg := s.findByKey(convID, id); msg != nil && msg.SenderID == s.selfID && msg.Status.CanAdvanceTo(model.StatusRead) {
			msg.Status = model.StatusRead
			applied = append(applied, id)
		}
	}
	s.mu.Unlock()
	if len(applied) > 0 {
		s.publish("store.receipt_applied", ReceiptApplied{ConversationID: convID, MessageIDs: applied})
	}
}

// SetOpen records the currently open conversation. Its unread count is pinned
// to zero while open.
func (s *Store) SetOpen(convID string) {
	s.mu.Lock()
	s.open = convID
	if conv := s.convs[convID]; conv != nil {
		conv.UnreadCount = 0
	}
	s.mu.Unlock()
	if convID != "" {
		s.publish("store.conversation_updated", ConversationRef{ID: convID})
	}
}

// Open returns the currently open conversation id, or "".
func (s *Store) Open() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Conversations returns all conversations ordered by updated-at descending.
func (s *Store) Conversations() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Messages returns a conversation's messages ordered by created-at ascending
// (optimistic sends at the tail in issue order).
func (s *Store) Messages(convID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[convID]
	out := make([]model.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m.Clone())
	}
	return out
}

// MessageByKey returns a clone of the message with the given server or temp
// id, or nil.
func (s *Store) MessageByKey(convID, key string) *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByKey(convID, key).Clone()
}

// HasMessage reports whether a confirmed message with the given server id
// exists.
func (s *Store) HasMessage(convID, serverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexByID(s.msgs[convID], serverID) >= 0
}

// FindPendingMatch looks for a pending message from the local user with the
// same body within the given time window of at. It backs the last-resort
// correlation for confirmations arriving without a temp-id echo. Returns the
// candidate's temp id, or "".
func (s *Store) FindPendingMatch(convID, body string, at time.Time, window time.Duration) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.msgs[convID] {
		if m.Status != model.StatusPending || m.SenderID != s.selfID || m.Body != body {
			continue
		}
		d := at.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= window {
			return m.TempID
		}
	}
	return ""
}

// ReplaceAll swaps in a full fetch result wholesale, discarding any
// cache-seeded or stale live data. Locally pending and failed messages are
// retained at the tail of their conversations (they are still owned by the
// outbox).
func (s *Store) ReplaceAll(convs []*model.Conversation, msgs map[string][]*model.Message) {
	s.mu.Lock()
	retained := s.unconfirmedLocked()
	s.convs = make(map[string]*model.Conversation, len(convs))
	s.msgs = make(map[string][]*model.Message, len(msgs))
	s.seeded = false
	for _, c := range convs {
		cc := c.Clone()
		if cc.ID == s.open {
			cc.UnreadCount = 0
		}
		s.convs[cc.ID] = cc
	}
	for convID, list := range msgs {
		s.msgs[convID] = cloneAscending(list)
	}
	for convID, keep := range retained {
		s.msgs[convID] = append(s.msgs[convID], keep...)
		if s.convs[convID] == nil {
			s.convs[convID] = &model.Conversation{ID: convID}
		}
	}
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.publish("store.conversation_updated", ConversationRef{ID: id})
	}
}

// ReplaceMessages swaps one conversation's message list wholesale, retaining
// local pending/failed sends at the tail.
func (s *Store) ReplaceMessages(convID string, msgs []*model.Message) {
	s.mu.Lock()
	var keep []*model.Message
	for _, m := range s.msgs[convID] {
		if !m.Confirmed() {
			keep = append(keep, m)
		}
	}
	s.msgs[convID] = append(cloneAscending(msgs), keep...)
	if s.convs[convID] == nil {
		s.convs[convID] = &model.Conversation{ID: convID}
	}
	if len(msgs) > 0 {
		last := s.msgs[convID][len(msgs)-1]
		s.touchConversation(last, false)
	}
	s.mu.Unlock()
	s.publish("store.conversation_updated", ConversationRef{ID: convID})
}

// Seed loads cache-restored data into an empty store before the first
// connect. No-op once the store has content.
func (s *Store) Seed(convs []*model.Conversation, msgs map[string][]*model.Message) {
	s.mu.Lock()
	if len(s.convs) > 0 {
		s.mu.Unlock()
		return
	}
	for _, c := range convs {
		s.convs[c.ID] = c.Clone()
	}
	for convID, list := range msgs {
		s.msgs[convID] = cloneAscending(list)
	}
	s.seeded = true
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.publish("store.conversation_updated", ConversationRef{ID: id})
	}
}

// Seeded reports whether the current content came from the offline cache and
// has not yet been replaced by live data.
func (s *Store) Seeded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seeded
}

// Export returns clones of all conversations and, per conversation, the most
// recent maxPerConv confirmed messages, for snapshotting.
func (s *Store) Export(maxPerConv int) ([]model.Conversation, map[string][]model.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]model.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, *c.Clone())
	}
	msgs := make(map[string][]model.Message, len(s.msgs))
	for convID, list := range s.msgs {
		var confirmed []model.Message
		for _, m := range list {
			if m.Confirmed() {
				confirmed = append(confirmed, *m.Clone())
			}
		}
		if maxPerConv > 0 && len(confirmed) > maxPerConv {
			confirmed = confirmed[len(confirmed)-maxPerConv:]
		}
		if len(confirmed) > 0 {
			msgs[convID] = confirmed
		}
	}
	return convs, msgs
}

// Clear wipes all in-memory state (logout).
func (s *Store) Clear() {
	s.mu.Lock()
	s.convs = make(map[string]*model.Conversation)
	s.msgs = make(map[string][]*model.Message)
	s.open = ""
	s.seeded = false
	s.mu.Unlock()
}

func (s *Store) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// unconfirmedLocked collects pending/failed messages per conversation.
// Caller holds the write lock.
func (s *Store) unconfirmedLocked() map[string][]*model.Message {
	out := make(map[string][]*model.Message)
	for convID, list := range s.msgs {
		for _, m := range list {
			if !m.Confirmed() {
				out[convID] = append(out[convID], m)
			}
		}
	}
	return out
}

func (s *Store) findByKey(convID, key string) *model.Message {
	for _, m := range s.msgs[convID] {
		if m.Key() == key || (m.TempID != "" && m.TempID == key) {
			return m
		}
	}
	return nil
}

func indexByTempID(list []*model.Message, tempID string) int {
	for i, m := range list {
		if m.TempID == tempID {
			return i
		}
	}
	return -1
}

func indexByID(list []*model.Message, id string) int {
	for i, m := range list {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func cloneAscending(list []*model.Message) []*model.Message {
	out := make([]*model.Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
