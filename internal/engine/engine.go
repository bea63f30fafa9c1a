package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/cache"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/outbox"
	"github.com/reclaimapp/messenger/internal/rest"
	"github.com/reclaimapp/messenger/internal/store"
	intsync "github.com/reclaimapp/messenger/internal/sync"
	"github.com/reclaimapp/messenger/internal/transport"
	"github.com/reclaimapp/messenger/internal/typing"
)

// readReceiptDebounce is how long a conversation must stay open before its
// read receipt goes out. Flicking through conversations reads nothing.
const readReceiptDebounce = 500 * time.Millisecond

// Engine is the command surface a UI talks to. Reads come straight off the
// store; every mutation is routed through the reconciliation loop or the
// component that owns it.
type Engine struct {
	bus     *bus.Bus
	store   *store.Store
	sync    *intsync.Engine
	outbox  *outbox.Outbox
	typing  *typing.Tracker
	session *transport.Session
	rest    *rest.Client
	cache   *cache.Cache
	log     *zap.Logger

	readDelay time.Duration

	mu        sync.Mutex
	readTimer *time.Timer
}

func New(b *bus.Bus, st *store.Store, se *intsync.Engine, ob *outbox.Outbox, tr *typing.Tracker, ts *transport.Session, rc *rest.Client, ca *cache.Cache, log *zap.Logger) *Engine {
	return &Engine{
		bus:       b,
		store:     st,
		sync:      se,
		outbox:    ob,
		typing:    tr,
		session:   ts,
		rest:      rc,
		cache:     ca,
		log:       log.Named("engine"),
		readDelay: readReceiptDebounce,
	}
}

// SendMessage queues an optimistic send and returns its client temp id.
func (e *Engine) SendMessage(convID, body string) string {
	return e.outbox.Enqueue(convID, body)
}

// OpenConversation marks a conversation as the one on screen. Its unread
// count pins to zero, and after a short debounce a read receipt goes out. A
// receipt still queued for the previously open conversation is cancelled.
func (e *Engine) OpenConversation(convID string) {
	e.mu.Lock()
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	if convID != "" {
		e.readTimer = time.AfterFunc(e.readDelay, func() {
			e.MarkRead(convID)
		})
	}
	e.mu.Unlock()

	e.sync.Do(func() { e.store.SetOpen(convID) })
}

// MarkRead zeroes a conversation's unread count and acknowledges its unread
// messages to the server, preferring the push channel with a REST fallback.
func (e *Engine) MarkRead(convID string) {
	ids := e.store.UnreadMessageIDs(convID)
	e.sync.Do(func() { e.store.MarkRead(convID) })
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.session.Send(ctx, transport.ReadReceiptFrame(convID, ids)); err != nil {
		if restErr := e.rest.MarkRead(ctx, convID, ids); restErr != nil {
			e.log.Warn("read receipt lost",
				zap.String("conversation", convID),
				zap.Error(restErr))
		}
	}
}

// StartTyping reports local typing activity; rate limited internally.
func (e *Engine) StartTyping(convID string) {
	e.typing.StartTyping(context.Background(), convID)
}

// StopTyping reports that local typing stopped.
func (e *Engine) StopTyping(convID string) {
	e.typing.StopTyping(context.Background(), convID)
}

// RetrySend resumes delivery of a failed message.
func (e *Engine) RetrySend(convID, tempID string) {
	e.outbox.RetrySend(convID, tempID)
}

// DiscardSend drops a failed message.
func (e *Engine) DiscardSend(convID, tempID string) {
	e.outbox.DiscardSend(convID, tempID)
}

// Conversations lists all conversations, most recently active first.
func (e *Engine) Conversations() []model.Conversation {
	return e.store.Conversations()
}

// Messages lists a conversation's messages, oldest first.
func (e *Engine) Messages(convID string) []model.Message {
	return e.store.Messages(convID)
}

// TypingUsers returns who is currently typing in a conversation.
func (e *Engine) TypingUsers(convID string) []string {
	return e.typing.Typing(convID)
}

// Subscribe exposes the event bus to UI observers. The returned function
// unsubscribes.
func (e *Engine) Subscribe(namespace string, buf int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(namespace, buf)
}

// WipeCache deletes the persisted snapshot. In-memory state is untouched.
func (e *Engine) WipeCache() error {
	return e.cache.Wipe()
}

// Logout clears all local state: the in-memory store and the persisted
// snapshot. The transport is left to the lifecycle to tear down.
func (e *Engine) Logout() error {
	e.mu.Lock()
	if e.readTimer != nil {
		e.readTimer.Stop()
		e.readTimer = nil
	}
	e.mu.Unlock()
	e.sync.Do(func() { e.store.Clear() })
	return e.cache.Wipe()
}
