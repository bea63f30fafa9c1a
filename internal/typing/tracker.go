package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/transport"
)

// Sender is the push channel surface typing signals go out on. Satisfied by
// transport.Session.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
}

// Changed is the payload for typing.changed events.
type Changed struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// Tracker keeps ephemeral per-(conversation, user) typing state. Inbound
// indicators expire unless refreshed; outbound ones are rate limited so a
// burst of keystrokes costs one frame per interval. Nothing here is
// persisted or reconciled.
type Tracker struct {
	expiry      time.Duration
	minInterval time.Duration
	bus         *bus.Bus
	sender      Sender
	log         *zap.Logger

	mu       sync.Mutex
	remote   map[string]map[string]*time.Timer
	lastSent map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, b *bus.Bus, s Sender, log *zap.Logger) *Tracker {
	return &Tracker{
		expiry:      cfg.Typing.Expiry.Std(),
		minInterval: cfg.Typing.MinInterval.Std(),
		bus:         b,
		sender:      s,
		log:         log.Named("typing"),
		remote:      make(map[string]map[string]*time.Timer),
		lastSent:    make(map[string]time.Time),
		done:        make(chan struct{}),
	}
}

// Start subscribes to inbound typing signals.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("push.typing", 32)
	go func() {
		defer close(t.done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-ch:
				if te, ok := evt.Payload.(transport.TypingEvent); ok {
					if te.Typing {
						t.setTyping(te.ConversationID, te.UserID)
					} else {
						t.clearTyping(te.ConversationID, te.UserID)
					}
				}
			}
		}
	}()
	return nil
}

// Stop halts the tracker and discards all indicator state.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	t.mu.Lock()
	for _, users := range t.remote {
		for _, timer := range users {
			timer.Stop()
		}
	}
	t.remote = make(map[string]map[string]*time.Timer)
	t.mu.Unlock()
}

// Typing returns the users currently typing in a conversation, sorted.
func (t *Tracker) Typing(convID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.remote[convID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// StartTyping reports local typing activity. Call it on every keystroke; at
// most one frame per interval of continuous typing goes out.
func (t *Tracker) StartTyping(ctx context.Context, convID string) {
	t.mu.Lock()
	now := time.Now()
	if last, ok := t.lastSent[convID]; ok && now.Sub(last) < t.minInterval {
		t.mu.Unlock()
		return
	}
	t.lastSent[convID] = now
	t.mu.Unlock()

	if err := t.sender.Send(ctx, transport.TypingFrame(convID, true)); err != nil {
		t.log.Debug("typing signal dropped", zap.Error(err))
	}
}

// StopTyping reports the local user stopped typing. A no-op unless a start
// was emitted for the conversation.
func (t *Tracker) StopTyping(ctx context.Context, convID string) {
	t.mu.Lock()
	if _, ok := t.lastSent[convID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.lastSent, convID)
	t.mu.Unlock()

	if err := t.sender.Send(ctx, transport.TypingFrame(convID, false)); err != nil {
		t.log.Debug("typing signal dropped", zap.Error(err))
	}
}

func (t *Tracker) setTyping(convID, userID string) {
	t.mu.Lock()
	users := t.remote[convID]
	if users == nil {
		users = make(map[string]*time.Timer)
		t.remote[convID] = users
	}
	if timer, ok := users[userID]; ok {
		// Refresh: the indicator is already showing, no event.
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	users[userID] = time.AfterFunc(t.expiry, func() {
		t.clearTyping(convID, userID)
	})
	t.mu.Unlock()
	t.publish(convID, userID, true)
}

func (t *Tracker) clearTyping(convID, userID string) {
	t.mu.Lock()
	users := t.remote[convID]
	timer, ok := users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, convID)
	}
	t.mu.Unlock()
	t.publish(convID, userID, false)
}

func (t *Tracker) publish(convID, userID string, typing bool) {
	t.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   Changed{ConversationID: convID, UserID: userID, Typing: typing},
	})
}
