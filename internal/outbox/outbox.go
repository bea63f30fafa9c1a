package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/retry"
	"github.com/reclaimapp/messenger/internal/store"
	"github.com/reclaimapp/messenger/internal/transport"
)

// ErrSendFailed marks a send that exhausted both the push channel and the
// REST fallback.
var ErrSendFailed = errors.New("send failed")

// Sender is the push channel surface the outbox delivers through. Satisfied
// by transport.Session.
type Sender interface {
	Send(ctx context.Context, f transport.Frame) error
}

// Fallback is the REST path used when a push send is never confirmed.
// Satisfied by rest.Client.
type Fallback interface {
	SendMessage(ctx context.Context, convID, tempID, body string) (*model.Message, error)
}

// Applier funnels outbox-originated store mutations through the
// reconciliation loop. Satisfied by sync.Engine.
type Applier interface {
	Do(fn func())
	ApplyConfirmed(tempID string, m *model.Message)
}

// SendFailed is the payload for outbox.send_failed events.
type SendFailed struct {
	ConversationID string
	TempID         string
	Err            error
}

type item struct {
	tempID    string
	convID    string
	body      string
	createdAt time.Time
}

// queue is one conversation's send pipeline. Strict FIFO; a terminal failure
// parks it (head item included) until RetrySend or DiscardSend.
type queue struct {
	items  []item
	parked bool
	busy   bool
}

// Outbox owns optimistic sends: uuid temp id, pending store insert, FIFO
// delivery per conversation with backoff, confirmation wait, REST fallback.
// Conversations fail independently; a parked queue never blocks another.
type Outbox struct {
	cfg      *config.Config
	store    *store.Store
	bus      *bus.Bus
	applier  Applier
	sender   Sender
	fallback Fallback
	log      *zap.Logger

	mu      sync.Mutex
	queues  map[string]*queue
	waiters map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, b *bus.Bus, a Applier, s Sender, f Fallback, log *zap.Logger) *Outbox {
	return &Outbox{
		cfg:      cfg,
		store:    st,
		bus:      b,
		applier:  a,
		sender:   s,
		fallback: f,
		log:      log.Named("outbox"),
		queues:   make(map[string]*queue),
		waiters:  make(map[string]chan struct{}),
	}
}

// Start launches the confirmation listener. Must be called before Enqueue.
func (o *Outbox) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	ch, unsub := o.bus.Subscribe("store.message_confirmed", 64)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer unsub()
		o.listenConfirmations(o.ctx, ch)
	}()
	return nil
}

// Stop cancels in-flight deliveries and waits for workers to exit. Pending
// items are abandoned in memory; they remain pending in the store and a
// restart re-sends nothing automatically (the user retries from the UI).
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Enqueue creates an optimistic pending message and queues it for delivery.
// Returns the client temp id.
func (o *Outbox) Enqueue(convID, body string) string {
	tempID := uuid.NewString()
	msg := &model.Message{
		TempID:         tempID,
		ConversationID: convID,
		SenderID:       o.store.SelfID(),
		Body:           body,
		CreatedAt:      time.Now(),
		Status:         model.StatusPending,
	}
	o.applier.Do(func() { o.store.UpsertMessage(msg) })

	it := item{tempID: tempID, convID: convID, body: body, createdAt: msg.CreatedAt}
	o.mu.Lock()
	q := o.queues[convID]
	if q == nil {
		q = &queue{}
		o.queues[convID] = q
	}
	q.items = append(q.items, it)
	start := !q.busy && !q.parked
	if start {
		q.busy = true
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if start {
		go o.drain(convID)
	}
	return tempID
}

// RetrySend resets a failed message to pending and unparks its conversation's
// queue, resuming delivery from the failed item onward.
func (o *Outbox) RetrySend(convID, tempID string) {
	o.applier.Do(func() { o.store.ResetFailed(convID, tempID) })
	o.mu.Lock()
	q := o.queues[convID]
	if q == nil {
		o.mu.Unlock()
		return
	}
	q.parked = false
	start := !q.busy && len(q.items) > 0
	if start {
		q.busy = true
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if start {
		go o.drain(convID)
	}
}

// DiscardSend drops a failed message from the store and the queue, then
// resumes delivery of whatever queued up behind it.
func (o *Outbox) DiscardSend(convID, tempID string) {
	o.applier.Do(func() { o.store.RemoveMessage(convID, tempID) })
	o.mu.Lock()
	q := o.queues[convID]
	if q == nil {
		o.mu.Unlock()
		return
	}
	for i, it := range q.items {
		if it.tempID == tempID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.parked = false
	start := !q.busy && len(q.items) > 0
	if start {
		q.busy = true
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if start {
		go o.drain(convID)
	}
}

// drain delivers one conversation's queue in order until it empties, parks,
// or the outbox stops.
func (o *Outbox) drain(convID string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		q := o.queues[convID]
		if q == nil || q.parked || len(q.items) == 0 || o.ctx.Err() != nil {
			if q != nil {
				q.busy = false
			}
			o.mu.Unlock()
			return
		}
		it := q.items[0]
		o.mu.Unlock()

		if err := o.deliver(o.ctx, it); err != nil {
			if o.ctx.Err() != nil {
				o.mu.Lock()
				q.busy = false
				o.mu.Unlock()
				return
			}
			o.log.Warn("send failed terminally",
				zap.String("conversation", it.convID),
				zap.String("temp_id", it.tempID),
				zap.Error(err))
			o.mu.Lock()
			q.parked = true
			q.busy = false
			o.mu.Unlock()
			o.applier.Do(func() { o.store.SetStatus(it.convID, it.tempID, model.StatusFailed) })
			o.bus.Publish(bus.Event{
				Kind:      "outbox.send_failed",
				Timestamp: time.Now(),
				Payload:   SendFailed{ConversationID: it.convID, TempID: it.tempID, Err: err},
			})
			return
		}

		o.mu.Lock()
		if len(q.items) > 0 && q.items[0].tempID == it.tempID {
			q.items = q.items[1:]
		}
		o.mu.Unlock()
	}
}

// deliver pushes one message: push channel with backoff, wait for the store
// to see its confirmation, REST fallback if the wait times out or the push
// path never worked.
func (o *Outbox) deliver(ctx context.Context, it item) error {
	waiter := o.addWaiter(it.tempID)
	defer o.removeWaiter(it.tempID)

	pushErr := o.policy().Do(ctx, func() error {
		return o.sender.Send(ctx, transport.SendFrame(it.convID, it.tempID, it.body))
	})
	if pushErr == nil {
		select {
		case <-waiter:
			return nil
		case <-time.After(o.cfg.Send.ConfirmWait.Std()):
			o.log.Warn("push send unconfirmed, falling back to rest",
				zap.String("conversation", it.convID),
				zap.String("temp_id", it.tempID))
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		o.log.Warn("push send exhausted, falling back to rest",
			zap.String("temp_id", it.tempID), zap.Error(pushErr))
	}

	var confirmed *model.Message
	err := o.policy().Do(ctx, func() error {
		m, err := o.fallback.SendMessage(ctx, it.convID, it.tempID, it.body)
		if err != nil {
			var tmp interface{ Temporary() bool }
			if errors.As(err, &tmp) && !tmp.Temporary() {
				return retry.Permanent(err)
			}
			return err
		}
		confirmed = m
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	o.applier.ApplyConfirmed(it.tempID, confirmed)
	return nil
}

func (o *Outbox) policy() retry.Policy {
	return retry.Policy{
		Base:        o.cfg.Send.Base.Std(),
		Cap:         o.cfg.Send.Cap.Std(),
		MaxAttempts: o.cfg.Send.MaxAttempts,
		Jitter:      1.0,
	}
}

func (o *Outbox) listenConfirmations(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			c, ok := evt.Payload.(store.Confirmation)
			if !ok {
				continue
			}
			o.mu.Lock()
			if w, found := o.waiters[c.TempID]; found {
				close(w)
				delete(o.waiters, c.TempID)
			}
			o.mu.Unlock()
		}
	}
}

func (o *Outbox) addWaiter(tempID string) <-chan struct{} {
	ch := make(chan struct{})
	o.mu.Lock()
	o.waiters[tempID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Outbox) removeWaiter(tempID string) {
	o.mu.Lock()
	delete(o.waiters, tempID)
	o.mu.Unlock()
}
