package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/status"
	"github.com/reclaimapp/messenger/internal/store"
	"github.com/reclaimapp/messenger/internal/transport"
)

// Fetcher is the REST surface the engine pulls from. Satisfied by
// rest.Client.
type Fetcher interface {
	Conversations(ctx context.Context) ([]*model.Conversation, error)
	Messages(ctx context.Context, convID string, limit, offset int) ([]*model.Message, error)
}

// Engine is the reconciliation loop. All store mutation funnels through its
// single run goroutine: push events, REST fetch results, and local commands
// (via Do) are applied one at a time, so no interleaving is possible.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	bus     *bus.Bus
	machine *status.Machine
	fetcher Fetcher
	log     *zap.Logger

	ops    chan func()
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg *config.Config, st *store.Store, b *bus.Bus, m *status.Machine, f Fetcher, log *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   st,
		bus:     b,
		machine: m,
		fetcher: f,
		log:     log.Named("sync"),
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
	}
}

// Start launches the run loop. The engine subscribes to push events and
// session status changes before returning, so nothing published afterwards is
// missed.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	pushCh, unsubPush := e.bus.Subscribe("push.", 128)
	statusCh, unsubStatus := e.bus.Subscribe("session.status_changed", 8)
	go func() {
		defer close(e.done)
		defer unsubPush()
		defer unsubStatus()
		e.run(ctx, pushCh, statusCh)
	}()
	return nil
}

// Stop shuts the run loop down and waits for it to drain.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// Do schedules fn onto the engine goroutine. It is how the rest of the
// process mutates the store without racing the reconciliation loop.
func (e *Engine) Do(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

// ApplyConfirmed reconciles a server message against the pending entry it
// confirms. Used by the outbox when a REST fallback (not the push channel)
// delivered the confirmation.
func (e *Engine) ApplyConfirmed(tempID string, m *model.Message) {
	e.Do(func() {
		in := m.Clone()
		in.TempID = tempID
		e.store.UpsertMessage(in)
	})
}

func (e *Engine) run(ctx context.Context, pushCh, statusCh <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-e.ops:
			op()
		case evt := <-pushCh:
			e.handlePush(ctx, evt)
		case evt := <-statusCh:
			e.handleStatus(ctx, evt)
		}
	}
}

func (e *Engine) handlePush(ctx context.Context, evt bus.Event) {
	// Events from a previous connection describe a world the reconnect
	// fetch will re-establish; applying them now could resurrect state.
	if evt.Epoch != 0 && evt.Epoch < e.machine.Epoch() {
		e.log.Debug("dropping stale push event",
			zap.String("kind", evt.Kind),
			zap.Uint64("event_epoch", evt.Epoch),
			zap.Uint64("current_epoch", e.machine.Epoch()))
		return
	}

	switch evt.Kind {
	case "push.message":
		if m, ok := evt.Payload.(*model.Message); ok {
			e.applyMessage(m)
		}
	case "push.read_receipt":
		if r, ok := evt.Payload.(transport.ReadReceiptEvent); ok {
			e.store.ApplyReadReceipt(r.ConversationID, r.MessageIDs)
		}
	case "push.conversation_updated":
		if c, ok := evt.Payload.(transport.ConversationEvent); ok {
			go e.refetchConversation(ctx, c.ConversationID)
		}
	case "push.typing":
		// Owned by the ephemeral signal tracker; nothing to reconcile.
	}
}

// applyMessage runs the correlation ladder: temp-id echo, then server id,
// then the body/time-window heuristic, then append as new.
func (e *Engine) applyMessage(m *model.Message) {
	in := m.Clone()
	if in.TempID == "" && in.ID != "" &&
		in.SenderID == e.store.SelfID() &&
		!e.store.HasMessage(in.ConversationID, in.ID) {
		window := e.cfg.Sync.HeuristicWindow.Std()
		if window > 0 {
			if tempID := e.store.FindPendingMatch(in.ConversationID, in.Body, in.CreatedAt, window); tempID != "" {
				in.TempID = tempID
				e.log.Debug("correlated own message by heuristic",
					zap.String("conversation", in.ConversationID),
					zap.String("temp_id", tempID),
					zap.String("server_id", in.ID))
			} else {
				e.log.Warn("own message arrived without temp id echo, appending as new",
					zap.String("conversation", in.ConversationID),
					zap.String("server_id", in.ID))
			}
		}
	}
	res := e.store.UpsertMessage(in)
	e.log.Debug("applied push message",
		zap.String("conversation", in.ConversationID),
		zap.String("key", in.Key()),
		zap.Int("result", int(res)))
}

func (e *Engine) handleStatus(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok || change.To != status.Connected {
		return
	}
	go e.initialSync(ctx, evt.Epoch)
}

// initialSync pulls the full conversation list and the latest page of each
// conversation's messages, then swaps the result in wholesale. Runs after
// every successful connect; cache-seeded data does not survive it.
func (e *Engine) initialSync(ctx context.Context, epoch uint64) {
	convs, err := e.fetcher.Conversations(ctx)
	if err != nil {
		e.log.Warn("initial sync: conversation fetch failed", zap.Error(err))
		return
	}
	msgs := make(map[string][]*model.Message, len(convs))
	for _, c := range convs {
		list, err := e.fetcher.Messages(ctx, c.ID, e.cfg.Sync.PageSize, 0)
		if err != nil {
			e.log.Warn("initial sync: message fetch failed",
				zap.String("conversation", c.ID), zap.Error(err))
			continue
		}
		msgs[c.ID] = list
	}
	e.Do(func() {
		if epoch != e.machine.Epoch() {
			e.log.Debug("discarding initial sync result from stale epoch",
				zap.Uint64("fetch_epoch", epoch))
			return
		}
		e.store.ReplaceAll(convs, msgs)
		e.log.Info("initial sync complete",
			zap.Int("conversations", len(convs)),
			zap.Uint64("epoch", epoch))
	})
}

// refetchConversation refreshes one conversation after a conversation_updated
// push. The fetch happens off the loop; the result is applied on it, and only
// if the connection epoch has not moved underneath the fetch.
func (e *Engine) refetchConversation(ctx context.Context, convID string) {
	epoch := e.machine.Epoch()
	list, err := e.fetcher.Messages(ctx, convID, e.cfg.Sync.PageSize, 0)
	if err != nil {
		e.log.Warn("conversation refetch failed",
			zap.String("conversation", convID), zap.Error(err))
		return
	}
	e.Do(func() {
		if epoch != e.machine.Epoch() {
			return
		}
		e.store.ReplaceMessages(convID, list)
	})
}
