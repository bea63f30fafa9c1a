package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/store"
	"github.com/reclaimapp/messenger/internal/transport"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []transport.Frame
	err    error
}

func (s *fakeSender) Send(ctx context.Context, f transport.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) sent() []transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Frame(nil), s.frames...)
}

type fakeFallback struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeFallback) SendMessage(ctx context.Context, convID, tempID, body string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Message{
		ID: "srv-" + tempID, TempID: tempID, ConversationID: convID,
		SenderID: "me", Body: body, CreatedAt: time.Now(), Status: model.StatusSent,
	}, nil
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFallback) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// directApplier applies mutations inline; serialization is not under test
// here.
type directApplier struct{ st *store.Store }

func (a directApplier) Do(fn func()) { fn() }

func (a directApplier) ApplyConfirmed(tempID string, m *model.Message) {
	in := m.Clone()
	in.TempID = tempID
	a.st.UpsertMessage(in)
}

type permErr struct{}

func (permErr) Error() string   { return "rejected by server" }
func (permErr) Temporary() bool { return false }

func newOutbox(t *testing.T, sender Sender, fallback Fallback) (*Outbox, *store.Store, *bus.Bus) {
	t.Helper()
	cfg := config.Default()
	cfg.Send.Base = config.Duration(time.Millisecond)
	cfg.Send.Cap = config.Duration(5 * time.Millisecond)
	cfg.Send.MaxAttempts = 2
	cfg.Send.ConfirmWait = config.Duration(50 * time.Millisecond)
	b := bus.New()
	st := store.New("me", b)
	logger, _ := zap.NewDevelopment()
	o := New(cfg, st, b, directApplier{st}, sender, fallback, logger)
	if err := o.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(o.Stop)
	return o, st, b
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

// confirm simulates the push channel echoing a sent message back.
func confirm(st *store.Store, convID, tempID string) {
	st.UpsertMessage(&model.Message{
		ID: "srv-" + tempID, TempID: tempID, ConversationID: convID,
		SenderID: "me", Body: "x", CreatedAt: time.Now(), Status: model.StatusSent,
	})
}

func TestEnqueueOptimisticThenConfirmed(t *testing.T) {
	sender := &fakeSender{}
	fallback := &fakeFallback{}
	o, st, _ := newOutbox(t, sender, fallback)

	tempID := o.Enqueue("c1", "hello")
	if tempID == "" {
		t.Fatal("no temp id")
	}

	// Optimistic entry is visible immediately, pending.
	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != model.StatusPending || msgs[0].TempID != tempID {
		t.Fatalf("optimistic entry = %+v", msgs)
	}

	waitFor(t, "frame on the wire", func() bool { return len(sender.sent()) == 1 })
	f := sender.sent()[0]
	if f.Type != transport.FrameMessage || f.Message.ClientTempID != tempID {
		t.Errorf("frame = %+v", f)
	}

	confirm(st, "c1", tempID)
	waitFor(t, "confirmation", func() bool {
		m := st.Messages("c1")
		return len(m) == 1 && m[0].Confirmed()
	})
	if fallback.callCount() != 0 {
		t.Error("fallback used despite push confirmation")
	}
}

func TestUnconfirmedPushFallsBackToRest(t *testing.T) {
	sender := &fakeSender{}
	fallback := &fakeFallback{}
	o, st, _ := newOutbox(t, sender, fallback)

	tempID := o.Enqueue("c1", "anyone seen a blue umbrella")

	// Push send succeeds but nothing ever confirms it.
	waitFor(t, "rest fallback confirmation", func() bool {
		m := st.Messages("c1")
		return len(m) == 1 && m[0].ID == "srv-"+tempID
	})
	if fallback.callCount() != 1 {
		t.Errorf("fallback calls = %d, want 1", fallback.callCount())
	}
}

func TestPushFailureFallsBackToRest(t *testing.T) {
	sender := &fakeSender{err: transport.ErrNotConnected}
	fallback := &fakeFallback{}
	o, st, _ := newOutbox(t, sender, fallback)

	tempID := o.Enqueue("c1", "offline send")
	waitFor(t, "rest delivery", func() bool {
		m := st.Messages("c1")
		return len(m) == 1 && m[0].ID == "srv-"+tempID
	})
}

func TestTerminalFailureParksQueue(t *testing.T) {
	sender := &fakeSender{err: transport.ErrNotConnected}
	fallback := &fakeFallback{err: permErr{}}
	o, st, b := newOutbox(t, sender, fallback)

	failCh, unsub := b.Subscribe("outbox.send_failed", 4)
	defer unsub()

	tempID := o.Enqueue("c1", "doomed")

	select {
	case evt := <-failCh:
		sf := evt.Payload.(SendFailed)
		if sf.TempID != tempID || sf.ConversationID != "c1" {
			t.Errorf("send_failed = %+v", sf)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for outbox.send_failed")
	}
	waitFor(t, "failed status", func() bool {
		return st.Messages("c1")[0].Status == model.StatusFailed
	})

	// The conversation's queue is parked: later sends stay pending.
	calls := fallback.callCount()
	tempID2 := o.Enqueue("c1", "stuck behind")
	time.Sleep(100 * time.Millisecond)
	if fallback.callCount() != calls {
		t.Error("parked queue attempted delivery")
	}
	var second model.Message
	for _, m := range st.Messages("c1") {
		if m.TempID == tempID2 {
			second = m
		}
	}
	if second.Status != model.StatusPending {
		t.Errorf("queued message status = %q, want pending", second.Status)
	}

	// Other conversations are unaffected.
	fallback.setErr(nil)
	otherTemp := o.Enqueue("c2", "independent")
	waitFor(t, "other conversation delivers", func() bool {
		m := st.Messages("c2")
		return len(m) == 1 && m[0].ID == "srv-"+otherTemp
	})
}

func TestRetrySendResumesQueue(t *testing.T) {
	sender := &fakeSender{err: transport.ErrNotConnected}
	fallback := &fakeFallback{err: permErr{}}
	o, st, _ := newOutbox(t, sender, fallback)

	tempID := o.Enqueue("c1", "retry me")
	waitFor(t, "failed", func() bool {
		return st.Messages("c1")[0].Status == model.StatusFailed
	})

	fallback.setErr(nil)
	o.RetrySend("c1", tempID)

	waitFor(t, "retried delivery", func() bool {
		m := st.Messages("c1")
		return len(m) == 1 && m[0].ID == "srv-"+tempID
	})
}

func TestDiscardSendUnblocksQueue(t *testing.T) {
	sender := &fakeSender{err: transport.ErrNotConnected}
	fallback := &fakeFallback{err: permErr{}}
	o, st, _ := newOutbox(t, sender, fallback)

	tempID := o.Enqueue("c1", "discard me")
	waitFor(t, "failed", func() bool {
		return st.Messages("c1")[0].Status == model.StatusFailed
	})
	tempID2 := o.Enqueue("c1", "next in line")

	fallback.setErr(nil)
	o.DiscardSend("c1", tempID)

	waitFor(t, "queue resumed past discard", func() bool {
		m := st.Messages("c1")
		return len(m) == 1 && m[0].ID == "srv-"+tempID2
	})
}

func TestFIFOWithinConversation(t *testing.T) {
	sender := &fakeSender{}
	fallback := &fakeFallback{}
	o, st, _ := newOutbox(t, sender, fallback)

	t1 := o.Enqueue("c1", "first")
	t2 := o.Enqueue("c1", "second")

	waitFor(t, "first frame", func() bool { return len(sender.sent()) == 1 })
	if sender.sent()[0].Message.ClientTempID != t1 {
		t.Fatalf("first on the wire = %q, want %q", sender.sent()[0].Message.ClientTempID, t1)
	}
	// Second must not go out until the first is confirmed.
	time.Sleep(20 * time.Millisecond)
	if len(sender.sent()) != 1 {
		t.Fatal("second send overtook an unconfirmed first")
	}

	confirm(st, "c1", t1)
	waitFor(t, "second frame", func() bool { return len(sender.sent()) == 2 })
	if sender.sent()[1].Message.ClientTempID != t2 {
		t.Errorf("second on the wire = %q, want %q", sender.sent()[1].Message.ClientTempID, t2)
	}
}
