package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/cache"
	"github.com/reclaimapp/messenger/internal/config"
	"github.com/reclaimapp/messenger/internal/model"
	"github.com/reclaimapp/messenger/internal/outbox"
	"github.com/reclaimapp/messenger/internal/rest"
	"github.com/reclaimapp/messenger/internal/status"
	"github.com/reclaimapp/messenger/internal/store"
	intsync "github.com/reclaimapp/messenger/internal/sync"
	"github.com/reclaimapp/messenger/internal/transport"
	"github.com/reclaimapp/messenger/internal/typing"
)

// receiptServer records read receipts POSTed to the REST API.
type receiptServer struct {
	mu       sync.Mutex
	receipts map[string][]string // conversation id -> message ids
}

func (rs *receiptServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MessageIDs []string `json:"message_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		// Path shape: /conversations/{id}/read
		convID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/conversations/"), "/read")
		rs.mu.Lock()
		rs.receipts[convID] = body.MessageIDs
		rs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rs *receiptServer) got(convID string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.receipts[convID]
}

func newEngine(t *testing.T) (*Engine, *store.Store, *receiptServer) {
	t.Helper()
	rs := &receiptServer{receipts: make(map[string][]string)}
	srv := httptest.NewServer(rs.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.ServerURL = srv.URL
	cfg.UserID = "me"
	logger, _ := zap.NewDevelopment()

	b := bus.New()
	m := status.NewMachine(b)
	st := store.New("me", b)
	rc := rest.New(cfg, logger)
	se := intsync.New(cfg, st, b, m, rc, logger)
	if err := se.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(se.Stop)

	// Transport never started: push sends fail over to REST.
	ts := transport.NewSession(cfg, b, m, logger)
	ob := outbox.New(cfg, st, b, se, ts, rc, logger)
	tr := typing.New(cfg, b, ts, logger)

	kv, err := cache.OpenKV(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	ca := cache.New(cfg, kv, st, logger)

	e := New(b, st, se, ob, tr, ts, rc, ca, logger)
	e.readDelay = 50 * time.Millisecond
	return e, st, rs
}

func inbound(st *store.Store, convID, id string) {
	st.UpsertMessage(&model.Message{
		ID: id, ConversationID: convID, SenderID: "u2",
		Body: "msg " + id, CreatedAt: time.Now(), Status: model.StatusSent,
	})
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

func TestMarkReadFallsBackToRest(t *testing.T) {
	e, st, rs := newEngine(t)
	inbound(st, "c1", "s1")
	inbound(st, "c1", "s2")

	e.MarkRead("c1")

	waitFor(t, "receipt over rest", func() bool { return len(rs.got("c1")) == 2 })
	waitFor(t, "unread zeroed", func() bool { return e.Conversations()[0].UnreadCount == 0 })
}

func TestOpenConversationDebouncesReceipt(t *testing.T) {
	e, st, rs := newEngine(t)
	inbound(st, "c1", "s1")

	e.OpenConversation("c1")
	// The receipt only goes out once the conversation has been open for
	// the debounce window.
	time.Sleep(10 * time.Millisecond)
	if rs.got("c1") != nil {
		t.Fatal("receipt sent before debounce elapsed")
	}
	waitFor(t, "debounced receipt", func() bool { return len(rs.got("c1")) == 1 })
}

func TestSwitchingConversationsCancelsQueuedReceipt(t *testing.T) {
	e, st, rs := newEngine(t)
	inbound(st, "c1", "s1")
	inbound(st, "c2", "s2")

	e.OpenConversation("c1")
	time.Sleep(10 * time.Millisecond)
	e.OpenConversation("c2")

	waitFor(t, "receipt for c2", func() bool { return len(rs.got("c2")) == 1 })
	time.Sleep(100 * time.Millisecond)
	if rs.got("c1") != nil {
		t.Error("cancelled receipt for c1 was still sent")
	}
	// c1's messages were never acknowledged.
	if e.Messages("c1")[0].Status == model.StatusRead {
		t.Error("c1 marked read despite cancellation")
	}
}

func TestMarkReadWithNothingUnreadSendsNothing(t *testing.T) {
	e, _, rs := newEngine(t)
	e.MarkRead("empty")
	time.Sleep(50 * time.Millisecond)
	if rs.got("empty") != nil {
		t.Error("receipt sent for conversation with no unread messages")
	}
}
