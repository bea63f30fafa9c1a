package store

import (
	"testing"
	"time"

	"github.com/reclaimapp/messenger/internal/bus"
	"github.com/reclaimapp/messenger/internal/model"
)

const self = "me"

func ts(sec int) time.Time {
	return time.Unix(int64(sec), 0)
}

func confirmed(conv, id, sender, body string, sec int) *model.Message {
	return &model.Message{
		ID: id, ConversationID: conv, SenderID: sender,
		Body: body, CreatedAt: ts(sec), Status: model.StatusSent,
	}
}

func pending(conv, tempID, body string, sec int) *model.Message {
	return &model.Message{
		TempID: tempID, ConversationID: conv, SenderID: self,
		Body: body, CreatedAt: ts(sec), Status: model.StatusPending,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("store.message_upserted", 10)
	defer unsub()
	s := New(self, b)

	if res := s.UpsertMessage(confirmed("c1", "s1", "u2", "hi", 10)); res != Inserted {
		t.Errorf("first upsert = %v, want Inserted", res)
	}
	if res := s.UpsertMessage(confirmed("c1", "s1", "u2", "hi", 10)); res != Unchanged {
		t.Errorf("second upsert = %v, want Unchanged", res)
	}

	if got := len(s.Messages("c1")); got != 1 {
		t.Fatalf("got %d messages, want 1", got)
	}
	// Exactly one upsert notification, no storm.
	count := 0
	timeout := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case <-ch:
			count++
		case <-timeout:
			break drain
		}
	}
	if count != 1 {
		t.Errorf("got %d message_upserted events, want 1", count)
	}
}

func TestTempIDReplaceInPlace(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("c1", "s1", "u2", "first", 10))
	s.UpsertMessage(pending("c1", "t1", "reply", 20))
	s.UpsertMessage(confirmed("c1", "s2", "u2", "third", 30))

	// Confirmation echoing the temp id replaces in place (index 1).
	conf := confirmed("c1", "s99", self, "reply", 21)
	conf.TempID = "t1"
	if res := s.UpsertMessage(conf); res != Confirmed {
		t.Fatalf("upsert = %v, want Confirmed", res)
	}

	msgs := s.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (no duplicate)", len(msgs))
	}
	if msgs[1].ID != "s99" || msgs[1].TempID != "t1" {
		t.Errorf("position 1 = %+v, want confirmed reply in place", msgs[1])
	}
	if msgs[1].Status != model.StatusSent {
		t.Errorf("status = %q, want sent", msgs[1].Status)
	}
}

func TestConfirmEmitsConfirmation(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("store.message_confirmed", 10)
	defer unsub()
	s := New(self, b)

	s.UpsertMessage(pending("c1", "t1", "hello", 10))
	conf := confirmed("c1", "s42", self, "hello", 11)
	conf.TempID = "t1"
	s.UpsertMessage(conf)

	select {
	case evt := <-ch:
		c := evt.Payload.(Confirmation)
		if c.TempID != "t1" || c.ServerID != "s42" {
			t.Errorf("confirmation = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for store.message_confirmed")
	}
}

func TestOrderingInvariant(t *testing.T) {
	s := New(self, bus.New())
	// Out-of-order arrival.
	s.UpsertMessage(confirmed("c1", "s3", "u2", "three", 30))
	s.UpsertMessage(confirmed("c1", "s1", "u2", "one", 10))
	s.UpsertMessage(confirmed("c1", "s2", "u2", "two", 20))

	msgs := s.Messages("c1")
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("messages out of order at %d: %v after %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func TestOptimisticStayAtTail(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(pending("c1", "t1", "optimistic", 50))
	// A confirmed message with a later timestamp still lands before pendings.
	s.UpsertMessage(confirmed("c1", "s1", "u2", "confirmed", 60))

	msgs := s.Messages("c1")
	if msgs[0].ID != "s1" || msgs[1].TempID != "t1" {
		t.Errorf("order = [%s %s], want confirmed before pending tail", msgs[0].Key(), msgs[1].Key())
	}
}

func TestUnreadBookkeeping(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("c1", "s1", "u2", "a", 10))
	s.UpsertMessage(confirmed("c1", "s2", "u2", "b", 20))
	s.UpsertMessage(confirmed("c1", "s3", self, "mine", 30))

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("unread = %d, want 2 (own messages don't count)", convs[0].UnreadCount)
	}

	s.MarkRead("c1")
	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Errorf("unread after MarkRead = %d, want 0", got)
	}
}

func TestOpenConversationPinsUnreadToZero(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("c1", "s1", "u2", "a", 10))
	s.SetOpen("c1")
	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Fatalf("unread = %d, want 0 after open", got)
	}
	// New inbound message while open does not bump unread.
	s.UpsertMessage(confirmed("c1", "s2", "u2", "b", 20))
	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Errorf("unread = %d, want 0 while conversation is open", got)
	}
}

func TestReadMonotonicity(t *testing.T) {
	s := New(self, bus.New())
	m := confirmed("c1", "s1", self, "mine", 10)
	s.UpsertMessage(m)
	s.ApplyReadReceipt("c1", []string{"s1"})

	if got := s.Messages("c1")[0].Status; got != model.StatusRead {
		t.Fatalf("status = %q, want read", got)
	}

	// A replayed upsert with an earlier status must not regress it.
	replay := confirmed("c1", "s1", self, "mine", 10)
	replay.Status = model.StatusDelivered
	s.UpsertMessage(replay)
	if got := s.Messages("c1")[0].Status; got != model.StatusRead {
		t.Errorf("status = %q, want read (never backward)", got)
	}

	if ok := s.SetStatus("c1", "s1", model.StatusSent); ok {
		t.Error("SetStatus(read -> sent) should be a no-op")
	}
}

func TestConversationOrdering(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("old", "s1", "u2", "a", 10))
	s.UpsertMessage(confirmed("new", "s2", "u2", "b", 100))
	s.UpsertMessage(confirmed("mid", "s3", "u2", "c", 50))

	convs := s.Conversations()
	want := []string{"new", "mid", "old"}
	for i, w := range want {
		if convs[i].ID != w {
			t.Errorf("conversations[%d] = %s, want %s", i, convs[i].ID, w)
		}
	}
}

func TestFindPendingMatch(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(pending("c1", "t1", "hello", 100))

	if got := s.FindPendingMatch("c1", "hello", ts(102), 5*time.Second); got != "t1" {
		t.Errorf("match = %q, want t1", got)
	}
	if got := s.FindPendingMatch("c1", "hello", ts(200), 5*time.Second); got != "" {
		t.Errorf("match = %q, want none outside window", got)
	}
	if got := s.FindPendingMatch("c1", "different", ts(101), 5*time.Second); got != "" {
		t.Errorf("match = %q, want none for different body", got)
	}
}

func TestReplaceMessagesKeepsLocalPending(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("c1", "stale", "u2", "old", 10))
	s.UpsertMessage(pending("c1", "t1", "in flight", 20))

	s.ReplaceMessages("c1", []*model.Message{
		confirmed("c1", "f1", "u2", "fresh one", 11),
		confirmed("c1", "f2", "u2", "fresh two", 12),
	})

	msgs := s.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (2 fresh + 1 pending)", len(msgs))
	}
	if s.HasMessage("c1", "stale") {
		t.Error("stale message survived wholesale replacement")
	}
	if msgs[2].TempID != "t1" {
		t.Errorf("pending send lost: tail = %+v", msgs[2])
	}
}

func TestSeedThenReplaceAll(t *testing.T) {
	s := New(self, bus.New())
	s.Seed(
		[]*model.Conversation{{ID: "c1", UpdatedAt: ts(10)}},
		map[string][]*model.Message{"c1": {confirmed("c1", "cached", "u2", "from cache", 10)}},
	)
	if !s.Seeded() {
		t.Fatal("store should report seeded after Seed")
	}
	if len(s.Messages("c1")) != 1 {
		t.Fatal("seeded message missing")
	}

	// First live fetch replaces wholesale, not merged.
	s.ReplaceAll(
		[]*model.Conversation{{ID: "c1", UpdatedAt: ts(20)}},
		map[string][]*model.Message{"c1": {confirmed("c1", "live", "u2", "fresh", 20)}},
	)
	if s.Seeded() {
		t.Error("seeded flag should clear after live replacement")
	}
	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "live" {
		t.Errorf("messages = %+v, want only the live message", msgs)
	}
}

func TestSeedNoOpWhenNotEmpty(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(confirmed("c1", "s1", "u2", "live", 10))
	s.Seed(
		[]*model.Conversation{{ID: "c2"}},
		map[string][]*model.Message{"c2": {confirmed("c2", "cached", "u2", "x", 5)}},
	)
	if len(s.Conversations()) != 1 {
		t.Error("Seed should be a no-op on a non-empty store")
	}
}

func TestExportBoundsMessagesAndSkipsPending(t *testing.T) {
	s := New(self, bus.New())
	for i := 1; i <= 5; i++ {
		s.UpsertMessage(confirmed("c1", string(rune('a'+i)), "u2", "m", i*10))
	}
	s.UpsertMessage(pending("c1", "t1", "unsent", 60))

	_, msgs := s.Export(3)
	if len(msgs["c1"]) != 3 {
		t.Fatalf("exported %d messages, want 3", len(msgs["c1"]))
	}
	for _, m := range msgs["c1"] {
		if !m.Confirmed() {
			t.Error("pending message leaked into snapshot export")
		}
	}
	// Most recent ones survive.
	if msgs["c1"][2].CreatedAt != ts(50) {
		t.Errorf("last exported = %v, want ts(50)", msgs["c1"][2].CreatedAt)
	}
}

func TestRemoveMessage(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(pending("c1", "t1", "discard me", 10))
	if !s.RemoveMessage("c1", "t1") {
		t.Fatal("RemoveMessage returned false")
	}
	if len(s.Messages("c1")) != 0 {
		t.Error("message still present after removal")
	}
}

func TestResetFailed(t *testing.T) {
	s := New(self, bus.New())
	s.UpsertMessage(pending("c1", "t1", "x", 10))
	s.SetStatus("c1", "t1", model.StatusFailed)

	if !s.ResetFailed("c1", "t1") {
		t.Fatal("ResetFailed returned false")
	}
	if got := s.Messages("c1")[0].Status; got != model.StatusPending {
		t.Errorf("status = %q, want pending after manual retry", got)
	}
	// Only failed messages can be reset.
	if s.ResetFailed("c1", "t1") {
		t.Error("ResetFailed on a pending message should be a no-op")
	}
}
