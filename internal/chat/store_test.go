package chat

import (
	"fmt"
	"testing"
	"time"
)

func msgAt(id, sender string, at time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           "body " + id,
		CreatedAt:      at,
		Status:         StatusSent,
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestAppendIncomingOrdersByTimestamp(t *testing.T) {
	s := NewStore("me")
	base := time.Now()

	s.AppendIncoming("c1", msgAt("m2", "peer", base.Add(2*time.Second)))
	s.AppendIncoming("c1", msgAt("m1", "peer", base.Add(1*time.Second)))
	s.AppendIncoming("c1", msgAt("m3", "peer", base.Add(3*time.Second)))

	got := ids(s.Messages("c1"))
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestAppendIncomingEqualTimestampsStable(t *testing.T) {
	s := NewStore("me")
	at := time.Now()

	s.AppendIncoming("c1", msgAt("first", "peer", at))
	s.AppendIncoming("c1", msgAt("second", "peer", at))
	s.AppendIncoming("c1", msgAt("third", "peer", at))

	got := ids(s.Messages("c1"))
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v (insertion order)", got, want)
		}
	}
}

func TestAppendIncomingDuplicateIgnored(t *testing.T) {
	s := NewStore("me")
	m := msgAt("m1", "peer", time.Now())

	if !s.AppendIncoming("c1", m) {
		t.Fatal("first append rejected")
	}
	dup := msgAt("m1", "peer", time.Now().Add(time.Hour))
	dup.Body = "changed"
	if s.AppendIncoming("c1", dup) {
		t.Fatal("duplicate id accepted")
	}
	msgs := s.Messages("c1")
	if len(msgs) != 1 || msgs[0].Body != "body m1" {
		t.Errorf("store mutated by duplicate: %+v", msgs)
	}
}

func TestStatusAdvancesForwardOnly(t *testing.T) {
	s := NewStore("me")
	s.AppendIncoming("c1", msgAt("m1", "me", time.Now()))

	if !s.MarkDelivered("c1", "m1") {
		t.Fatal("sent → delivered rejected")
	}
	if !s.MarkSeen("c1", "m1") {
		t.Fatal("delivered → seen rejected")
	}
	if s.MarkDelivered("c1", "m1") {
		t.Error("seen → delivered should be a no-op")
	}
	if s.Messages("c1")[0].Status != StatusSeen {
		t.Errorf("status = %s, want seen", s.Messages("c1")[0].Status)
	}
}

func TestStatusUnknownIDIsNoop(t *testing.T) {
	s := NewStore("me")
	if s.MarkDelivered("c1", "ghost") {
		t.Error("unknown conversation should be a no-op")
	}
	s.AppendIncoming("c1", msgAt("m1", "peer", time.Now()))
	if s.MarkSeen("c1", "ghost") {
		t.Error("unknown id should be a no-op")
	}
}

func TestMarkChatSeenOnlyOwnMessages(t *testing.T) {
	s := NewStore("me")
	base := time.Now()
	s.AppendIncoming("c1", msgAt("mine1", "me", base))
	s.AppendIncoming("c1", msgAt("theirs", "peer", base.Add(time.Second)))
	s.AppendIncoming("c1", msgAt("mine2", "me", base.Add(2*time.Second)))

	if n := s.MarkChatSeen("c1"); n != 2 {
		t.Fatalf("MarkChatSeen = %d, want 2", n)
	}
	for _, m := range s.Messages("c1") {
		switch m.ID {
		case "mine1", "mine2":
			if m.Status != StatusSeen {
				t.Errorf("%s status = %s, want seen", m.ID, m.Status)
			}
		case "theirs":
			if m.Status != StatusSent {
				t.Errorf("peer message status changed to %s", m.Status)
			}
		}
	}
	if n := s.MarkChatSeen("c1"); n != 0 {
		t.Errorf("second MarkChatSeen = %d, want 0", n)
	}
}

func TestPrependHistoryPage(t *testing.T) {
	s := NewStore("me")
	base := time.Now()
	s.AppendIncoming("c1", msgAt("new", "peer", base))

	older := []*Message{
		msgAt("old1", "peer", base.Add(-2*time.Hour)),
		msgAt("old2", "me", base.Add(-time.Hour)),
		msgAt("new", "peer", base), // already present
	}
	if n := s.PrependHistoryPage("c1", older); n != 2 {
		t.Fatalf("PrependHistoryPage = %d, want 2", n)
	}

	got := ids(s.Messages("c1"))
	want := []string{"old1", "old2", "new"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	if n := s.PrependHistoryPage("c1", nil); n != 0 {
		t.Errorf("empty page inserted %d messages", n)
	}
}

func TestOldestTimestamp(t *testing.T) {
	s := NewStore("me")
	if _, ok := s.OldestTimestamp("c1"); ok {
		t.Error("empty conversation reported a timestamp")
	}
	at := time.UnixMilli(1700000000000)
	s.AppendIncoming("c1", msgAt("m1", "peer", at))
	ts, ok := s.OldestTimestamp("c1")
	if !ok || ts != at.UnixMilli() {
		t.Errorf("OldestTimestamp = %d, %v", ts, ok)
	}
}

func TestConversationsListing(t *testing.T) {
	s := NewStore("me")
	s.EnsureConversation("c1", "peer", "Peer One")
	base := time.Now()
	s.AppendIncoming("c1", msgAt("m1", "peer", base))
	s.AppendIncoming("c1", msgAt("m2", "peer", base.Add(time.Second)))
	s.AppendOutgoing("c1", "my reply")
	s.MarkSeen("c1", "m1")

	convs := s.Conversations()
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	c := convs[0]
	if c.ParticipantDisplay != "Peer One" {
		t.Errorf("display = %q", c.ParticipantDisplay)
	}
	if c.UnseenCount != 1 {
		t.Errorf("unseen = %d, want 1 (m2 only)", c.UnseenCount)
	}
	if c.LastMessagePreview != "my reply" {
		t.Errorf("preview = %q", c.LastMessagePreview)
	}
}

func TestSubscribeNotifies(t *testing.T) {
	s := NewStore("me")
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.AppendIncoming("c9", msgAt("m1", "peer", time.Now()))

	select {
	case conv := <-ch:
		if conv != "c9" {
			t.Errorf("notified %q, want c9", conv)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStore("me")
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.AppendIncoming("c1", msgAt(fmt.Sprintf("m%d", i), "peer", time.Now()))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store blocked on a slow subscriber")
	}
}
