package hub

import (
	"testing"

	"github.com/mheijden/linkup/internal/proto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureChatCanonical(t *testing.T) {
	s := openTestStore(t)

	c1, err := s.EnsureChat("bob", "alice")
	if err != nil {
		t.Fatalf("EnsureChat: %v", err)
	}
	if c1.UserA != "alice" || c1.UserB != "bob" {
		t.Errorf("participants not canonical: %+v", c1)
	}

	c2, err := s.EnsureChat("alice", "bob")
	if err != nil {
		t.Fatalf("EnsureChat reversed: %v", err)
	}
	if c2.ID != c1.ID {
		t.Errorf("same pair produced two chats: %s vs %s", c1.ID, c2.ID)
	}
}

func TestChatsFor(t *testing.T) {
	s := openTestStore(t)
	s.EnsureChat("alice", "bob")
	s.EnsureChat("alice", "carol")
	s.EnsureChat("bob", "carol")

	chats, err := s.ChatsFor("alice")
	if err != nil {
		t.Fatalf("ChatsFor: %v", err)
	}
	if len(chats) != 2 {
		t.Errorf("alice has %d chats, want 2", len(chats))
	}
}

func saveMsg(t *testing.T, s *Store, id, chatID, sender, receiver string, at int64) {
	t.Helper()
	err := s.SaveMessage(proto.WireMessage{
		ID: id, ConversationID: chatID, SenderID: sender,
		Body: "body " + id, CreatedAt: at, Status: "sent",
	}, receiver)
	if err != nil {
		t.Fatalf("SaveMessage %s: %v", id, err)
	}
}

func TestMessagesBeforePagination(t *testing.T) {
	s := openTestStore(t)
	chat, _ := s.EnsureChat("alice", "bob")
	for i := 1; i <= 5; i++ {
		saveMsg(t, s, string(rune('a'+i-1)), chat.ID, "alice", "bob", int64(i*1000))
	}

	newest, err := s.MessagesBefore(chat.ID, 0, 2)
	if err != nil {
		t.Fatalf("MessagesBefore: %v", err)
	}
	if len(newest) != 2 || newest[0].CreatedAt != 4000 || newest[1].CreatedAt != 5000 {
		t.Fatalf("newest page wrong: %+v", newest)
	}

	older, err := s.MessagesBefore(chat.ID, 4000, 2)
	if err != nil {
		t.Fatalf("MessagesBefore older: %v", err)
	}
	if len(older) != 2 || older[0].CreatedAt != 2000 || older[1].CreatedAt != 3000 {
		t.Fatalf("older page wrong: %+v", older)
	}

	end, err := s.MessagesBefore(chat.ID, 1000, 2)
	if err != nil {
		t.Fatalf("MessagesBefore end: %v", err)
	}
	if len(end) != 0 {
		t.Errorf("expected empty page at history start, got %+v", end)
	}
}

func TestPendingAndDelivery(t *testing.T) {
	s := openTestStore(t)
	chat, _ := s.EnsureChat("alice", "bob")
	saveMsg(t, s, "m1", chat.ID, "alice", "bob", 1000)
	saveMsg(t, s, "m2", chat.ID, "alice", "bob", 2000)

	pending, err := s.PendingFor("bob")
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "m1" {
		t.Fatalf("pending = %+v, want m1 then m2", pending)
	}

	if err := s.MarkDelivered("m1"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	pending, _ = s.PendingFor("bob")
	if len(pending) != 1 || pending[0].ID != "m2" {
		t.Errorf("pending after delivery = %+v, want m2 only", pending)
	}

	// Delivered never downgrades a seen message.
	if err := s.MarkMessageRead("m2"); err != nil {
		t.Fatalf("MarkMessageRead: %v", err)
	}
	if err := s.MarkDelivered("m2"); err != nil {
		t.Fatalf("MarkDelivered seen: %v", err)
	}
	m, _, ok := s.MessageByID("m2")
	if !ok || m.Status != "seen" {
		t.Errorf("m2 status = %q, want seen", m.Status)
	}
}

func TestMarkChatRead(t *testing.T) {
	s := openTestStore(t)
	chat, _ := s.EnsureChat("alice", "bob")
	saveMsg(t, s, "to_bob", chat.ID, "alice", "bob", 1000)
	saveMsg(t, s, "to_alice", chat.ID, "bob", "alice", 2000)

	n, err := s.MarkChatRead(chat.ID, "bob")
	if err != nil {
		t.Fatalf("MarkChatRead: %v", err)
	}
	if n != 1 {
		t.Errorf("updated %d rows, want 1", n)
	}
	m, _, _ := s.MessageByID("to_bob")
	if m.Status != "seen" {
		t.Errorf("to_bob status = %q, want seen", m.Status)
	}
	m, _, _ = s.MessageByID("to_alice")
	if m.Status != "sent" {
		t.Errorf("to_alice status = %q, want sent", m.Status)
	}
}

func TestProfiles(t *testing.T) {
	s := openTestStore(t)
	if _, ok := s.GetProfile("alice"); ok {
		t.Error("unknown profile reported present")
	}
	if err := s.UpsertProfile(Profile{ID: "alice", Display: "Alice"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := s.UpsertProfile(Profile{ID: "alice", Display: "Alice B."}); err != nil {
		t.Fatalf("UpsertProfile update: %v", err)
	}
	p, ok := s.GetProfile("alice")
	if !ok || p.Display != "Alice B." {
		t.Errorf("profile = %+v", p)
	}
}
