package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mheijden/linkup/internal/proto"
)

func startServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := openTestStore(t)
	s := NewServer(store)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?identity=" + identity
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", identity, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads until a frame of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, eventType string) *proto.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f proto.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read waiting for %s: %v", eventType, err)
		}
		if f.EventType == eventType {
			return &f
		}
	}
}

func sendMessage(t *testing.T, conn *websocket.Conn, receiver, body string) {
	t.Helper()
	f, err := proto.NewFrame(proto.TypeSendMessage, receiver, proto.WireMessage{Body: body})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestOnlineDelivery(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendMessage(t, alice, "bob", "hello bob")

	// Sender gets the authoritative echo.
	echo := readFrame(t, alice, proto.TypeMessageSent)
	var sent proto.WireMessage
	if err := json.Unmarshal(echo.Payload, &sent); err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if sent.ID == "" || sent.CreatedAt == 0 || sent.ConversationID == "" {
		t.Errorf("echo missing authoritative fields: %+v", sent)
	}

	// Receiver gets the message, sender the delivery receipt.
	recv := readFrame(t, bob, proto.TypeMessageReceived)
	if recv.SenderID != "alice" {
		t.Errorf("receiver frame sender = %q, want alice", recv.SenderID)
	}
	var got proto.WireMessage
	json.Unmarshal(recv.Payload, &got)
	if got.Body != "hello bob" || got.ID != sent.ID {
		t.Errorf("received %+v, want id %s", got, sent.ID)
	}

	delivered := readFrame(t, alice, proto.TypeMessageDelivered)
	var receipt proto.DeliveryReceipt
	json.Unmarshal(delivered.Payload, &receipt)
	if receipt.MessageID != sent.ID {
		t.Errorf("delivery receipt for %q, want %q", receipt.MessageID, sent.ID)
	}
}

func TestOfflineQueueFlushOnConnect(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")

	// Bob is offline; both messages must survive.
	sendMessage(t, alice, "bob", "first")
	readFrame(t, alice, proto.TypeMessageSent)
	sendMessage(t, alice, "bob", "second")
	readFrame(t, alice, proto.TypeMessageSent)

	bob := dial(t, srv, "bob")
	first := readFrame(t, bob, proto.TypeMessageReceived)
	second := readFrame(t, bob, proto.TypeMessageReceived)

	var m1, m2 proto.WireMessage
	json.Unmarshal(first.Payload, &m1)
	json.Unmarshal(second.Payload, &m2)
	if m1.Body != "first" || m2.Body != "second" {
		t.Errorf("flush order wrong: %q then %q", m1.Body, m2.Body)
	}

	// Sender is still online and learns about the late delivery.
	readFrame(t, alice, proto.TypeMessageDelivered)
}

func TestSenderIdentityStamped(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	// A client lying about its sender id gets corrected by the hub.
	f, _ := proto.NewFrame(proto.TypeSendMessage, "bob", proto.WireMessage{SenderID: "mallory", Body: "hi"})
	f.SenderID = "mallory"
	if err := alice.WriteJSON(f); err != nil {
		t.Fatal(err)
	}

	recv := readFrame(t, bob, proto.TypeMessageReceived)
	if recv.SenderID != "alice" {
		t.Errorf("sender = %q, want alice", recv.SenderID)
	}
	var m proto.WireMessage
	json.Unmarshal(recv.Payload, &m)
	if m.SenderID != "alice" {
		t.Errorf("payload sender = %q, want alice", m.SenderID)
	}
}

func TestCallSignalRelay(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	f, _ := proto.NewFrame(proto.TypeVideoOffer, "bob", proto.SessionDescription{Type: "offer", SDP: "v=0"})
	if err := alice.WriteJSON(f); err != nil {
		t.Fatal(err)
	}

	offer := readFrame(t, bob, proto.TypeVideoOffer)
	if offer.SenderID != "alice" {
		t.Errorf("offer sender = %q, want alice", offer.SenderID)
	}
}

func TestOfferToOfflinePeerEndsCall(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")

	f, _ := proto.NewFrame(proto.TypeVideoOffer, "ghost", proto.SessionDescription{Type: "offer", SDP: "v=0"})
	if err := alice.WriteJSON(f); err != nil {
		t.Fatal(err)
	}

	ended := readFrame(t, alice, proto.TypeCallEnded)
	if ended.SenderID != "ghost" {
		t.Errorf("CALL_ENDED sender = %q, want ghost", ended.SenderID)
	}
}

func TestRESTChatAndHistory(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	sendMessage(t, alice, "bob", "persisted")
	readFrame(t, alice, proto.TypeMessageSent)

	resp, err := http.Get(srv.URL + "/api/chats?user_id=alice")
	if err != nil {
		t.Fatalf("GET chats: %v", err)
	}
	var chats []Chat
	json.NewDecoder(resp.Body).Decode(&chats)
	resp.Body.Close()
	if len(chats) != 1 {
		t.Fatalf("got %d chats, want 1", len(chats))
	}

	resp, err = http.Get(srv.URL + "/api/messages?chat_id=" + chats[0].ID)
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	var page []proto.WireMessage
	json.NewDecoder(resp.Body).Decode(&page)
	resp.Body.Close()
	if len(page) != 1 || page[0].Body != "persisted" {
		t.Errorf("history = %+v", page)
	}
}

func TestRESTMessageReadNotifiesSender(t *testing.T) {
	_, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendMessage(t, alice, "bob", "read me")
	echo := readFrame(t, alice, proto.TypeMessageSent)
	var sent proto.WireMessage
	json.Unmarshal(echo.Payload, &sent)
	readFrame(t, bob, proto.TypeMessageReceived)

	body, _ := json.Marshal(map[string]string{"reader_id": "bob"})
	resp, err := http.Post(srv.URL+"/api/messages/"+sent.ID+"/read", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST read: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	read := readFrame(t, alice, proto.TypeMessageRead)
	var receipt proto.ReadReceipt
	json.Unmarshal(read.Payload, &receipt)
	if receipt.MessageID != sent.ID || receipt.ReaderID != "bob" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestRESTChatReadNotifiesCounterpart(t *testing.T) {
	s, srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendMessage(t, alice, "bob", "unread")
	readFrame(t, alice, proto.TypeMessageSent)
	readFrame(t, bob, proto.TypeMessageReceived)

	chats, _ := s.store.ChatsFor("alice")
	body, _ := json.Marshal(map[string]string{"reader_id": "bob"})
	resp, err := http.Post(srv.URL+"/api/chats/"+chats[0].ID+"/read", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST chat read: %v", err)
	}
	resp.Body.Close()

	read := readFrame(t, alice, proto.TypeChatRead)
	var receipt proto.ReadReceipt
	json.Unmarshal(read.Payload, &receipt)
	if receipt.ConversationID != chats[0].ID || receipt.ReaderID != "bob" {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestProfileRoundtrip(t *testing.T) {
	_, srv := startServer(t)

	body, _ := json.Marshal(Profile{ID: "alice", Display: "Alice"})
	resp, err := http.Post(srv.URL+"/api/profiles", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST profile: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/profiles/alice")
	if err != nil {
		t.Fatalf("GET profile: %v", err)
	}
	var p Profile
	json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()
	if p.Display != "Alice" {
		t.Errorf("display = %q", p.Display)
	}

	resp, _ = http.Get(srv.URL + "/api/profiles/ghost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown profile status = %d, want 404", resp.StatusCode)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	_, srv := startServer(t)
	first := dial(t, srv, "alice")
	second := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	sendMessage(t, bob, "alice", "to the new connection")
	readFrame(t, second, proto.TypeMessageReceived)

	// The replaced connection is closed by the hub.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			return
		}
	}
}
