package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mheijden/linkup/internal/proto"
)

const defaultPageSize = 50

// Server relays realtime frames between connected identities and serves
// the request/response endpoints. Messages to offline receivers stay in
// the store and flush when the receiver connects.
type Server struct {
	store    *Store
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	httpSrv *http.Server
}

type client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	out    chan []byte
	closed bool
}

// send queues a frame for the write pump. Returns false when the client
// is closed or its buffer is full.
func (c *client) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.out)
	c.mu.Unlock()
	_ = c.conn.Close()
}

// NewServer creates a Server on top of the store.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Handler returns the full route table: the websocket endpoint plus the
// REST API the agents' backend client consumes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats", s.handleEnsureChat)
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("POST /api/chats/{id}/read", s.handleChatRead)
	mux.HandleFunc("POST /api/messages/{id}/read", s.handleMessageRead)
	mux.HandleFunc("GET /api/profiles/{id}", s.handleGetProfile)
	mux.HandleFunc("POST /api/profiles", s.handlePutProfile)
	return mux
}

// Run serves until Shutdown or a listener error.
func (s *Server) Run(listen string) error {
	s.httpSrv = &http.Server{Addr: listen, Handler: s.Handler()}
	log.Infof("listening on %s", listen)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*client)
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ── Websocket relay ──

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "missing identity", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}

	c := &client{id: identity, conn: conn, out: make(chan []byte, 64)}
	s.register(c)
	go c.writePump()

	log.Infof("%s connected", identity)
	s.flushPending(c)
	s.readLoop(c)

	s.unregister(c)
	log.Infof("%s disconnected", identity)
}

func (c *client) writePump() {
	for data := range c.out {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// register installs the client, replacing any previous connection with the
// same identity.
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()
	if old != nil {
		log.Infof("%s reconnected, dropping previous connection", c.id)
		old.close()
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	c.close()
}

// forward sends a frame to the receiver identity. Returns false when the
// receiver is not connected or its buffer is full.
func (s *Server) forward(receiverID string, f *proto.Frame) bool {
	s.mu.RLock()
	c := s.clients[receiverID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}

	data, err := json.Marshal(f)
	if err != nil {
		log.Warnf("encode %s frame: %v", f.EventType, err)
		return false
	}
	if !c.send(data) {
		log.Warnf("%s unreachable, dropping %s frame", receiverID, f.EventType)
		return false
	}
	return true
}

// flushPending delivers every stored message addressed to the client and
// tells the senders about the delivery.
func (s *Server) flushPending(c *client) {
	pending, err := s.store.PendingFor(c.id)
	if err != nil {
		log.Errorf("load pending for %s: %v", c.id, err)
		return
	}
	if len(pending) == 0 {
		return
	}
	log.Infof("flushing %d pending messages to %s", len(pending), c.id)

	for _, m := range pending {
		f, err := proto.NewFrame(proto.TypeMessageReceived, c.id, m)
		if err != nil {
			continue
		}
		f.SenderID = m.SenderID
		if !s.forward(c.id, f) {
			return
		}
		if err := s.store.MarkDelivered(m.ID); err != nil {
			log.Errorf("mark %s delivered: %v", m.ID, err)
		}
		s.notifyDelivered(m)
	}
}

// notifyDelivered sends a delivery receipt to the original sender, when
// connected.
func (s *Server) notifyDelivered(m proto.WireMessage) {
	f, err := proto.NewFrame(proto.TypeMessageDelivered, m.SenderID, proto.DeliveryReceipt{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
	})
	if err != nil {
		return
	}
	s.forward(m.SenderID, f)
}

func (s *Server) readLoop(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var f proto.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warnf("%s sent undecodable frame: %v", c.id, err)
			continue
		}
		// The hub is authoritative for the sender identity.
		f.SenderID = c.id

		switch f.EventType {
		case proto.TypeSendMessage:
			s.handleSendMessage(c, &f)
		case proto.TypeChatRead:
			s.relayChatRead(c, &f)
		case proto.TypeMessageRead:
			s.relayMessageRead(c, &f)
		case proto.TypeVideoOffer:
			if !s.forward(f.ReceiverID, &f) {
				// Unreachable callee; end the call attempt right away.
				if reply, err := proto.NewFrame(proto.TypeCallEnded, c.id, nil); err == nil {
					reply.SenderID = f.ReceiverID
					s.forward(c.id, reply)
				}
			}
		case proto.TypeVideoAnswer, proto.TypeICECandidate, proto.TypeCallEnded:
			s.forward(f.ReceiverID, &f)
		default:
			log.Warnf("%s sent unknown event_type %q", c.id, f.EventType)
		}
	}
}

// handleSendMessage persists the message with the authoritative timestamp,
// echoes it back to the sender and delivers it when the receiver is online.
func (s *Server) handleSendMessage(c *client, f *proto.Frame) {
	var m proto.WireMessage
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		log.Warnf("%s sent bad message payload: %v", c.id, err)
		return
	}
	if f.ReceiverID == "" {
		log.Warnf("%s sent message without receiver", c.id)
		return
	}

	chat, err := s.store.EnsureChat(c.id, f.ReceiverID)
	if err != nil {
		log.Errorf("ensure chat %s/%s: %v", c.id, f.ReceiverID, err)
		return
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.ConversationID = chat.ID
	m.SenderID = c.id
	m.CreatedAt = proto.NowMillis()
	m.Status = "sent"

	if err := s.store.SaveMessage(m, f.ReceiverID); err != nil {
		log.Errorf("save message %s: %v", m.ID, err)
		return
	}

	// Echo with the authoritative record so the sender reconciles its
	// optimistic entry.
	if echo, err := proto.NewFrame(proto.TypeMessageSent, c.id, m); err == nil {
		s.forward(c.id, echo)
	}

	fwd, err := proto.NewFrame(proto.TypeMessageReceived, f.ReceiverID, m)
	if err != nil {
		return
	}
	fwd.SenderID = c.id
	if s.forward(f.ReceiverID, fwd) {
		if err := s.store.MarkDelivered(m.ID); err != nil {
			log.Errorf("mark %s delivered: %v", m.ID, err)
		}
		s.notifyDelivered(m)
	}
}

func (s *Server) relayChatRead(c *client, f *proto.Frame) {
	var r proto.ReadReceipt
	if err := json.Unmarshal(f.Payload, &r); err != nil {
		log.Warnf("%s sent bad read receipt: %v", c.id, err)
		return
	}
	if _, err := s.store.MarkChatRead(r.ConversationID, c.id); err != nil {
		log.Errorf("mark chat %s read: %v", r.ConversationID, err)
	}
	s.forward(f.ReceiverID, f)
}

func (s *Server) relayMessageRead(c *client, f *proto.Frame) {
	var r proto.ReadReceipt
	if err := json.Unmarshal(f.Payload, &r); err != nil {
		log.Warnf("%s sent bad read receipt: %v", c.id, err)
		return
	}
	if err := s.store.MarkMessageRead(r.MessageID); err != nil {
		log.Errorf("mark message %s read: %v", r.MessageID, err)
	}
	s.forward(f.ReceiverID, f)
}

// ── REST API ──

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	chats, err := s.store.ChatsFor(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleEnsureChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserA string `json:"user_a"`
		UserB string `json:"user_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserA == "" || body.UserB == "" {
		http.Error(w, "need user_a and user_b", http.StatusBadRequest)
		return
	}
	chat, err := s.store.EnsureChat(body.UserA, body.UserB)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		http.Error(w, "missing chat_id", http.StatusBadRequest)
		return
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > 500 {
		limit = 500
	}

	page, err := s.store.MessagesBefore(chatID, before, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if page == nil {
		page = []proto.WireMessage{}
	}
	writeJSON(w, http.StatusOK, page)
}

// handleChatRead marks every message the reader received in the chat as
// seen and notifies the other participant over the realtime channel.
func (s *Server) handleChatRead(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	var body struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ReaderID == "" {
		http.Error(w, "need reader_id", http.StatusBadRequest)
		return
	}

	chat, ok := s.store.ChatByID(chatID)
	if !ok {
		http.Error(w, "unknown chat", http.StatusNotFound)
		return
	}
	n, err := s.store.MarkChatRead(chatID, body.ReaderID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	other := chat.UserA
	if other == body.ReaderID {
		other = chat.UserB
	}
	if f, err := proto.NewFrame(proto.TypeChatRead, other, proto.ReadReceipt{
		ConversationID: chatID,
		ReaderID:       body.ReaderID,
	}); err == nil {
		f.SenderID = body.ReaderID
		s.forward(other, f)
	}

	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// handleMessageRead marks one message as seen and notifies its sender.
func (s *Server) handleMessageRead(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")
	var body struct {
		ReaderID string `json:"reader_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ReaderID == "" {
		http.Error(w, "need reader_id", http.StatusBadRequest)
		return
	}

	m, _, ok := s.store.MessageByID(messageID)
	if !ok {
		http.Error(w, "unknown message", http.StatusNotFound)
		return
	}
	if err := s.store.MarkMessageRead(messageID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if f, err := proto.NewFrame(proto.TypeMessageRead, m.SenderID, proto.ReadReceipt{
		ConversationID: m.ConversationID,
		MessageID:      messageID,
		ReaderID:       body.ReaderID,
	}); err == nil {
		f.SenderID = body.ReaderID
		s.forward(m.SenderID, f)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.store.GetProfile(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown profile", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var p Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ID == "" {
		http.Error(w, "need id", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertProfile(p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
