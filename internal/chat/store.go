// Package chat maintains the per-conversation message logs and the
// seen-acknowledgment boundary for the open conversation.
package chat

import (
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mheijden/linkup/internal/util"
)

var log = logging.Logger("chat")

const previewLen = 48

// Store owns the ordered, append-only message log of every conversation
// and applies delivery-state transitions idempotently. It is the single
// writer for message ordering and status; observers read snapshots.
type Store struct {
	selfID string

	mu        sync.RWMutex
	convs     map[string]*conversation
	listeners map[chan string]struct{}
}

type conversation struct {
	id                 string
	participantID      string
	participantDisplay string
	msgs               []*Message
	index              map[string]*Message
}

// NewStore creates an empty store for the given local identity.
func NewStore(selfID string) *Store {
	return &Store{
		selfID:    selfID,
		convs:     make(map[string]*conversation),
		listeners: make(map[chan string]struct{}),
	}
}

// SelfID returns the local identity the store was created for.
func (s *Store) SelfID() string { return s.selfID }

// EnsureConversation registers a conversation and its counterpart so it
// shows up in the chat list even before any message arrives.
func (s *Store) EnsureConversation(id, participantID, participantDisplay string) {
	s.mu.Lock()
	c := s.ensureLocked(id)
	if participantID != "" {
		c.participantID = participantID
	}
	if participantDisplay != "" {
		c.participantDisplay = participantDisplay
	}
	s.mu.Unlock()
}

func (s *Store) ensureLocked(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{id: id, index: make(map[string]*Message)}
		s.convs[id] = c
	}
	return c
}

// AppendIncoming inserts an inbound message at its timestamp position.
// A message whose id is already present is ignored, so duplicate delivery
// is harmless. Returns true when the message was actually inserted.
func (s *Store) AppendIncoming(conversationID string, msg *Message) bool {
	s.mu.Lock()
	c := s.ensureLocked(conversationID)
	if _, dup := c.index[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if c.participantID == "" && msg.SenderID != s.selfID {
		c.participantID = msg.SenderID
	}
	c.insert(msg)
	s.mu.Unlock()

	s.notify(conversationID)
	return true
}

// AppendOutgoing creates an optimistic message with status sent and
// appends it immediately, before any network confirmation.
func (s *Store) AppendOutgoing(conversationID, body string) *Message {
	msg := NewOutgoing(conversationID, s.selfID, body)

	s.mu.Lock()
	c := s.ensureLocked(conversationID)
	c.insert(msg)
	s.mu.Unlock()

	s.notify(conversationID)
	return msg
}

// insert places msg by created_at ascending. Walking back from the tail
// and stopping at the first entry not after msg keeps insertion order for
// equal timestamps (stable, no secondary sort key).
func (c *conversation) insert(msg *Message) {
	pos := len(c.msgs)
	for pos > 0 && c.msgs[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	c.msgs = append(c.msgs, nil)
	copy(c.msgs[pos+1:], c.msgs[pos:])
	c.msgs[pos] = msg
	c.index[msg.ID] = msg
}

// MarkDelivered advances a message to delivered. Backward transitions and
// unknown ids are no-ops, never errors.
func (s *Store) MarkDelivered(conversationID, messageID string) bool {
	return s.advance(conversationID, messageID, StatusDelivered)
}

// MarkSeen advances a message to seen. Backward transitions and unknown
// ids are no-ops, never errors.
func (s *Store) MarkSeen(conversationID, messageID string) bool {
	return s.advance(conversationID, messageID, StatusSeen)
}

func (s *Store) advance(conversationID, messageID string, target Status) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	msg, ok := c.index[messageID]
	if !ok || statusRank[target] <= statusRank[msg.Status] {
		s.mu.Unlock()
		return false
	}
	msg.Status = target
	s.mu.Unlock()

	s.notify(conversationID)
	return true
}

// MarkChatSeen advances every message we sent in the conversation to seen.
// Applied when the counterpart reports it read the whole chat.
func (s *Store) MarkChatSeen(conversationID string) int {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	n := 0
	for _, msg := range c.msgs {
		if msg.SenderID == s.selfID && statusRank[msg.Status] < statusRank[StatusSeen] {
			msg.Status = StatusSeen
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.notify(conversationID)
	}
	return n
}

// PrependHistoryPage inserts a contiguous page of older messages at the
// head, preserving the page's own order and skipping ids already present.
// An empty page is the caller's signal that no more history exists; it is
// a no-op here.
func (s *Store) PrependHistoryPage(conversationID string, older []*Message) int {
	if len(older) == 0 {
		return 0
	}

	s.mu.Lock()
	c := s.ensureLocked(conversationID)
	fresh := make([]*Message, 0, len(older))
	for _, msg := range older {
		if _, dup := c.index[msg.ID]; dup {
			continue
		}
		fresh = append(fresh, msg)
		c.index[msg.ID] = msg
	}
	if len(fresh) > 0 {
		c.msgs = append(fresh, c.msgs...)
	}
	n := len(fresh)
	s.mu.Unlock()

	if n > 0 {
		s.notify(conversationID)
	}
	return n
}

// Messages returns a snapshot of the conversation log, oldest first.
func (s *Store) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*Message, len(c.msgs))
	for i, msg := range c.msgs {
		cp := *msg
		out[i] = &cp
	}
	return out
}

// OldestTimestamp returns the created_at of the first message, for history
// pagination. ok is false when the log is empty.
func (s *Store) OldestTimestamp(conversationID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[conversationID]
	if !ok || len(c.msgs) == 0 {
		return 0, false
	}
	return c.msgs[0].CreatedAt.UnixMilli(), true
}

// Conversations returns the chat list: one entry per conversation with the
// last message preview and the count of inbound messages not yet seen.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		entry := Conversation{
			ID:                 c.id,
			ParticipantID:      c.participantID,
			ParticipantDisplay: c.participantDisplay,
		}
		if n := len(c.msgs); n > 0 {
			entry.LastMessagePreview = util.Preview(c.msgs[n-1].Body, previewLen)
		}
		for _, msg := range c.msgs {
			if msg.SenderID != s.selfID && msg.Status != StatusSeen {
				entry.UnseenCount++
			}
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel receiving the id of each updated
// conversation. Slow subscribers miss notifications rather than block the
// store.
func (s *Store) Subscribe() chan string {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Store) Unsubscribe(ch chan string) {
	s.mu.Lock()
	if _, ok := s.listeners[ch]; ok {
		delete(s.listeners, ch)
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Store) notify(conversationID string) {
	s.mu.RLock()
	for ch := range s.listeners {
		select {
		case ch <- conversationID:
		default:
			// Listener buffer full, skip
		}
	}
	s.mu.RUnlock()
}
