package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/mheijden/linkup/internal/proto"
)

// Status is the delivery state of a message. It only ever moves forward:
// sent → delivered → seen.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// statusRank orders statuses so transitions can be checked for
// monotonicity. A transition to an equal or lower rank is a no-op.
var statusRank = map[Status]int{
	StatusSent:      0,
	StatusDelivered: 1,
	StatusSeen:      2,
}

// Message is one entry in a conversation log.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status"`
}

// NewOutgoing creates an optimistic outgoing message with status sent,
// before any network confirmation.
func NewOutgoing(conversationID, senderID, body string) *Message {
	return &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now(),
		Status:         StatusSent,
	}
}

// FromWire converts a wire message into a store entry. An empty or unknown
// wire status maps to sent.
func FromWire(w proto.WireMessage) *Message {
	st := Status(w.Status)
	if _, ok := statusRank[st]; !ok {
		st = StatusSent
	}
	return &Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Body:           w.Body,
		CreatedAt:      time.UnixMilli(w.CreatedAt),
		Status:         st,
	}
}

// ToWire converts a store entry to its wire form.
func (m *Message) ToWire() proto.WireMessage {
	return proto.WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		CreatedAt:      m.CreatedAt.UnixMilli(),
		Status:         string(m.Status),
	}
}

// Conversation is a chat list entry derived from the store.
type Conversation struct {
	ID                 string `json:"id"`
	ParticipantID      string `json:"participant_id"`
	ParticipantDisplay string `json:"participant_display"`
	LastMessagePreview string `json:"last_message_preview"`
	UnseenCount        int    `json:"unseen_count"`
}
