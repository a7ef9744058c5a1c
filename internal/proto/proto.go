// Package proto defines the wire frames exchanged over the realtime channel
// and the typed events they decode into. Wire format: JSON text frames with
// an event_type discriminator, one frame per websocket message.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame event types (wire values).
const (
	TypeSendMessage      = "SEND_MESSAGE"
	TypeMessageReceived  = "NEW_MESSAGE_RECEIVED"
	TypeMessageDelivered = "NEW_MESSAGE_DELIVERED"
	TypeMessageSent      = "NEW_MESSAGE_SENT"
	TypeChatRead         = "CHAT_MESSAGES_READ"
	TypeMessageRead      = "MESSAGE_READ"
	TypeVideoOffer       = "VIDEO_OFFER"
	TypeVideoAnswer      = "VIDEO_ANSWER"
	TypeICECandidate     = "ICE_CANDIDATE"
	TypeCallEnded        = "CALL_ENDED"
)

// Frame is the envelope for every realtime message. SenderID is stamped by
// the hub on inbound frames; ReceiverID routes outbound frames.
type Frame struct {
	EventType  string          `json:"event_type"`
	SenderID   string          `json:"sender_id,omitempty"`
	ReceiverID string          `json:"receiver_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds an outbound frame with the payload marshalled in place.
func NewFrame(eventType, receiverID string, payload any) (*Frame, error) {
	f := &Frame{EventType: eventType, ReceiverID: receiverID}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		f.Payload = b
	}
	return f, nil
}

// WireMessage is the chat message payload carried by SEND_MESSAGE,
// NEW_MESSAGE_RECEIVED and NEW_MESSAGE_SENT frames.
type WireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"` // unix millis
	Status         string `json:"status,omitempty"`
}

// DeliveryReceipt is the payload of NEW_MESSAGE_DELIVERED.
type DeliveryReceipt struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

// ReadReceipt is the payload of CHAT_MESSAGES_READ and MESSAGE_READ.
// MessageID is empty for whole-chat receipts.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ReaderID       string `json:"reader_id"`
}

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// Candidate is a discovered ICE network path descriptor.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Event is the decoded, typed form of an inbound frame. Each variant
// corresponds to one event_type value; dispatch is a single exhaustive
// switch rather than callbacks keyed by raw strings.
type Event interface {
	// EventType returns the wire discriminator of this event.
	EventType() string
}

// MessageReceived — an inbound chat message for this identity.
type MessageReceived struct {
	From    string
	Message WireMessage
}

// MessageDelivered — a previously sent message reached its receiver.
type MessageDelivered struct {
	From    string
	Receipt DeliveryReceipt
}

// MessageSent — the hub's echo confirming a SEND_MESSAGE, carrying the
// authoritative timestamp.
type MessageSent struct {
	Message WireMessage
}

// ChatRead — the counterpart opened the conversation and read everything.
type ChatRead struct {
	From    string
	Receipt ReadReceipt
}

// MessageRead — the counterpart read one specific message.
type MessageRead struct {
	From    string
	Receipt ReadReceipt
}

// VideoOffer — a remote peer wants to start a call.
type VideoOffer struct {
	From string
	SDP  SessionDescription
}

// VideoAnswer — the remote peer answered our offer.
type VideoAnswer struct {
	From string
	SDP  SessionDescription
}

// ICECandidate — a network path descriptor from the remote peer.
type ICECandidate struct {
	From      string
	Candidate Candidate
}

// CallEnded — the remote peer hung up or rejected.
type CallEnded struct {
	From string
}

func (MessageReceived) EventType() string  { return TypeMessageReceived }
func (MessageDelivered) EventType() string { return TypeMessageDelivered }
func (MessageSent) EventType() string      { return TypeMessageSent }
func (ChatRead) EventType() string         { return TypeChatRead }
func (MessageRead) EventType() string      { return TypeMessageRead }
func (VideoOffer) EventType() string       { return TypeVideoOffer }
func (VideoAnswer) EventType() string      { return TypeVideoAnswer }
func (ICECandidate) EventType() string     { return TypeICECandidate }
func (CallEnded) EventType() string        { return TypeCallEnded }

// Decode parses one raw websocket frame into its typed event.
func Decode(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return DecodeFrame(&f)
}

// DecodeFrame converts an envelope into its typed event.
func DecodeFrame(f *Frame) (Event, error) {
	switch f.EventType {
	case TypeMessageReceived:
		var m WireMessage
		if err := unmarshalPayload(f, &m); err != nil {
			return nil, err
		}
		return MessageReceived{From: f.SenderID, Message: m}, nil
	case TypeMessageDelivered:
		var r DeliveryReceipt
		if err := unmarshalPayload(f, &r); err != nil {
			return nil, err
		}
		return MessageDelivered{From: f.SenderID, Receipt: r}, nil
	case TypeMessageSent:
		var m WireMessage
		if err := unmarshalPayload(f, &m); err != nil {
			return nil, err
		}
		return MessageSent{Message: m}, nil
	case TypeChatRead:
		var r ReadReceipt
		if err := unmarshalPayload(f, &r); err != nil {
			return nil, err
		}
		return ChatRead{From: f.SenderID, Receipt: r}, nil
	case TypeMessageRead:
		var r ReadReceipt
		if err := unmarshalPayload(f, &r); err != nil {
			return nil, err
		}
		return MessageRead{From: f.SenderID, Receipt: r}, nil
	case TypeVideoOffer:
		var s SessionDescription
		if err := unmarshalPayload(f, &s); err != nil {
			return nil, err
		}
		return VideoOffer{From: f.SenderID, SDP: s}, nil
	case TypeVideoAnswer:
		var s SessionDescription
		if err := unmarshalPayload(f, &s); err != nil {
			return nil, err
		}
		return VideoAnswer{From: f.SenderID, SDP: s}, nil
	case TypeICECandidate:
		var c Candidate
		if err := unmarshalPayload(f, &c); err != nil {
			return nil, err
		}
		return ICECandidate{From: f.SenderID, Candidate: c}, nil
	case TypeCallEnded:
		return CallEnded{From: f.SenderID}, nil
	default:
		return nil, fmt.Errorf("unknown event_type %q", f.EventType)
	}
}

func unmarshalPayload(f *Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", f.EventType)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", f.EventType, err)
	}
	return nil
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }
