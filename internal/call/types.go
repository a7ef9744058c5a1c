// Package call negotiates one-to-one WebRTC calls over the realtime
// channel using Pion. Coupling to the rest of the agent is via the
// Signaler interface only.
package call

import (
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mheijden/linkup/internal/proto"
)

var log = logging.Logger("call")

// State is the lifecycle phase of a call. failed and ended are both
// terminal; failed means negotiation broke down or a deadline expired,
// ended means a clean local or remote hangup.
type State string

const (
	StateIdle          State = "idle"
	StateOfferSent     State = "outgoing_offer_sent"
	StateOfferReceived State = "incoming_offer_received"
	StateAnswerSent    State = "answer_sent"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateEnded         State = "ended"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool { return s == StateFailed || s == StateEnded }

// Signaler is the only surface the call package needs from the realtime
// layer. realtime.Manager satisfies it directly.
type Signaler interface {
	Send(f *proto.Frame) error
}

// Options tunes call setup.
type Options struct {
	// SelfID is stamped as the sender on every outbound signaling frame.
	SelfID      string
	STUNServers []string

	// CaptureTimeout bounds local device capture plus PeerConnection setup.
	CaptureTimeout time.Duration

	// NegotiationTimeout bounds the whole offer/answer/ICE exchange; expiry
	// before the connection is up moves the call to failed.
	NegotiationTimeout time.Duration
}

func (o *Options) normalize() {
	if o.CaptureTimeout <= 0 {
		o.CaptureTimeout = 10 * time.Second
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 30 * time.Second
	}
	if len(o.STUNServers) == 0 {
		o.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
}

// IncomingCall is handed to OnIncoming handlers when a remote offer
// arrives. Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	PeerID string
	Accept func() error
	Reject func()
}

var (
	// ErrBusy is returned when a call is already in progress.
	ErrBusy = errors.New("call already in progress")

	// ErrNoCall is returned for operations that need an active call.
	ErrNoCall = errors.New("no active call")

	// ErrNoMicrophone and ErrNoCamera are returned by the mute toggles when
	// the corresponding local track was never captured.
	ErrNoMicrophone = errors.New("no local microphone track")
	ErrNoCamera     = errors.New("no local camera track")
)
