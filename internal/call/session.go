package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mheijden/linkup/internal/proto"
)

// Session is one call with one remote peer, from first offer to terminal
// state. Remote ICE candidates arriving before the remote description are
// buffered and flushed once it is set.
type Session struct {
	peerID string
	selfID string
	sig    Signaler

	mu        sync.Mutex
	state     State
	pc        *webrtc.PeerConnection
	media     *MediaSession
	offer     *webrtc.SessionDescription // remote offer, callee side only
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	deadline  *time.Timer

	onState func(peerID string, st State)
}

func newSession(peerID, selfID string, sig Signaler, onState func(string, State)) *Session {
	return &Session{
		peerID:  peerID,
		selfID:  selfID,
		sig:     sig,
		state:   StateIdle,
		onState: onState,
	}
}

// PeerID returns the remote identity of this call.
func (s *Session) PeerID() string { return s.peerID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Media returns the local capture session, nil before attach.
func (s *Session) Media() *MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// setState moves to st unless the session is already terminal. The state
// observer fires outside the lock.
func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	fn := s.onState
	s.mu.Unlock()

	log.Debugf("call with %s: %s", s.peerID, st)
	if fn != nil {
		fn(s.peerID, st)
	}
}

// attachPC wires the PeerConnection into the session: local candidates go
// out as ICE_CANDIDATE frames, connection state drives connected/failed.
func (s *Session) attachPC(pc *webrtc.PeerConnection, media *MediaSession) {
	s.mu.Lock()
	s.pc = pc
	s.media = media
	s.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		f, err := proto.NewFrame(proto.TypeICECandidate, s.peerID, proto.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
		if err != nil {
			log.Warnf("encode candidate: %v", err)
			return
		}
		f.SenderID = s.selfID
		_ = s.sig.Send(f)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("remote %s track from %s", track.Kind(), s.peerID)
		if media != nil {
			media.addRemoteTrack(track)
		}
		// First remote media means the call is up even if the ICE state
		// callback lags behind.
		s.cancelDeadline()
		s.setState(StateConnected)

		// Drain so the receive buffers never back up.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("call with %s: peer connection %s", s.peerID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.cancelDeadline()
			s.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			s.fail("peer connection failed")
		}
	})
}

// armDeadline fails the session unless it reaches connected within d.
func (s *Session) armDeadline(d time.Duration) {
	s.mu.Lock()
	if s.deadline != nil {
		s.deadline.Stop()
	}
	s.deadline = time.AfterFunc(d, func() {
		s.fail("negotiation deadline expired")
	})
	s.mu.Unlock()
}

func (s *Session) cancelDeadline() {
	s.mu.Lock()
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
	s.mu.Unlock()
}

// setRemoteDescription applies the remote SDP and flushes any candidates
// buffered while it was missing.
func (s *Session) setRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return ErrNoCall
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range buffered {
		if err := pc.AddICECandidate(init); err != nil {
			log.Warnf("add buffered candidate: %v", err)
		}
	}
	if len(buffered) > 0 {
		log.Debugf("flushed %d buffered candidates for %s", len(buffered), s.peerID)
	}
	return nil
}

// addRemoteCandidate applies a remote candidate, buffering it when the
// remote description has not been set yet.
func (s *Session) addRemoteCandidate(init webrtc.ICECandidateInit) {
	s.mu.Lock()
	if !s.remoteSet || s.pc == nil {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Warnf("add candidate from %s: %v", s.peerID, err)
	}
}

// fail moves the session to the failed terminal state and tears it down.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Warnf("call with %s failed: %s", s.peerID, reason)
	s.cancelDeadline()
	s.teardown()
	s.setState(StateFailed)
}

// end moves the session to the ended terminal state. With notifyPeer set a
// CALL_ENDED frame goes out first. Idempotent.
func (s *Session) end(notifyPeer bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if notifyPeer {
		if f, err := proto.NewFrame(proto.TypeCallEnded, s.peerID, nil); err == nil {
			f.SenderID = s.selfID
			_ = s.sig.Send(f)
		}
	}
	s.cancelDeadline()
	s.teardown()
	s.setState(StateEnded)
}

func (s *Session) teardown() {
	s.mu.Lock()
	pc := s.pc
	media := s.media
	s.pc = nil
	s.pending = nil
	s.mu.Unlock()

	if media != nil {
		media.Teardown()
	}
	if pc != nil {
		_ = pc.Close()
	}
}
