package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mheijden/linkup/internal/proto"
)

// Manager runs at most one call at a time and bridges realtime signaling
// frames to the active session. It is handed a Signaler at construction;
// there is no package-level instance.
type Manager struct {
	sig  Signaler
	opts Options

	// newPC builds the PeerConnection and captures local media. Swapped in
	// tests to avoid touching real devices.
	newPC func(Options) (*webrtc.PeerConnection, *MediaSession, error)

	mu   sync.Mutex
	sess *Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	stateMu   sync.RWMutex
	observers []func(peerID string, st State)
}

// New creates a call Manager attached to sig.
func New(sig Signaler, opts Options) *Manager {
	opts.normalize()
	return &Manager{
		sig:   sig,
		opts:  opts,
		newPC: newMediaPC,
	}
}

// OnIncoming registers a handler fired for each inbound offer. Register
// before wiring HandleEvent into the realtime dispatch.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// OnState registers an observer for call state transitions.
func (m *Manager) OnState(fn func(peerID string, st State)) {
	m.stateMu.Lock()
	m.observers = append(m.observers, fn)
	m.stateMu.Unlock()
}

func (m *Manager) notifyState(peerID string, st State) {
	m.stateMu.RLock()
	observers := make([]func(string, State), len(m.observers))
	copy(observers, m.observers)
	m.stateMu.RUnlock()
	for _, fn := range observers {
		fn(peerID, st)
	}
}

// State returns the phase of the current call, StateIdle when none exists.
func (m *Manager) State() State {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	return sess.State()
}

// Peer returns the remote identity of the current call, empty when idle.
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State().Terminal() {
		return ""
	}
	return m.sess.peerID
}

// Start places an outbound call to peerID: capture local media, send the
// offer, then wait for the answer and ICE to converge. Returns ErrBusy
// when a call is already active.
func (m *Manager) Start(peerID string) error {
	m.mu.Lock()
	if m.sess != nil && !m.sess.State().Terminal() {
		m.mu.Unlock()
		return ErrBusy
	}
	sess := newSession(peerID, m.opts.SelfID, m.sig, m.notifyState)
	m.sess = sess
	m.mu.Unlock()

	pc, media, err := m.capture()
	if err != nil {
		sess.fail("media setup: " + err.Error())
		return err
	}
	sess.attachPC(pc, media)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		sess.fail("create offer: " + err.Error())
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		sess.fail("set local description: " + err.Error())
		return err
	}

	f, err := proto.NewFrame(proto.TypeVideoOffer, peerID, proto.SessionDescription{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	})
	if err != nil {
		sess.fail("encode offer: " + err.Error())
		return err
	}
	f.SenderID = m.opts.SelfID
	if err := m.sig.Send(f); err != nil {
		sess.fail("send offer: " + err.Error())
		return err
	}

	sess.setState(StateOfferSent)
	sess.armDeadline(m.opts.NegotiationTimeout)
	log.Infof("calling %s", peerID)
	return nil
}

// HandleEvent routes one inbound realtime event. Events that are not call
// signaling are ignored.
func (m *Manager) HandleEvent(ev proto.Event) {
	switch ev := ev.(type) {
	case proto.VideoOffer:
		m.handleOffer(ev)
	case proto.VideoAnswer:
		m.handleAnswer(ev)
	case proto.ICECandidate:
		m.handleCandidate(ev)
	case proto.CallEnded:
		m.handleRemoteEnd(ev)
	}
}

// handleOffer surfaces a new inbound call, or rejects it with CALL_ENDED
// when another call is already in progress. The current call is never
// disturbed by a competing offer.
func (m *Manager) handleOffer(ev proto.VideoOffer) {
	m.mu.Lock()
	if m.sess != nil && !m.sess.State().Terminal() {
		m.mu.Unlock()
		log.Infof("busy, rejecting offer from %s", ev.From)
		if f, err := proto.NewFrame(proto.TypeCallEnded, ev.From, nil); err == nil {
			f.SenderID = m.opts.SelfID
			_ = m.sig.Send(f)
		}
		return
	}
	sess := newSession(ev.From, m.opts.SelfID, m.sig, m.notifyState)
	sess.offer = &webrtc.SessionDescription{
		Type: webrtc.NewSDPType(ev.SDP.Type),
		SDP:  ev.SDP.SDP,
	}
	sess.state = StateOfferReceived
	m.sess = sess
	m.mu.Unlock()

	m.notifyState(ev.From, StateOfferReceived)
	sess.armDeadline(m.opts.NegotiationTimeout)
	log.Infof("incoming call from %s", ev.From)

	ic := &IncomingCall{
		PeerID: ev.From,
		Accept: func() error { return m.accept(sess) },
		Reject: func() { sess.end(true) },
	}
	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	if len(handlers) == 0 {
		log.Warnf("no incoming-call handler registered, offer from %s will time out", ev.From)
	}
	for _, fn := range handlers {
		fn(ic)
	}
}

// accept answers a previously received offer: capture local media, apply
// the remote description, send the answer back.
func (m *Manager) accept(sess *Session) error {
	if sess.State() != StateOfferReceived {
		return ErrNoCall
	}

	pc, media, err := m.capture()
	if err != nil {
		sess.fail("media setup: " + err.Error())
		return err
	}
	sess.attachPC(pc, media)

	if err := sess.setRemoteDescription(*sess.offer); err != nil {
		sess.fail("set remote description: " + err.Error())
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		sess.fail("create answer: " + err.Error())
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		sess.fail("set local description: " + err.Error())
		return err
	}

	f, err := proto.NewFrame(proto.TypeVideoAnswer, sess.peerID, proto.SessionDescription{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
	if err != nil {
		sess.fail("encode answer: " + err.Error())
		return err
	}
	f.SenderID = m.opts.SelfID
	if err := m.sig.Send(f); err != nil {
		sess.fail("send answer: " + err.Error())
		return err
	}

	sess.setState(StateAnswerSent)
	log.Infof("answered call from %s", sess.peerID)
	return nil
}

// handleAnswer applies the remote answer to the pending outbound call.
// Answers from an unexpected peer or with no offer outstanding are logged
// and dropped.
func (m *Manager) handleAnswer(ev proto.VideoAnswer) {
	sess := m.current(ev.From)
	if sess == nil || sess.State() != StateOfferSent {
		log.Warnf("unmatched answer from %s, ignoring", ev.From)
		return
	}
	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(ev.SDP.Type),
		SDP:  ev.SDP.SDP,
	}
	if err := sess.setRemoteDescription(desc); err != nil {
		sess.fail("set remote description: " + err.Error())
	}
}

func (m *Manager) handleCandidate(ev proto.ICECandidate) {
	sess := m.current(ev.From)
	if sess == nil {
		log.Debugf("candidate from %s with no active call, dropping", ev.From)
		return
	}
	sess.addRemoteCandidate(webrtc.ICECandidateInit{
		Candidate:     ev.Candidate.Candidate,
		SDPMid:        ev.Candidate.SDPMid,
		SDPMLineIndex: ev.Candidate.SDPMLineIndex,
	})
}

func (m *Manager) handleRemoteEnd(ev proto.CallEnded) {
	sess := m.current(ev.From)
	if sess == nil {
		return
	}
	log.Infof("call ended by %s", ev.From)
	sess.end(false)
}

// current returns the active session when it belongs to peerID.
func (m *Manager) current(peerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State().Terminal() || m.sess.peerID != peerID {
		return nil
	}
	return m.sess
}

// Hangup ends the current call and notifies the peer. Idempotent; without
// an active call it returns ErrNoCall.
func (m *Manager) Hangup() error {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil || sess.State().Terminal() {
		return ErrNoCall
	}
	sess.end(true)
	return nil
}

// ToggleMicrophone flips the outgoing audio of the current call. Returns
// the new muted state.
func (m *Manager) ToggleMicrophone() (bool, error) {
	media := m.activeMedia()
	if media == nil {
		return false, ErrNoCall
	}
	return media.ToggleMicrophone()
}

// ToggleCamera flips the outgoing video of the current call. Returns the
// new disabled state.
func (m *Manager) ToggleCamera() (bool, error) {
	media := m.activeMedia()
	if media == nil {
		return false, ErrNoCall
	}
	return media.ToggleCamera()
}

// RemoteMediaKinds lists the track kinds received from the peer so far
// ("audio", "video"), empty when no call is active.
func (m *Manager) RemoteMediaKinds() []string {
	media := m.activeMedia()
	if media == nil {
		return nil
	}
	var kinds []string
	for _, t := range media.RemoteTracks() {
		kinds = append(kinds, t.Kind().String())
	}
	return kinds
}

func (m *Manager) activeMedia() *MediaSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.State().Terminal() {
		return nil
	}
	return m.sess.Media()
}

// Close hangs up any active call.
func (m *Manager) Close() {
	_ = m.Hangup()
}

// capture runs media setup under the capture deadline. A late result is
// torn down in the background so devices do not leak.
func (m *Manager) capture() (*webrtc.PeerConnection, *MediaSession, error) {
	type result struct {
		pc    *webrtc.PeerConnection
		media *MediaSession
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		pc, media, err := m.newPC(m.opts)
		ch <- result{pc, media, err}
	}()

	select {
	case r := <-ch:
		return r.pc, r.media, r.err
	case <-time.After(m.opts.CaptureTimeout):
		go func() {
			r := <-ch
			if r.media != nil {
				r.media.Teardown()
			}
			if r.pc != nil {
				_ = r.pc.Close()
			}
		}()
		return nil, nil, fmt.Errorf("media capture timed out after %s", m.opts.CaptureTimeout)
	}
}
