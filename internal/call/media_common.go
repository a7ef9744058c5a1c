package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MediaSession owns the local capture tracks of one call and the RTP
// senders they feed. Mute toggles swap the sender's track against nil so
// the transceiver (and the negotiated SDP) stays intact.
type MediaSession struct {
	mu sync.Mutex

	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	micMuted bool
	camOff   bool

	remoteTracks []*webrtc.TrackRemote

	stopTracks func()
	torn       bool
}

// RemoteTracks returns the remote media tracks received so far.
func (m *MediaSession) RemoteTracks() []*webrtc.TrackRemote {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*webrtc.TrackRemote, len(m.remoteTracks))
	copy(out, m.remoteTracks)
	return out
}

func (m *MediaSession) addRemoteTrack(t *webrtc.TrackRemote) {
	m.mu.Lock()
	if !m.torn {
		m.remoteTracks = append(m.remoteTracks, t)
	}
	m.mu.Unlock()
}

// HasAudio reports whether a local microphone track was captured.
func (m *MediaSession) HasAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioSender != nil
}

// HasVideo reports whether a local camera track was captured.
func (m *MediaSession) HasVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoSender != nil
}

// ToggleMicrophone flips the outgoing audio track on or off. Returns the
// new muted state (true = muted).
func (m *MediaSession) ToggleMicrophone() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn {
		return false, ErrNoCall
	}
	if m.audioSender == nil {
		return false, ErrNoMicrophone
	}

	var next webrtc.TrackLocal
	if !m.micMuted {
		next = nil
	} else {
		next = m.audioTrack
	}
	if err := m.audioSender.ReplaceTrack(next); err != nil {
		return m.micMuted, err
	}
	m.micMuted = !m.micMuted
	log.Debugf("microphone muted=%v", m.micMuted)
	return m.micMuted, nil
}

// ToggleCamera flips the outgoing video track on or off. Returns the new
// disabled state (true = camera off).
func (m *MediaSession) ToggleCamera() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.torn {
		return false, ErrNoCall
	}
	if m.videoSender == nil {
		return false, ErrNoCamera
	}

	var next webrtc.TrackLocal
	if !m.camOff {
		next = nil
	} else {
		next = m.videoTrack
	}
	if err := m.videoSender.ReplaceTrack(next); err != nil {
		return m.camOff, err
	}
	m.camOff = !m.camOff
	log.Debugf("camera off=%v", m.camOff)
	return m.camOff, nil
}

// Teardown releases the capture devices. Idempotent.
func (m *MediaSession) Teardown() {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	stop := m.stopTracks
	m.stopTracks = nil
	m.audioSender = nil
	m.videoSender = nil
	m.audioTrack = nil
	m.videoTrack = nil
	m.remoteTracks = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio
// so CreateOffer/CreateAnswer always produces valid m-lines with ICE
// credentials even without local capture.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(video): %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("AddTransceiver(audio): %v", err)
	}
}

func iceServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}
