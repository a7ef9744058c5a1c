//go:build linux && cgo

package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newMediaPC creates a PeerConnection with VP8+Opus codecs and attempts to
// capture local camera/mic via pion/mediadevices (V4L2 + malgo on Linux).
// Capture failures never abort the call: the fallback order is
// video+audio, video-only, audio-only, then receive-only.
func newMediaPC(opts Options) (*webrtc.PeerConnection, *MediaSession, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(opts.STUNServers),
	})
	if err != nil {
		return nil, nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no media devices found")
	} else {
		for _, d := range devices {
			log.Debugf("media device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track can't be opened. Try
	// video+audio first, then each alone, so a missing or busy microphone
	// doesn't prevent the camera from working and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG. Some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and breaks SDP negotiation. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("GetUserMedia (%s): %v", a.label, err)
			continue
		}

		media := &MediaSession{}
		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("local track ended: %v", err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Warnf("AddTrack: %v", err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				media.audioTrack = track
				media.audioSender = sender
			case webrtc.RTPCodecTypeVideo:
				media.videoTrack = track
				media.videoSender = sender
			}
		}
		media.stopTracks = func() {
			for _, t := range tracks {
				t.Close()
			}
		}

		log.Infof("local media captured (%s), %d tracks", a.label, len(tracks))
		return pc, media, nil
	}

	// All attempts failed; receive-only still lets the call show remote media.
	log.Warnf("all media capture attempts failed, proceeding receive-only")
	addRecvOnlyTransceivers(pc)
	return pc, &MediaSession{}, nil
}
