//go:build !linux || !cgo

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newMediaPC creates a receive-only PeerConnection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices needs platform drivers (V4L2
// and malgo on Linux); elsewhere the call still receives remote media.
func newMediaPC(opts Options) (*webrtc.PeerConnection, *MediaSession, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(opts.STUNServers),
	})
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyTransceivers(pc)
	log.Infof("peer connection ready (receive-only, no local capture on this platform)")
	return pc, &MediaSession{}, nil
}
