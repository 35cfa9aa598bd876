package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of a WebRTC peer connection a session drives.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// RemoteDescription is nil until a remote description has been applied.
	RemoteDescription() *webrtc.SessionDescription

	AddICECandidate(c webrtc.ICECandidateInit) error

	// OnICECandidate is called once per locally gathered candidate.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	Close() error
}

// TrackSender swaps the source of a sending track; nil stops sending.
// *webrtc.RTPSender satisfies it.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnectionFactory creates one peer connection per session.
type PeerConnectionFactory func() (PeerConnection, error)

// PionConfig configures peer connections built by NewPionFactory.
type PionConfig struct {
	// ICEServers are STUN URLs, e.g. "stun:stun1.l.google.com:19302".
	ICEServers []string

	// IncludeLoopback gathers loopback candidates, for same-host calls.
	IncludeLoopback bool
}

// NewPionFactory returns a factory for pion/webrtc peer connections with the
// default codecs and interceptors.
func NewPionFactory(cfg PionConfig) PeerConnectionFactory {
	return func() (PeerConnection, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		interceptorRegistry := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
			return nil, err
		}
		settingEngine := webrtc.SettingEngine{}
		settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

		api := webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		)

		config := webrtc.Configuration{}
		if len(cfg.ICEServers) > 0 {
			config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
		}
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		return newPionPeerConnection(pc), nil
	}
}

// pionPeerConnection adapts *webrtc.PeerConnection. Remote tracks are read
// and discarded so interceptors keep running; RTCP from senders likewise.
type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func newPionPeerConnection(pc *webrtc.PeerConnection) *pionPeerConnection {
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Infof("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
	return &pionPeerConnection{pc: pc}
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return sender, nil
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}
