// Package rtc binds the call core to pion peer connections.
package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/call"
)

// Settings configures the pion API shared by every connection of a peer.
type Settings struct {
	ICEServers []webrtc.ICEServer
	UDPPortMin uint16
	UDPPortMax uint16
	// NAT1To1IPs advertises these addresses as host candidates.
	NAT1To1IPs      []string
	IncludeLoopback bool
	LogLevel        zerolog.Level
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// NewAPI builds a pion API with the default codecs and interceptors plus
// the ssrc audio level header extension for audio.
func NewAPI(s Settings) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(s.LogLevel)}
	if s.UDPPortMin > 0 && s.UDPPortMax >= s.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return nil, fmt.Errorf("udp port range: %w", err)
		}
	}
	if s.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	if len(s.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// Factory opens one Connection per remote peer.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ call.ConnectionFactory = (*Factory)(nil)

func NewFactory(s Settings) (*Factory, error) {
	api, err := NewAPI(s)
	if err != nil {
		return nil, err
	}
	servers := s.ICEServers
	if servers == nil {
		servers = DefaultICEServers()
	}
	return &Factory{api: api, cfg: webrtc.Configuration{ICEServers: servers}}, nil
}

func (f *Factory) NewConnection(peerID string) (call.Connection, error) {
	return NewConnection(f.api, f.cfg, peerID)
}
