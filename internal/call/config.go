package call

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/speaking"
)

const DefaultNegotiationTimeout = 15 * time.Second

// Callbacks are the notifications a Manager produces. Any subset may be nil.
type Callbacks struct {
	OnPeerConnected        func(peerID string, stream *media.RemoteStream)
	OnPeerDisconnected     func(peerID string)
	OnLocalSpeakingChange  func(speaking bool)
	OnRemoteSpeakingChange func(peerID string, speaking bool)
	// OnQualityChange reports per-peer labels and the aggregate under LocalQualityID.
	OnQualityChange       func(peerID string, label quality.Label, metrics quality.Metrics)
	OnMicrophoneStatus    func(state media.PermissionState)
	OnCameraStatus        func(state media.PermissionState)
	OnScreenSharingChange func(sharing bool, stream *media.Stream)
	OnError               func(message string)
}

// LocalQualityID is the peer id used for the aggregate quality label.
const LocalQualityID = "local"

type Config struct {
	UserID      string
	Signaling   Signaling
	Acquirer    media.Acquirer
	Connections ConnectionFactory
	Callbacks   Callbacks

	Quality  quality.Options
	Speaking speaking.Options
	// Adaptive lets peer monitors steer the outgoing camera preset.
	Adaptive bool
	// Preset is the initial outgoing video preset name.
	Preset string
	// NegotiationTimeout bounds negotiation work started from signaling events.
	NegotiationTimeout time.Duration

	Logger *zerolog.Logger
}

type InitOptions struct {
	// Video also acquires the camera; its failure never fails initialization.
	Video bool
}
