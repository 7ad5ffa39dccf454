package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/signaling"
)

// Sender is one outgoing track slot on a connection.
type Sender interface {
	// Kind is the wire kind, audio or video.
	Kind() media.Kind
	Track() media.Track
	// ReplaceTrack swaps the outgoing track without renegotiation. nil sends nothing.
	ReplaceTrack(t media.Track) error
}

// Connection is the negotiated transport to one remote peer.
type Connection interface {
	quality.StatsSource

	AddTrack(t media.Track) (Sender, error)
	RemoveSender(s Sender) error
	Senders() []Sender

	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	// OnTrack sets a callback for remote tracks as they arrive.
	OnTrack(fn func(media.RemoteTrack))

	Close() error
}

type ConnectionFactory interface {
	NewConnection(peerID string) (Connection, error)
}

// Signaling is the relay between room members.
type Signaling interface {
	Send(ctx context.Context, msg signaling.Message) error
	// On registers a handler and returns its unsubscribe func.
	On(event signaling.Event, fn func(signaling.Message)) func()
}
