package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/speaking"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerNegotiating  PeerState = "negotiating"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

func (s PeerState) Terminal() bool {
	return s == PeerDisconnected || s == PeerFailed || s == PeerClosed
}

// peerStateFor maps a transport state onto the entry lifecycle. ok is false
// for states that do not move the entry.
func peerStateFor(s webrtc.PeerConnectionState) (PeerState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return PeerDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed, true
	case webrtc.PeerConnectionStateClosed:
		return PeerClosed, true
	default:
		return "", false
	}
}

// peer is the entry kept for one remote participant. Fields other than the
// negotiation ones are guarded by Manager.mu.
type peer struct {
	id     string
	conn   Connection
	role   Role
	state  PeerState
	ctx    context.Context
	cancel context.CancelFunc

	audioSender Sender
	videoSender Sender
	// videoForScreen marks a video sender that screen sharing added.
	videoForScreen bool

	remote     *media.RemoteStream
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit
	// signaled is set once the offer or answer went out; outICE holds local
	// candidates gathered before that. Both guarded by Manager.mu.
	signaled bool
	outICE   []webrtc.ICECandidateInit

	monitor        *quality.Monitor
	detector       *speaking.Detector
	label          quality.Label
	recommendation string

	negMu                sync.Mutex
	pendingRenegotiation bool
}

// PeerInfo is a read-only snapshot of a peer entry.
type PeerInfo struct {
	ID             string
	Role           Role
	State          PeerState
	SignalingState webrtc.SignalingState
	Quality        quality.Label
	Metrics        quality.Metrics
	Speaking       bool
	SendingAudio   bool
	SendingVideo   bool
	RemoteTracks   int
	PendingICE     int
}

func (p *peer) info() PeerInfo {
	info := PeerInfo{
		ID:             p.id,
		Role:           p.role,
		State:          p.state,
		SignalingState: p.conn.SignalingState(),
		Quality:        p.label,
		SendingAudio:   p.audioSender != nil && p.audioSender.Track() != nil,
		SendingVideo:   p.videoSender != nil && p.videoSender.Track() != nil,
		PendingICE:     len(p.pendingICE),
	}
	if p.monitor != nil {
		info.Metrics = p.monitor.Last()
	}
	if p.detector != nil {
		info.Speaking = p.detector.Speaking()
	}
	if p.remote != nil {
		info.RemoteTracks = len(p.remote.Tracks)
	}
	return info
}

func (p *peer) remoteSnapshot() *media.RemoteStream {
	if p.remote == nil || len(p.remote.Tracks) == 0 {
		return nil
	}
	return &media.RemoteStream{PeerID: p.id, Tracks: append([]media.RemoteTrack(nil), p.remote.Tracks...)}
}
