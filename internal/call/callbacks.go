package call

import (
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
)

func (c Callbacks) peerConnected(peerID string, stream *media.RemoteStream) {
	if c.OnPeerConnected != nil {
		c.OnPeerConnected(peerID, stream)
	}
}

func (c Callbacks) peerDisconnected(peerID string) {
	if c.OnPeerDisconnected != nil {
		c.OnPeerDisconnected(peerID)
	}
}

func (c Callbacks) localSpeaking(speaking bool) {
	if c.OnLocalSpeakingChange != nil {
		c.OnLocalSpeakingChange(speaking)
	}
}

func (c Callbacks) remoteSpeaking(peerID string, speaking bool) {
	if c.OnRemoteSpeakingChange != nil {
		c.OnRemoteSpeakingChange(peerID, speaking)
	}
}

func (c Callbacks) quality(peerID string, label quality.Label, metrics quality.Metrics) {
	if c.OnQualityChange != nil {
		c.OnQualityChange(peerID, label, metrics)
	}
}

func (c Callbacks) microphone(state media.PermissionState) {
	if c.OnMicrophoneStatus != nil {
		c.OnMicrophoneStatus(state)
	}
}

func (c Callbacks) camera(state media.PermissionState) {
	if c.OnCameraStatus != nil {
		c.OnCameraStatus(state)
	}
}

func (c Callbacks) screenSharing(sharing bool, stream *media.Stream) {
	if c.OnScreenSharingChange != nil {
		c.OnScreenSharingChange(sharing, stream)
	}
}

func (c Callbacks) reportError(message string) {
	if c.OnError != nil {
		c.OnError(message)
	}
}
