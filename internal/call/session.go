package call

import (
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
)

// session is the local participant state for one room.
type session struct {
	roomID      string
	initialized bool
	joined      bool
	muted       bool

	audio        media.Track
	camera       media.Track
	screen       media.Track
	screenStream *media.Stream

	micState  media.PermissionState
	camState  media.PermissionState
	micDenied bool

	preset quality.Preset
	local  quality.Label
}

func newSession(preset quality.Preset) session {
	return session{
		micState: media.PermissionUnrequested,
		camState: media.PermissionUnrequested,
		preset:   preset,
		local:    quality.LabelUnknown,
	}
}

// activeVideo is the track that belongs on the outgoing video sender.
func (s *session) activeVideo() media.Track {
	if s.screen != nil {
		return s.screen
	}
	return s.camera
}

// tracks lists every local track owned by the session.
func (s *session) tracks() []media.Track {
	var out []media.Track
	for _, t := range []media.Track{s.audio, s.camera, s.screen} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

type SessionInfo struct {
	RoomID        string
	UserID        string
	Initialized   bool
	Muted         bool
	AudioTrackID  string
	CameraTrackID string
	ScreenTrackID string
	Sharing       bool
	Microphone    media.PermissionState
	Camera        media.PermissionState
	MicDenied     bool
	Preset        string
	Quality       quality.Label
}

func trackID(t media.Track) string {
	if t == nil {
		return ""
	}
	return t.ID()
}
