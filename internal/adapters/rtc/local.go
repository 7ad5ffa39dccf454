package rtc

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/media"
)

// LocalTrack is a media.Track that can be put on a pion sender.
type LocalTrack interface {
	media.Track
	Local() webrtc.TrackLocal
}

var ErrNotLocal = errors.New("track cannot be sent over webrtc")

func localOf(t media.Track) (webrtc.TrackLocal, error) {
	if t == nil {
		return nil, nil
	}
	lt, ok := t.(LocalTrack)
	if !ok {
		return nil, ErrNotLocal
	}
	return lt.Local(), nil
}
