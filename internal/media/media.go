// Package media describes local and remote media handles as the call core sees them.
// Concrete capture and transport live in the adapters.
package media

import "context"

type Kind string

const (
	KindAudio   Kind = "audio"
	KindVideo   Kind = "video"
	KindDisplay Kind = "display"
)

// TrackKind is the kind of media carried on the wire. Display captures are video.
func (k Kind) TrackKind() Kind {
	if k == KindDisplay {
		return KindVideo
	}
	return k
}

// Constraints is the normalized constraint set handed to an Acquirer.
// Zero values mean "no preference".
type Constraints struct {
	DeviceID         string `json:"deviceId,omitempty"`
	EchoCancellation bool   `json:"echoCancellation,omitempty"`
	NoiseSuppression bool   `json:"noiseSuppression,omitempty"`
	AutoGainControl  bool   `json:"autoGainControl,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
	FrameRate        int    `json:"frameRate,omitempty"`
}

// Enhanced returns c with the voice processing flags switched on.
func (c Constraints) Enhanced() Constraints {
	c.EchoCancellation = true
	c.NoiseSuppression = true
	c.AutoGainControl = true
	return c
}

// Track is a local outgoing media source.
//
// Stop never fires the ended handlers; those only run when the platform ends
// the source on its own (device unplugged, user stopped sharing from native UI).
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
	OnEnded(fn func())
	Constraints() Constraints
	ApplyConstraints(c Constraints) error
}

// Stream groups the tracks produced by one acquisition.
type Stream struct {
	ID     string
	Tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{ID: id, Tracks: tracks}
}

// First returns the first track carrying kind on the wire.
func (s *Stream) First(kind Kind) Track {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind().TrackKind() == kind.TrackKind() {
			return t
		}
	}
	return nil
}

// Stop stops every track. Safe on nil and on already stopped tracks.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		if !t.Stopped() {
			t.Stop()
		}
	}
}

// Acquirer requests capture from the platform.
type Acquirer interface {
	Acquire(ctx context.Context, kind Kind, c Constraints) (*Stream, error)
}

// RemoteTrack is an incoming track negotiated with a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() Kind
	// NewAnalyser returns a level tap; only audio tracks support it.
	NewAnalyser() (Analyser, error)
}

// RemoteStream collects the tracks a peer sends.
type RemoteStream struct {
	PeerID string
	Tracks []RemoteTrack
}

func (s *RemoteStream) Audio() RemoteTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == KindAudio {
			return t
		}
	}
	return nil
}
