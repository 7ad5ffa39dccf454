package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/call"
	"github.com/dkeye/voicemesh/internal/media"
)

// Sender wraps one pion RTPSender and the local track currently on it.
type Sender struct {
	rtp  *webrtc.RTPSender
	kind media.Kind

	mu    sync.Mutex
	track media.Track
}

var _ call.Sender = (*Sender)(nil)

func newSender(rtp *webrtc.RTPSender, t media.Track) *Sender {
	s := &Sender{rtp: rtp, kind: t.Kind().TrackKind(), track: t}
	go s.drainRTCP()
	return s
}

// drainRTCP keeps the interceptors fed until the sender is stopped.
func (s *Sender) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.rtp.Read(buf); err != nil {
			return
		}
	}
}

func (s *Sender) Kind() media.Kind { return s.kind }

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t media.Track) error {
	local, err := localOf(t)
	if err != nil {
		return err
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}
