package rtc

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voicemesh/internal/media"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack reads an incoming pion track and feeds the analysers tapped on it.
// PCMU payloads are decoded into a spectrum. Other audio codecs rely on the
// ssrc-audio-level header extension.
type RemoteTrack struct {
	id         string
	streamID   string
	kind       media.Kind
	mimeType   string
	levelExtID uint8
	reader     rtpReader
	logger     zerolog.Logger

	mu        sync.Mutex
	spectrums map[*media.Spectrum]struct{}
	levels    map[*media.LevelAnalyser]struct{}
	done      bool
}

var _ media.RemoteTrack = (*RemoteTrack)(nil)

func newRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver, logger zerolog.Logger) *RemoteTrack {
	kind := media.KindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = media.KindAudio
	}
	var extID uint8
	if receiver != nil {
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				extID = uint8(ext.ID)
			}
		}
	}
	return &RemoteTrack{
		id:         track.ID(),
		streamID:   track.StreamID(),
		kind:       kind,
		mimeType:   track.Codec().MimeType,
		levelExtID: extID,
		reader:     track,
		logger:     logger,
		spectrums:  map[*media.Spectrum]struct{}{},
		levels:     map[*media.LevelAnalyser]struct{}{},
	}
}

func (t *RemoteTrack) ID() string       { return t.id }
func (t *RemoteTrack) StreamID() string { return t.streamID }
func (t *RemoteTrack) Kind() media.Kind { return t.kind }

func (t *RemoteTrack) isPCMU() bool {
	return strings.EqualFold(t.mimeType, webrtc.MimeTypePCMU)
}

func (t *RemoteTrack) NewAnalyser() (media.Analyser, error) {
	if t.kind != media.KindAudio {
		return nil, media.ErrAnalyserUnsupported
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.isPCMU():
		s := media.NewSpectrum(media.DefaultFFTSize)
		t.spectrums[s] = struct{}{}
		s.OnClose(func() {
			t.mu.Lock()
			delete(t.spectrums, s)
			t.mu.Unlock()
		})
		return s, nil
	case t.levelExtID != 0:
		a := media.NewLevelAnalyser(media.DefaultFFTSize / 2)
		t.levels[a] = struct{}{}
		a.OnClose(func() {
			t.mu.Lock()
			delete(t.levels, a)
			t.mu.Unlock()
		})
		return a, nil
	default:
		return nil, media.ErrAnalyserUnsupported
	}
}

// run reads packets until the track ends or ctx is done.
func (t *RemoteTrack) run(ctx context.Context) {
	defer t.finish()
	for {
		if ctx.Err() != nil {
			return
		}
		pkt, _, err := t.reader.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug().Err(err).Str("track_id", t.id).Msg("remote track read stopped")
			}
			return
		}
		t.feed(pkt)
	}
}

func (t *RemoteTrack) feed(pkt *rtp.Packet) {
	if t.kind != media.KindAudio {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.levels) > 0 && t.levelExtID != 0 {
		if raw := pkt.GetExtension(t.levelExtID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				for a := range t.levels {
					a.SetAudioLevelDBov(ext.Level)
				}
			}
		}
	}
	if len(t.spectrums) > 0 && t.isPCMU() {
		pcm := media.DecodeMuLaw(pkt.Payload)
		for s := range t.spectrums {
			s.Write(pcm)
		}
	}
}

func (t *RemoteTrack) finish() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}

// Done reports whether the read loop has exited.
func (t *RemoteTrack) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
