package capture

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/voicemesh/internal/media"
)

const (
	sampleRate  = 8000
	frameLength = 20 * time.Millisecond
	frameSize   = sampleRate * int(frameLength/time.Millisecond) / 1000
	noiseFloor  = 0.002
)

// AudioTrack generates a tone in talk spurts and sends it as PCMU.
type AudioTrack struct {
	*Track

	mu        sync.Mutex
	spectrums map[*media.Spectrum]struct{}
	phase     float64
	elapsed   time.Duration
}

var _ media.AnalyserSource = (*AudioTrack)(nil)

func newAudioTrack(base *Track) (*AudioTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: sampleRate},
		base.id, "voicemesh",
	)
	if err != nil {
		return nil, err
	}
	base.local = local
	return &AudioTrack{Track: base, spectrums: map[*media.Spectrum]struct{}{}}, nil
}

func (a *AudioTrack) NewAnalyser() (media.Analyser, error) {
	s := media.NewSpectrum(media.DefaultFFTSize)
	a.mu.Lock()
	a.spectrums[s] = struct{}{}
	a.mu.Unlock()
	s.OnClose(func() {
		a.mu.Lock()
		delete(a.spectrums, s)
		a.mu.Unlock()
	})
	return s, nil
}

func (a *AudioTrack) run(ctx context.Context) {
	ticker := time.NewTicker(frameLength)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pcm := a.nextFrame()
			a.mu.Lock()
			for s := range a.spectrums {
				s.Write(pcm)
			}
			a.mu.Unlock()
			if err := a.local.WriteSample(pionmedia.Sample{Data: media.EncodeMuLaw(pcm), Duration: frameLength}); err != nil {
				return
			}
		}
	}
}

// nextFrame renders one frame. Disabled tracks and pauses between spurts
// carry only a faint noise floor.
func (a *AudioTrack) nextFrame() []int16 {
	pcm := make([]int16, frameSize)
	a.mu.Lock()
	defer a.mu.Unlock()

	talking := a.Enabled() && a.inSpurt()
	a.elapsed += frameLength
	step := 2 * math.Pi * a.device.ToneHz / sampleRate
	for i := range pcm {
		v := noiseFloor * (rand.Float64()*2 - 1)
		if talking {
			v += a.device.Amplitude * math.Sin(a.phase)
		}
		a.phase += step
		pcm[i] = clamp(v)
	}
	a.phase = math.Mod(a.phase, 2*math.Pi)
	return pcm
}

func (a *AudioTrack) inSpurt() bool {
	d := a.device
	if d.Pause <= 0 || d.TalkSpurt <= 0 {
		return true
	}
	return a.elapsed%(d.TalkSpurt+d.Pause) < d.TalkSpurt
}

func clamp(v float64) int16 {
	s := v * math.MaxInt16
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	default:
		return int16(s)
	}
}
