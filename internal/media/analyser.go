package media

import (
	"math"
	"sync"
)

// Analyser exposes the frequency-domain energy of an audio source on the
// 0..255 byte scale used by browser analyser nodes.
type Analyser interface {
	FrequencyBinCount() int
	// ByteFrequencyData fills dst with per-bin energy and returns the number of bins written.
	ByteFrequencyData(dst []byte) int
	Close() error
}

// AnalyserSource is anything an analysis tap can be attached to.
type AnalyserSource interface {
	NewAnalyser() (Analyser, error)
}

const (
	DefaultFFTSize    = 128
	minDecibels       = -100.0
	maxDecibels       = -30.0
	smoothingConstant = 0.8
	pcmFullScale      = 32768.0
	spectrumEpsilon   = 1e-12
)

// Spectrum is an Analyser fed with 16-bit PCM. It keeps the latest FFT-size
// window and computes a Hann-windowed magnitude spectrum on demand.
type Spectrum struct {
	mu       sync.Mutex
	size     int
	window   []float64
	pos      int
	filled   bool
	smoothed []float64
	closed   bool
	onClose  func()
}

func NewSpectrum(fftSize int) *Spectrum {
	if fftSize <= 0 {
		fftSize = DefaultFFTSize
	}
	return &Spectrum{
		size:     fftSize,
		window:   make([]float64, fftSize),
		smoothed: make([]float64, fftSize/2),
	}
}

// OnClose registers a hook run once when the analyser is closed.
func (s *Spectrum) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Write appends PCM samples to the analysis window.
func (s *Spectrum) Write(pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, v := range pcm {
		s.window[s.pos] = float64(v) / pcmFullScale
		s.pos = (s.pos + 1) % s.size
		if s.pos == 0 {
			s.filled = true
		}
	}
}

func (s *Spectrum) FrequencyBinCount() int { return s.size / 2 }

func (s *Spectrum) ByteFrequencyData(dst []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bins := s.size / 2
	if len(dst) < bins {
		bins = len(dst)
	}
	if s.closed {
		return 0
	}

	samples := make([]float64, s.size)
	for i := 0; i < s.size; i++ {
		v := s.window[(s.pos+i)%s.size]
		hann := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(s.size-1)))
		samples[i] = v * hann
	}

	for k := 0; k < bins; k++ {
		var re, im float64
		for n, v := range samples {
			angle := 2 * math.Pi * float64(k) * float64(n) / float64(s.size)
			re += v * math.Cos(angle)
			im -= v * math.Sin(angle)
		}
		mag := math.Sqrt(re*re+im*im) / float64(s.size)
		s.smoothed[k] = smoothingConstant*s.smoothed[k] + (1-smoothingConstant)*mag
		dst[k] = toByte(s.smoothed[k])
	}
	return bins
}

func (s *Spectrum) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func toByte(mag float64) byte {
	db := 20 * math.Log10(mag+spectrumEpsilon)
	scaled := (db - minDecibels) / (maxDecibels - minDecibels) * 255
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return byte(scaled)
	}
}

// LevelAnalyser reports a flat spectrum at the most recent level. It backs
// sources that only carry a per-packet audio level, such as RTP streams with
// the ssrc-audio-level header extension.
type LevelAnalyser struct {
	mu      sync.Mutex
	bins    int
	level   byte
	closed  bool
	onClose func()
}

func NewLevelAnalyser(bins int) *LevelAnalyser {
	if bins <= 0 {
		bins = DefaultFFTSize / 2
	}
	return &LevelAnalyser{bins: bins}
}

func (a *LevelAnalyser) OnClose(fn func()) {
	a.mu.Lock()
	a.onClose = fn
	a.mu.Unlock()
}

// SetLevel stores the latest level on the 0..255 scale.
func (a *LevelAnalyser) SetLevel(level byte) {
	a.mu.Lock()
	a.level = level
	a.mu.Unlock()
}

// SetAudioLevelDBov converts an RFC 6464 level (0 loudest, 127 silence).
func (a *LevelAnalyser) SetAudioLevelDBov(dbov uint8) {
	if dbov > 127 {
		dbov = 127
	}
	db := -float64(dbov)
	scaled := (db - minDecibels) / (0 - minDecibels) * 255
	if scaled < 0 {
		scaled = 0
	}
	a.SetLevel(byte(scaled))
}

func (a *LevelAnalyser) FrequencyBinCount() int { return a.bins }

func (a *LevelAnalyser) ByteFrequencyData(dst []byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0
	}
	n := a.bins
	if len(dst) < n {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = a.level
	}
	return n
}

func (a *LevelAnalyser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	fn := a.onClose
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}
