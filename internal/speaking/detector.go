// Package speaking turns an audio level tap into a debounced speaking signal.
package speaking

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/media"
)

const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultThreshold   = 25.0
	DefaultMinSpeaking = 200 * time.Millisecond
	DefaultDecay       = 500 * time.Millisecond
	DefaultHistorySize = 10
)

type Options struct {
	Interval    time.Duration `mapstructure:"interval"`
	Threshold   float64       `mapstructure:"threshold"`
	MinSpeaking time.Duration `mapstructure:"min_speaking"`
	Decay       time.Duration `mapstructure:"decay"`
	HistorySize int           `mapstructure:"history_size"`
}

func DefaultOptions() Options {
	return Options{
		Interval:    DefaultInterval,
		Threshold:   DefaultThreshold,
		MinSpeaking: DefaultMinSpeaking,
		Decay:       DefaultDecay,
		HistorySize: DefaultHistorySize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.MinSpeaking <= 0 {
		o.MinSpeaking = d.MinSpeaking
	}
	if o.Decay <= 0 {
		o.Decay = d.Decay
	}
	if o.HistorySize <= 0 {
		o.HistorySize = d.HistorySize
	}
	return o
}

// Detector samples one audio source and reports speaking transitions.
// Entering "speaking" needs the level above threshold for MinSpeaking;
// leaving it needs silence for Decay.
type Detector struct {
	src      media.AnalyserSource
	opts     Options
	onChange func(bool)
	logger   zerolog.Logger

	mu                sync.Mutex
	analyser          media.Analyser
	bins              []byte
	cancel            context.CancelFunc
	running           bool
	speaking          bool
	speakingStartedAt time.Time
	silenceStartedAt  time.Time
	level             float64
	history           []float64
	head              int
	size              int
}

func NewDetector(src media.AnalyserSource, opts Options, onChange func(bool)) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		src:      src,
		opts:     opts,
		onChange: onChange,
		logger:   log.With().Str("module", "speaking").Logger(),
		history:  make([]float64, opts.HistorySize),
	}
}

// WithLogger tags log lines, e.g. with the peer the detector belongs to.
func (d *Detector) WithLogger(l zerolog.Logger) *Detector {
	d.logger = l
	return d
}

// Start attaches the analysis tap and begins sampling. Starting a running
// detector is a no-op.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	analyser, err := d.src.NewAnalyser()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		_ = analyser.Close()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.analyser = analyser
	d.bins = make([]byte, analyser.FrequencyBinCount())
	d.cancel = cancel
	d.running = true
	d.resetLocked()

	go d.loop(loopCtx, analyser)
	d.logger.Debug().Dur("interval", d.opts.Interval).Float64("threshold", d.opts.Threshold).Msg("speaking detector started")
	return nil
}

// Stop releases the tap and forgets all hysteresis state.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	analyser := d.analyser
	d.cancel()
	d.cancel = nil
	d.analyser = nil
	d.running = false
	d.resetLocked()
	d.mu.Unlock()

	if err := analyser.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("close analyser")
	}
	d.logger.Debug().Msg("speaking detector stopped")
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

func (d *Detector) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// History returns recent levels, oldest first.
func (d *Detector) History() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, 0, d.size)
	start := (d.head - d.size + len(d.history)) % len(d.history)
	for i := 0; i < d.size; i++ {
		out = append(out, d.history[(start+i)%len(d.history)])
	}
	return out
}

func (d *Detector) loop(ctx context.Context, analyser media.Analyser) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.tick(analyser, now)
		}
	}
}

// tick samples the analyser once. Ticks from a stale analyser are ignored so
// a stop/start cycle never leaks state into the new run.
func (d *Detector) tick(analyser media.Analyser, now time.Time) {
	d.mu.Lock()
	if !d.running || d.analyser != analyser {
		d.mu.Unlock()
		return
	}
	n := analyser.ByteFrequencyData(d.bins)
	level := average(d.bins[:n])
	changed, speaking := d.observeLocked(level, now)
	d.mu.Unlock()

	if changed {
		d.logger.Debug().Bool("speaking", speaking).Float64("level", level).Msg("speaking changed")
		if d.onChange != nil {
			d.onChange(speaking)
		}
	}
}

func (d *Detector) observeLocked(level float64, now time.Time) (changed bool, speaking bool) {
	d.level = level
	d.history[d.head] = level
	d.head = (d.head + 1) % len(d.history)
	if d.size < len(d.history) {
		d.size++
	}

	above := level > d.opts.Threshold
	if !d.speaking {
		d.silenceStartedAt = time.Time{}
		if !above {
			d.speakingStartedAt = time.Time{}
			return false, false
		}
		if d.speakingStartedAt.IsZero() {
			d.speakingStartedAt = now
		}
		if now.Sub(d.speakingStartedAt) >= d.opts.MinSpeaking {
			d.speaking = true
			d.speakingStartedAt = time.Time{}
			return true, true
		}
		return false, false
	}

	d.speakingStartedAt = time.Time{}
	if above {
		d.silenceStartedAt = time.Time{}
		return false, true
	}
	if d.silenceStartedAt.IsZero() {
		d.silenceStartedAt = now
	}
	if now.Sub(d.silenceStartedAt) >= d.opts.Decay {
		d.speaking = false
		d.silenceStartedAt = time.Time{}
		return true, false
	}
	return false, true
}

func (d *Detector) resetLocked() {
	d.speaking = false
	d.speakingStartedAt = time.Time{}
	d.silenceStartedAt = time.Time{}
	d.level = 0
	d.head = 0
	d.size = 0
	for i := range d.history {
		d.history[i] = 0
	}
}

func average(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}
