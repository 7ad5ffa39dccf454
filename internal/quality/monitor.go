package quality

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 2 * time.Second

	downgradeScore = 50.0
	upgradeScore   = 85.0
	downgradeTicks = 2
	upgradeTicks   = 5
)

type Options struct {
	Interval   time.Duration
	Thresholds []Threshold
	// Adaptive enables preset recommendations for the outgoing video.
	Adaptive bool
	Preset   Preset
	// AudioLevel optionally supplies the speaking level of the same peer.
	AudioLevel func() (float64, bool)
	// OnChange fires on label transitions only.
	OnChange func(Label, Metrics)
	// OnRecommendation fires when adaptive mode wants another preset.
	OnRecommendation func(Preset)
	Logger           *zerolog.Logger
}

// Monitor periodically samples one connection. It only reads from the
// source and never touches tracks; applying recommendations is up to the
// caller.
type Monitor struct {
	src    StatsSource
	opts   Options
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	prev    *counters
	label   Label
	last    Metrics
	preset  Preset
	lowRun  int
	highRun int
}

func NewMonitor(src StatsSource, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = DefaultThresholds
	}
	if Index(opts.Preset) < 0 {
		opts.Preset = DefaultPreset()
	}
	logger := log.With().Str("module", "quality").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Monitor{
		src:    src,
		opts:   opts,
		now:    time.Now,
		logger: logger,
		label:  LabelUnknown,
		preset: opts.Preset,
	}
}

// Start schedules sampling on the configured interval. It is a no-op when
// already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	go m.loop(loopCtx)
	m.logger.Debug().Dur("interval", m.opts.Interval).Bool("adaptive", m.opts.Adaptive).Msg("quality monitor started")
}

// Stop cancels sampling and drops the delta baseline.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.cancel = nil
	m.running = false
	m.prev = nil
	m.label = LabelUnknown
	m.lowRun, m.highRun = 0, 0
	m.logger.Debug().Msg("quality monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) Label() Label {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.label
}

func (m *Monitor) Last() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) Preset() Preset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preset
}

// SetPreset retargets the adaptive regression, e.g. after the caller applied
// a recommendation or the user picked a preset by hand.
func (m *Monitor) SetPreset(p Preset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if Index(p) < 0 {
		return
	}
	m.preset = p
	m.lowRun, m.highRun = 0, 0
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample runs one tick immediately and returns the snapshot.
func (m *Monitor) Sample() Metrics {
	report := m.src.GetStats()
	cur := collect(report, m.now())

	var level float64
	var hasLevel bool
	if m.opts.AudioLevel != nil {
		level, hasLevel = m.opts.AudioLevel()
	}

	m.mu.Lock()
	metrics := derive(cur, m.prev)
	m.prev = &cur
	metrics.AudioLevel, metrics.HasAudioLevel = level, hasLevel
	metrics.Label = Classify(m.opts.Thresholds, metrics.RTT, metrics.HasRTT, metrics.PacketLoss, metrics.HasLoss)

	changed := metrics.Label != m.label
	m.label = metrics.Label
	m.last = metrics

	var rec Preset
	var recommend bool
	if m.opts.Adaptive {
		rec, recommend = m.adaptLocked(metrics)
	}
	m.mu.Unlock()

	if changed {
		m.logger.Debug().
			Str("label", string(metrics.Label)).
			Float64("rtt_ms", metrics.RTTMillis()).
			Float64("loss", metrics.PacketLoss).
			Msg("quality changed")
		if m.opts.OnChange != nil {
			m.opts.OnChange(metrics.Label, metrics)
		}
	}
	if recommend {
		m.logger.Info().Str("preset", rec.Name).Msg("preset recommended")
		if m.opts.OnRecommendation != nil {
			m.opts.OnRecommendation(rec)
		}
	}
	return metrics
}

func (m *Monitor) adaptLocked(metrics Metrics) (Preset, bool) {
	if !metrics.HasRTT && !metrics.HasLoss {
		return Preset{}, false
	}
	score := Score(m.preset, metrics)
	switch {
	case score < downgradeScore:
		m.lowRun++
		m.highRun = 0
	case score >= upgradeScore:
		m.highRun++
		m.lowRun = 0
	default:
		m.lowRun, m.highRun = 0, 0
	}

	if m.lowRun >= downgradeTicks {
		m.lowRun = 0
		if p, ok := lower(m.preset); ok {
			m.preset = p
			return p, true
		}
	}
	if m.highRun >= upgradeTicks {
		m.highRun = 0
		if p, ok := higher(m.preset); ok {
			m.preset = p
			return p, true
		}
	}
	return Preset{}, false
}
