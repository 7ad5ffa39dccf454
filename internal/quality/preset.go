package quality

import (
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/media"
)

// Preset is an outgoing video configuration and the targets it expects the
// network to sustain.
type Preset struct {
	Name      string
	Width     int
	Height    int
	FrameRate int
	Bitrate   int // bps
	TargetRTT time.Duration
}

func (p Preset) String() string {
	return fmt.Sprintf("%s(%dx%d@%d)", p.Name, p.Width, p.Height, p.FrameRate)
}

// Constraints renders the preset as capture constraints for the camera track.
func (p Preset) Constraints() media.Constraints {
	return media.Constraints{Width: p.Width, Height: p.Height, FrameRate: p.FrameRate}
}

// Presets are ordered from highest to lowest quality.
var Presets = []Preset{
	{Name: "hd", Width: 1280, Height: 720, FrameRate: 30, Bitrate: 1_500_000, TargetRTT: 150 * time.Millisecond},
	{Name: "sd", Width: 640, Height: 480, FrameRate: 24, Bitrate: 800_000, TargetRTT: 250 * time.Millisecond},
	{Name: "low", Width: 320, Height: 240, FrameRate: 15, Bitrate: 300_000, TargetRTT: 400 * time.Millisecond},
}

const DefaultPresetName = "sd"

func DefaultPreset() Preset {
	p, _ := PresetByName(DefaultPresetName)
	return p
}

func PresetByName(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Index reports the position of p in Presets, -1 when unknown.
func Index(p Preset) int {
	for i, candidate := range Presets {
		if candidate.Name == p.Name {
			return i
		}
	}
	return -1
}

func lower(p Preset) (Preset, bool) {
	i := Index(p)
	if i < 0 || i == len(Presets)-1 {
		return Preset{}, false
	}
	return Presets[i+1], true
}

func higher(p Preset) (Preset, bool) {
	i := Index(p)
	if i <= 0 {
		return Preset{}, false
	}
	return Presets[i-1], true
}

// Score rates how well the measured metrics meet the preset targets, 0..100.
func Score(p Preset, m Metrics) float64 {
	rtt := 1.0
	if m.HasRTT && m.RTT > 0 {
		rtt = clamp01(float64(p.TargetRTT) / float64(m.RTT))
	}
	loss := 1.0
	if m.HasLoss {
		loss = clamp01(1 - m.PacketLoss/0.05)
	}
	bitrate := 1.0
	if m.HasOutgoingBitrate && p.Bitrate > 0 {
		bitrate = clamp01(m.OutgoingBitrate / (0.7 * float64(p.Bitrate)))
	}
	fps := 1.0
	if m.HasFrameRate && p.FrameRate > 0 {
		fps = clamp01(m.FrameRate / float64(p.FrameRate))
	}
	return 100 * (0.35*rtt + 0.35*loss + 0.15*bitrate + 0.15*fps)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
