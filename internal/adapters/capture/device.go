// Package capture provides file and generator backed capture devices that
// satisfy media.Acquirer for headless peers.
package capture

import (
	"time"

	"github.com/dkeye/voicemesh/internal/media"
)

// Device describes one capture source.
type Device struct {
	ID    string     `mapstructure:"id"`
	Kind  media.Kind `mapstructure:"kind"`
	Label string     `mapstructure:"label"`
	// Path is an IVF (VP8) file for video and display devices.
	Path string `mapstructure:"path"`
	Loop bool   `mapstructure:"loop"`

	// Audio generator.
	ToneHz    float64       `mapstructure:"tone_hz"`
	Amplitude float64       `mapstructure:"amplitude"`
	TalkSpurt time.Duration `mapstructure:"talk_spurt"`
	Pause     time.Duration `mapstructure:"pause"`
	// NoProcessing rejects echo cancellation, noise suppression and gain control.
	NoProcessing bool `mapstructure:"no_processing"`

	Exclusive    bool `mapstructure:"exclusive"`
	Denied       bool `mapstructure:"denied"`
	MaxWidth     int  `mapstructure:"max_width"`
	MaxHeight    int  `mapstructure:"max_height"`
	MaxFrameRate int  `mapstructure:"max_frame_rate"`
}

// DefaultDevices is a single tone generator microphone.
func DefaultDevices() []Device {
	return []Device{
		{
			ID:        "tone",
			Kind:      media.KindAudio,
			Label:     "Tone generator",
			ToneHz:    440,
			Amplitude: 0.3,
			TalkSpurt: 2 * time.Second,
			Pause:     time.Second,
		},
	}
}

// withDefaults fills the tone of audio devices configured without one.
func (d Device) withDefaults() Device {
	if d.Kind != media.KindAudio {
		return d
	}
	if d.ToneHz <= 0 {
		d.ToneHz = 440
	}
	if d.Amplitude <= 0 {
		d.Amplitude = 0.3
	}
	return d
}

// fits reports whether c can be satisfied by d.
func (d Device) fits(c media.Constraints) bool {
	if d.MaxWidth > 0 && c.Width > d.MaxWidth {
		return false
	}
	if d.MaxHeight > 0 && c.Height > d.MaxHeight {
		return false
	}
	if d.MaxFrameRate > 0 && c.FrameRate > d.MaxFrameRate {
		return false
	}
	if d.NoProcessing && (c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl) {
		return false
	}
	return true
}
