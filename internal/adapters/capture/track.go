package capture

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/media"
)

// Track is a capture track backed by a pion sample track.
type Track struct {
	id      string
	kind    media.Kind
	label   string
	device  Device
	local   *webrtc.TrackLocalStaticSample
	cancel  context.CancelFunc
	release func()

	mu          sync.Mutex
	enabled     bool
	stopped     bool
	constraints media.Constraints
	onEnded     []func()
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() media.Kind         { return t.kind }
func (t *Track) Label() string            { return t.label }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Stop ends capture without running the ended handlers.
func (t *Track) Stop() {
	if !t.markStopped() {
		return
	}
	t.cancel()
	t.release()
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end is called by the source itself when it runs out.
func (t *Track) end() {
	if !t.markStopped() {
		return
	}
	t.cancel()
	t.release()
	t.mu.Lock()
	handlers := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (t *Track) markStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *Track) Constraints() media.Constraints {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.constraints
}

func (t *Track) ApplyConstraints(c media.Constraints) error {
	if c.DeviceID != "" && c.DeviceID != t.device.ID {
		return media.NewAcquireError(t.kind, media.ReasonConstraintsUnsatisfiable, errDeviceSwitch)
	}
	if !t.device.fits(c) {
		return media.NewAcquireError(t.kind, media.ReasonConstraintsUnsatisfiable, nil)
	}
	c.DeviceID = t.device.ID
	t.mu.Lock()
	t.constraints = c
	t.mu.Unlock()
	return nil
}
