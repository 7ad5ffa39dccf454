package capture

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/media"
)

var (
	errDeviceSwitch = errors.New("device cannot change on a live track")
	errNoDevice     = errors.New("no matching device")
	errNoSource     = errors.New("device has no source file")
	errInUse        = errors.New("device is in use")
	errDenied       = errors.New("access denied")
)

// Acquirer hands out tracks for the configured devices.
type Acquirer struct {
	devices []Device
	logger  zerolog.Logger

	mu    sync.Mutex
	inUse map[string]int
}

var _ media.Acquirer = (*Acquirer)(nil)

func NewAcquirer(devices []Device) *Acquirer {
	filled := make([]Device, len(devices))
	for i, d := range devices {
		filled[i] = d.withDefaults()
	}
	return &Acquirer{
		devices: filled,
		logger:  log.With().Str("module", "capture").Logger(),
		inUse:   map[string]int{},
	}
}

// Devices lists the configured devices of kind.
func (a *Acquirer) Devices(kind media.Kind) []Device {
	var out []Device
	for _, d := range a.devices {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (a *Acquirer) find(kind media.Kind, deviceID string) (Device, bool) {
	for _, d := range a.devices {
		if d.Kind != kind {
			continue
		}
		if deviceID == "" || d.ID == deviceID {
			return d, true
		}
	}
	return Device{}, false
}

func (a *Acquirer) Acquire(ctx context.Context, kind media.Kind, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, media.NewAcquireError(kind, media.ReasonAborted, err)
	}
	d, ok := a.find(kind, c.DeviceID)
	if !ok {
		return nil, media.NewAcquireError(kind, media.ReasonNotFound, errNoDevice)
	}
	if d.Denied {
		return nil, media.NewAcquireError(kind, media.ReasonPermissionDenied, errDenied)
	}
	if !d.fits(c) {
		return nil, media.NewAcquireError(kind, media.ReasonConstraintsUnsatisfiable, nil)
	}
	if !a.reserve(d) {
		return nil, media.NewAcquireError(kind, media.ReasonDeviceBusy, errInUse)
	}

	t, err := a.open(d, kind, c)
	if err != nil {
		a.unreserve(d)
		return nil, err
	}
	a.logger.Info().Str("device", d.ID).Str("kind", string(kind)).Str("track_id", t.ID()).Msg("capture started")
	return media.NewStream(uuid.NewString(), t), nil
}

func (a *Acquirer) open(d Device, kind media.Kind, c media.Constraints) (media.Track, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c.DeviceID = d.ID
	base := &Track{
		id:          uuid.NewString(),
		kind:        kind,
		label:       d.Label,
		device:      d,
		cancel:      cancel,
		release:     sync.OnceFunc(func() { a.unreserve(d) }),
		enabled:     true,
		constraints: c,
	}

	switch kind {
	case media.KindAudio:
		at, err := newAudioTrack(base)
		if err != nil {
			cancel()
			return nil, media.NewAcquireError(kind, media.ReasonNotFound, err)
		}
		go at.run(ctx)
		return at, nil
	default:
		if d.Path == "" {
			cancel()
			return nil, media.NewAcquireError(kind, media.ReasonNotFound, errNoSource)
		}
		f, _, err := openIVF(d.Path)
		if err != nil {
			cancel()
			return nil, media.NewAcquireError(kind, reasonForOpen(err), err)
		}
		vt, err := newVideoTrack(base, a.logger)
		if err != nil {
			cancel()
			f.Close()
			return nil, media.NewAcquireError(kind, media.ReasonNotFound, err)
		}
		go vt.run(ctx, f)
		return vt, nil
	}
}

func reasonForOpen(err error) media.Reason {
	switch {
	case errors.Is(err, os.ErrPermission):
		return media.ReasonPermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return media.ReasonNotFound
	default:
		return media.ReasonDeviceBusy
	}
}

func (a *Acquirer) reserve(d Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d.Exclusive && a.inUse[d.ID] > 0 {
		return false
	}
	a.inUse[d.ID]++
	return true
}

func (a *Acquirer) unreserve(d Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inUse[d.ID] > 0 {
		a.inUse[d.ID]--
	}
}
