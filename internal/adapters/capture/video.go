package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
)

// VideoTrack plays a VP8 IVF file. Display devices end when the file runs
// out unless Loop is set, which is how a shared screen going away looks.
type VideoTrack struct {
	*Track
	logger zerolog.Logger
}

func newVideoTrack(base *Track, logger zerolog.Logger) (*VideoTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		base.id, "voicemesh",
	)
	if err != nil {
		return nil, err
	}
	base.local = local
	return &VideoTrack{Track: base, logger: logger}, nil
}

// openIVF validates the file up front so acquisition can fail with a reason.
func openIVF(path string) (*os.File, *ivfreader.IVFFileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	_, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("ivf %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, header, nil
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 {
		return time.Second / 30
	}
	return time.Duration(float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator) * float64(time.Second))
}

func (v *VideoTrack) run(ctx context.Context, f *os.File) {
	defer f.Close()
	for {
		ended, err := v.playOnce(ctx, f)
		if err != nil {
			v.logger.Warn().Err(err).Str("track_id", v.id).Msg("video source failed")
			v.end()
			return
		}
		if !ended {
			return
		}
		if !v.device.Loop {
			v.end()
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			v.end()
			return
		}
	}
}

// playOnce streams the file once. ended is false when ctx stopped playback.
func (v *VideoTrack) playOnce(ctx context.Context, f *os.File) (ended bool, err error) {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return false, err
	}
	dur := frameDuration(header)
	ticker := time.NewTicker(dur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !v.Enabled() {
			continue
		}
		if err := v.local.WriteSample(pionmedia.Sample{Data: frame, Duration: dur}); err != nil {
			return false, err
		}
	}
}
