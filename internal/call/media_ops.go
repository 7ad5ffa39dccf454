package call

import (
	"context"

	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/voicemesh/internal/media"
)

const maxFanOut = 8

// ToggleAudio flips the outgoing microphone and reports whether it is now live.
func (m *Manager) ToggleAudio() bool {
	m.mu.Lock()
	muted := !m.sess.muted
	m.mu.Unlock()
	m.SetMuted(muted)
	return !muted && m.Session().AudioTrackID != ""
}

// SetMuted enables or disables the outgoing audio track. Senders keep the
// track, so no renegotiation happens.
func (m *Manager) SetMuted(muted bool) {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()
	m.mu.Lock()
	audio := m.sess.audio
	if audio == nil {
		m.mu.Unlock()
		return
	}
	m.sess.muted = muted
	m.mu.Unlock()
	audio.SetEnabled(!muted)
	m.logger.Debug().Bool("muted", muted).Msg("microphone")
}

// ToggleVideo turns the camera on or off and reports whether it is now on.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	if !m.sess.initialized {
		m.mu.Unlock()
		return false, ErrNotInitialized
	}
	if camera := m.sess.camera; camera != nil {
		m.sess.camera = nil
		sharing := m.sess.screen != nil
		peers := m.peerListLocked()
		m.mu.Unlock()
		if !sharing {
			m.attachVideo(ctx, peers, nil, false)
		}
		stopTrack(camera)
		m.logger.Info().Msg("camera off")
		return false, nil
	}
	gen := m.gen
	preset := m.sess.preset
	m.mu.Unlock()

	camera, err := m.openCamera(ctx, gen, preset.Constraints())
	if err != nil {
		return false, err
	}
	m.logger.Info().Str("track", camera.ID()).Msg("camera on")
	return true, nil
}

// SwitchCamera moves the outgoing camera to another device in place.
func (m *Manager) SwitchCamera(ctx context.Context, deviceID string) error {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	if !m.sess.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	gen := m.gen
	c := m.sess.preset.Constraints()
	m.mu.Unlock()
	c.DeviceID = deviceID

	camera, err := m.openCamera(ctx, gen, c)
	if err != nil {
		return err
	}
	m.logger.Info().Str("device", deviceID).Str("track", camera.ID()).Msg("camera switched")
	return nil
}

// openCamera acquires a camera, makes it the session camera and puts it on
// the wire unless a screen share owns the video sender. The previous camera
// is stopped afterwards.
func (m *Manager) openCamera(ctx context.Context, gen uint64, c media.Constraints) (media.Track, error) {
	_, camera, err := m.acquire(ctx, media.KindVideo, c)
	if err != nil {
		failure, state := acquireFailure("camera", err)
		m.mu.Lock()
		if gen == m.gen {
			m.sess.camState = state
		}
		m.mu.Unlock()
		m.cb.camera(state)
		return nil, failure
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		stopTrack(camera)
		return nil, ErrAbortedByCaller
	}
	previous := m.sess.camera
	m.sess.camera = camera
	m.sess.camState = media.PermissionGranted
	sharing := m.sess.screen != nil
	peers := m.peerListLocked()
	m.mu.Unlock()

	m.cb.camera(media.PermissionGranted)
	if !sharing {
		m.attachVideo(ctx, peers, camera, false)
	}
	stopTrack(previous)
	return camera, nil
}

// StartScreenSharing puts a display capture on the outgoing video sender.
// The camera keeps capturing and comes back when sharing stops.
func (m *Manager) StartScreenSharing(ctx context.Context) error {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()

	m.mu.Lock()
	if !m.sess.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.sess.screen != nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.mu.Unlock()

	stream, screen, err := m.acquire(ctx, media.KindDisplay, media.Constraints{})
	if err != nil {
		failure, _ := acquireFailure("display", err)
		m.logger.Warn().Err(failure).Msg("screen sharing unavailable")
		return failure
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		stream.Stop()
		return ErrAbortedByCaller
	}
	m.sess.screen = screen
	m.sess.screenStream = stream
	peers := m.peerListLocked()
	m.mu.Unlock()

	screen.OnEnded(func() { m.screenEnded(screen) })
	m.attachVideo(ctx, peers, screen, true)
	m.logger.Info().Str("track", screen.ID()).Int("peers", len(peers)).Msg("screen sharing started")
	m.cb.screenSharing(true, stream)
	return nil
}

// StopScreenSharing restores the camera on the video sender, or removes the
// sender when sharing created it.
func (m *Manager) StopScreenSharing(ctx context.Context) error {
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()
	m.stopScreenLocked(ctx, nil)
	return nil
}

// screenEnded handles the platform ending the capture, e.g. from its own
// "stop sharing" control.
func (m *Manager) screenEnded(screen media.Track) {
	ctx, cancel := m.opContext()
	defer cancel()
	m.mediaMu.Lock()
	defer m.mediaMu.Unlock()
	m.logger.Info().Str("track", screen.ID()).Msg("screen capture ended by platform")
	m.stopScreenLocked(ctx, screen)
}

// stopScreenLocked requires mediaMu. When only is set, nothing happens unless
// it is still the active screen track.
func (m *Manager) stopScreenLocked(ctx context.Context, only media.Track) {
	m.mu.Lock()
	screen, stream := m.sess.screen, m.sess.screenStream
	if screen == nil || (only != nil && only != screen) {
		m.mu.Unlock()
		return
	}
	m.sess.screen = nil
	m.sess.screenStream = nil
	camera := m.sess.camera
	peers := m.peerListLocked()
	m.mu.Unlock()

	m.fanOut(peers, func(p *peer) { m.restoreVideo(ctx, p, camera) })
	stream.Stop()
	stopTrack(screen)
	m.logger.Info().Bool("camera_restored", camera != nil).Msg("screen sharing stopped")
	m.cb.screenSharing(false, nil)
}

// attachVideo puts track on every peer's video sender, adding a sender and
// renegotiating where none exists yet. A nil track clears existing senders.
func (m *Manager) attachVideo(ctx context.Context, peers []*peer, track media.Track, forScreen bool) {
	m.fanOut(peers, func(p *peer) { m.attachVideoTo(ctx, p, track, forScreen) })
}

func (m *Manager) attachVideoTo(ctx context.Context, p *peer, track media.Track, forScreen bool) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	sender := p.videoSender
	m.mu.Unlock()

	if sender != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			m.reportPeerError(p, "replace video track", err)
		}
		return
	}
	if track == nil {
		return
	}
	added, err := p.conn.AddTrack(track)
	if err != nil {
		m.reportPeerError(p, "add video track", err)
		return
	}
	m.mu.Lock()
	p.videoSender = added
	p.videoForScreen = forScreen
	m.mu.Unlock()
	m.renegotiate(ctx, p)
}

func (m *Manager) restoreVideo(ctx context.Context, p *peer, camera media.Track) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	sender, added := p.videoSender, p.videoForScreen
	p.videoForScreen = false
	if camera == nil && added {
		p.videoSender = nil
	}
	m.mu.Unlock()

	switch {
	case sender == nil:
	case camera != nil:
		if err := sender.ReplaceTrack(camera); err != nil {
			m.reportPeerError(p, "restore camera", err)
		}
	case added:
		if err := p.conn.RemoveSender(sender); err != nil {
			m.reportPeerError(p, "remove screen sender", err)
			return
		}
		m.renegotiate(ctx, p)
	default:
		if err := sender.ReplaceTrack(nil); err != nil {
			m.reportPeerError(p, "clear video track", err)
		}
	}
}

// fanOut runs fn for every peer concurrently; peers negotiate independently.
func (m *Manager) fanOut(peers []*peer, fn func(*peer)) {
	if len(peers) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(maxFanOut)
	for _, entry := range peers {
		p.Go(func() { fn(entry) })
	}
	p.Wait()
}
