package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/quality"
	"github.com/dkeye/voicemesh/internal/signaling"
	"github.com/dkeye/voicemesh/internal/speaking"
)

// ensurePeer returns the entry for peerID, creating it with every current
// local track attached. created is false when the entry already existed.
// The connection is built without holding mu; a build that raced with a
// local track change is discarded and redone.
func (m *Manager) ensurePeer(peerID string, role Role) (p *peer, created bool, err error) {
	for {
		m.mu.Lock()
		if !m.sess.initialized {
			m.mu.Unlock()
			return nil, false, ErrNotInitialized
		}
		if existing, ok := m.peers[peerID]; ok {
			m.mu.Unlock()
			return existing, false, nil
		}
		gen := m.gen
		audio, video := m.sess.audio, m.sess.activeVideo()
		forScreen := m.sess.screen != nil
		m.mu.Unlock()

		p, err = m.buildPeer(peerID, role, audio, video, forScreen)
		if err != nil {
			return nil, false, err
		}

		m.mu.Lock()
		if existing, ok := m.peers[peerID]; ok {
			m.mu.Unlock()
			m.discardPeer(p)
			return existing, false, nil
		}
		if !m.sess.initialized || gen != m.gen {
			m.mu.Unlock()
			m.discardPeer(p)
			return nil, false, ErrNotInitialized
		}
		if audio != m.sess.audio || video != m.sess.activeVideo() {
			m.mu.Unlock()
			m.discardPeer(p)
			m.logger.Debug().Str("peer", peerID).Msg("local tracks changed while building peer, rebuilding")
			continue
		}
		m.peers[peerID] = p
		m.mu.Unlock()

		conn := p.conn
		conn.OnICECandidate(func(c webrtc.ICECandidateInit) { m.onLocalCandidate(p, c) })
		conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.onConnectionState(p, s) })
		conn.OnTrack(func(t media.RemoteTrack) { m.onRemoteTrack(p, t) })
		m.logger.Info().Str("peer", peerID).Str("role", string(role)).Msg("peer entry created")
		return p, true, nil
	}
}

// buildPeer opens a connection carrying the given local tracks. The entry is
// not yet visible to anyone else.
func (m *Manager) buildPeer(peerID string, role Role, audio, video media.Track, forScreen bool) (*peer, error) {
	conn, err := m.cfg.Connections.NewConnection(peerID)
	if err != nil {
		return nil, fmt.Errorf("new connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:     peerID,
		conn:   conn,
		role:   role,
		state:  PeerNew,
		ctx:    ctx,
		cancel: cancel,
		label:  quality.LabelUnknown,
	}

	if audio != nil {
		if p.audioSender, err = conn.AddTrack(audio); err != nil {
			m.discardPeer(p)
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}
	if video != nil {
		if p.videoSender, err = conn.AddTrack(video); err != nil {
			m.discardPeer(p)
			return nil, fmt.Errorf("add video track: %w", err)
		}
		p.videoForScreen = forScreen
	}
	p.monitor = m.newMonitor(p)
	return p, nil
}

// discardPeer releases an entry that never made it into the map.
func (m *Manager) discardPeer(p *peer) {
	p.cancel()
	m.closeConn(p.id, p.conn)
}

func (m *Manager) newMonitor(p *peer) *quality.Monitor {
	opts := m.cfg.Quality
	opts.Adaptive = m.cfg.Adaptive
	opts.Preset = m.sess.preset
	opts.AudioLevel = func() (float64, bool) {
		m.mu.Lock()
		d := p.detector
		m.mu.Unlock()
		if d == nil {
			return 0, false
		}
		return d.Level(), true
	}
	opts.OnChange = func(label quality.Label, metrics quality.Metrics) { m.onPeerQuality(p, label, metrics) }
	opts.OnRecommendation = func(preset quality.Preset) { m.onRecommendation(p, preset) }
	if opts.Logger == nil {
		logger := m.logger.With().Str("component", "quality").Str("peer", p.id).Logger()
		opts.Logger = &logger
	}
	return quality.NewMonitor(p.conn, opts)
}

func (m *Manager) onLocalCandidate(p *peer, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	if !p.signaled {
		p.outICE = append(p.outICE, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sendCandidate(p, c)
}

func (m *Manager) sendCandidate(p *peer, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(p.ctx, m.cfg.NegotiationTimeout)
	defer cancel()
	if err := m.cfg.Signaling.Send(ctx, signaling.Candidate(m.cfg.UserID, p.id, c)); err != nil {
		m.logger.Warn().Err(err).Str("peer", p.id).Msg("send ice candidate")
	}
}

// markSignaled releases local candidates held back until the remote side
// knows about this connection.
func (m *Manager) markSignaled(p *peer) {
	m.mu.Lock()
	if p.signaled {
		m.mu.Unlock()
		return
	}
	p.signaled = true
	held := p.outICE
	p.outICE = nil
	m.mu.Unlock()
	for _, c := range held {
		m.sendCandidate(p, c)
	}
}

func (m *Manager) onConnectionState(p *peer, s webrtc.PeerConnectionState) {
	state, ok := peerStateFor(s)
	if !ok {
		return
	}
	m.logger.Info().Str("peer", p.id).Str("peer_connection_state", s.String()).Msg("peer state")

	if state.Terminal() {
		m.removePeer(p, state)
		return
	}

	m.mu.Lock()
	if m.peers[p.id] != p || p.state == PeerConnected {
		m.mu.Unlock()
		return
	}
	p.state = PeerConnected
	stream := p.remoteSnapshot()
	monitor, ctx := p.monitor, p.ctx
	m.mu.Unlock()

	monitor.Start(ctx)
	m.cb.peerConnected(p.id, stream)
}

func (m *Manager) onRemoteTrack(p *peer, t media.RemoteTrack) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	if p.remote == nil {
		p.remote = &media.RemoteStream{PeerID: p.id}
	}
	p.remote.Tracks = append(p.remote.Tracks, t)
	if t.Kind() == media.KindAudio && p.detector == nil {
		peerID := p.id
		d := speaking.NewDetector(t, m.cfg.Speaking, func(v bool) { m.cb.remoteSpeaking(peerID, v) }).
			WithLogger(m.logger.With().Str("component", "speaking").Str("peer", peerID).Logger())
		if err := d.Start(p.ctx); err != nil {
			m.logger.Debug().Err(err).Str("peer", peerID).Msg("remote speaking detector unavailable")
		} else {
			p.detector = d
		}
	}
	connected := p.state == PeerConnected
	stream := p.remoteSnapshot()
	m.mu.Unlock()

	m.logger.Info().Str("peer", p.id).Str("kind", string(t.Kind())).Str("track_id", t.ID()).Msg("remote track")
	if connected {
		m.cb.peerConnected(p.id, stream)
	}
}

// HangUp closes the connection to one peer with the same cleanup as a
// transport loss.
func (m *Manager) HangUp(peerID string) error {
	p, ok := m.lookup(peerID)
	if !ok {
		return fmt.Errorf("hang up %q: %w", peerID, ErrUnknownPeer)
	}
	m.removePeer(p, PeerClosed)
	return nil
}

// removePeer drops p from the map and releases everything it owns. Only the
// first caller for a given entry does any work.
func (m *Manager) removePeer(p *peer, state PeerState) {
	m.mu.Lock()
	if m.peers[p.id] != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.id)
	p.state = state
	m.mu.Unlock()

	m.logger.Info().Str("peer", p.id).Str("state", string(state)).Msg("peer removed")
	m.teardown(p)
	m.refreshLocalQuality()
}

// teardown releases a peer already detached from the map.
func (m *Manager) teardown(p *peer) {
	p.cancel()
	m.mu.Lock()
	monitor, detector := p.monitor, p.detector
	m.mu.Unlock()
	if monitor != nil {
		monitor.Stop()
	}
	if detector != nil {
		detector.Stop()
	}
	m.closeConn(p.id, p.conn)
	m.cb.peerDisconnected(p.id)
}

func (m *Manager) closeConn(peerID string, conn Connection) {
	if err := conn.Close(); err != nil {
		m.logger.Warn().Err(err).Str("peer", peerID).Msg("close connection")
	}
}
