package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/signaling"
)

// StartCall opens a connection to peerID and sends it an offer. Calling it
// for a peer that already has an entry returns that entry untouched.
func (m *Manager) StartCall(ctx context.Context, peerID string) (*PeerInfo, error) {
	if peerID == "" || peerID == m.cfg.UserID {
		return nil, fmt.Errorf("start call %q: %w", peerID, ErrUnknownPeer)
	}
	p, created, err := m.ensurePeer(peerID, RoleInitiator)
	if err != nil {
		return nil, fmt.Errorf("start call %q: %w", peerID, err)
	}
	if created {
		if err := m.negotiate(ctx, p); err != nil {
			m.negotiationFailed(p, "offer", err)
			return nil, fmt.Errorf("start call %q: %w", peerID, err)
		}
	}
	info, ok := m.Peer(peerID)
	if !ok {
		return nil, fmt.Errorf("start call %q: %w", peerID, ErrUnknownPeer)
	}
	return &info, nil
}

// AcceptIncomingCall applies a remote offer and answers it, creating the
// entry when needed.
func (m *Manager) AcceptIncomingCall(ctx context.Context, peerID string, offer webrtc.SessionDescription) error {
	if peerID == "" || peerID == m.cfg.UserID {
		return fmt.Errorf("accept call %q: %w", peerID, ErrUnknownPeer)
	}
	p, _, err := m.ensurePeer(peerID, RoleResponder)
	if err != nil {
		return fmt.Errorf("accept call %q: %w", peerID, err)
	}
	rerun, err := m.answer(ctx, p, offer)
	if err != nil {
		m.negotiationFailed(p, "answer", err)
		return fmt.Errorf("accept call %q: %w", peerID, err)
	}
	if rerun {
		m.renegotiate(ctx, p)
	}
	return nil
}

// HandleAnswer applies the answer to our offer. Answers for peers without an
// entry are stale and dropped.
func (m *Manager) HandleAnswer(ctx context.Context, peerID string, answer webrtc.SessionDescription) error {
	p, ok := m.lookup(peerID)
	if !ok {
		m.logger.Debug().Str("peer", peerID).Msg("answer for unknown peer dropped")
		return fmt.Errorf("answer from %q: %w", peerID, ErrUnknownPeer)
	}
	rerun, err := m.applyAnswer(p, answer)
	if err != nil {
		m.negotiationFailed(p, "answer", err)
		return fmt.Errorf("answer from %q: %w", peerID, err)
	}
	if rerun {
		m.renegotiate(ctx, p)
	}
	return nil
}

// AddICECandidate applies a remote candidate, queueing it until the remote
// description is in place. A candidate that fails to apply is only logged.
func (m *Manager) AddICECandidate(peerID string, c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug().Str("peer", peerID).Msg("candidate for unknown peer dropped")
		return fmt.Errorf("candidate from %q: %w", peerID, ErrUnknownPeer)
	}
	if !p.remoteSet {
		p.pendingICE = append(p.pendingICE, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.applyCandidate(p, c)
	return nil
}

func (m *Manager) applyCandidate(p *peer, c webrtc.ICECandidateInit) {
	if err := p.conn.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Str("peer", p.id).Str("candidate", c.Candidate).Msg("add ice candidate")
	}
}

// remoteDescriptionSet flushes the candidates queued before the remote
// description arrived.
func (m *Manager) remoteDescriptionSet(p *peer) {
	m.mu.Lock()
	p.remoteSet = true
	queued := p.pendingICE
	p.pendingICE = nil
	m.mu.Unlock()
	for _, c := range queued {
		m.applyCandidate(p, c)
	}
}

// negotiate sends a fresh offer. While another exchange is in flight the
// request is parked and replayed once the connection is stable again.
func (m *Manager) negotiate(ctx context.Context, p *peer) error {
	p.negMu.Lock()
	defer p.negMu.Unlock()
	if !m.alive(p) {
		return nil
	}
	if st := p.conn.SignalingState(); st != webrtc.SignalingStateStable {
		p.pendingRenegotiation = true
		m.logger.Debug().Str("peer", p.id).Str("signaling_state", st.String()).Msg("renegotiation deferred")
		return nil
	}

	offer, err := p.conn.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	m.markNegotiating(p)
	if err := m.cfg.Signaling.Send(ctx, signaling.Offer(m.cfg.UserID, p.id, offer)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	m.markSignaled(p)
	m.logger.Debug().Str("peer", p.id).Msg("offer sent")
	return nil
}

// renegotiate is negotiate for entries that already exist; failures are
// reported and leave the entry in place.
func (m *Manager) renegotiate(ctx context.Context, p *peer) {
	if err := m.negotiate(ctx, p); err != nil {
		m.reportPeerError(p, "renegotiate", err)
	}
}

func (m *Manager) answer(ctx context.Context, p *peer, offer webrtc.SessionDescription) (rerun bool, err error) {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if p.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !m.polite(p.id) {
			m.logger.Debug().Str("peer", p.id).Msg("offer collision, keeping our offer")
			return false, nil
		}
		m.logger.Debug().Str("peer", p.id).Msg("offer collision, rolling back our offer")
		if err := p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return false, fmt.Errorf("rollback local offer: %w", err)
		}
		p.pendingRenegotiation = true
	}

	if err := p.conn.SetRemoteDescription(offer); err != nil {
		return false, fmt.Errorf("set remote offer: %w", err)
	}
	m.remoteDescriptionSet(p)

	answer, err := p.conn.CreateAnswer(ctx)
	if err != nil {
		return false, fmt.Errorf("create answer: %w", err)
	}
	if err := p.conn.SetLocalDescription(answer); err != nil {
		return false, fmt.Errorf("set local answer: %w", err)
	}
	m.markNegotiating(p)
	if err := m.cfg.Signaling.Send(ctx, signaling.Answer(m.cfg.UserID, p.id, answer)); err != nil {
		return false, fmt.Errorf("send answer: %w", err)
	}
	m.markSignaled(p)

	rerun = p.pendingRenegotiation
	p.pendingRenegotiation = false
	return rerun, nil
}

func (m *Manager) applyAnswer(p *peer, answer webrtc.SessionDescription) (rerun bool, err error) {
	p.negMu.Lock()
	defer p.negMu.Unlock()

	if st := p.conn.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug().Str("peer", p.id).Str("signaling_state", st.String()).Msg("answer without pending offer dropped")
		return false, nil
	}
	if err := p.conn.SetRemoteDescription(answer); err != nil {
		return false, fmt.Errorf("set remote answer: %w", err)
	}
	m.remoteDescriptionSet(p)

	rerun = p.pendingRenegotiation
	p.pendingRenegotiation = false
	return rerun, nil
}

// polite decides who yields when both sides offer at once: the peer with the
// greater id rolls back.
func (m *Manager) polite(peerID string) bool {
	return m.cfg.UserID > peerID
}

func (m *Manager) markNegotiating(p *peer) {
	m.mu.Lock()
	if p.state == PeerNew {
		p.state = PeerNegotiating
	}
	m.mu.Unlock()
}

// negotiationFailed reports the error; entries that never connected are
// removed since nothing else will clean them up.
func (m *Manager) negotiationFailed(p *peer, stage string, err error) {
	m.reportPeerError(p, stage, err)
	m.mu.Lock()
	connected := p.state == PeerConnected
	m.mu.Unlock()
	if !connected {
		m.removePeer(p, PeerFailed)
	}
}

func (m *Manager) reportPeerError(p *peer, stage string, err error) {
	m.logger.Error().Err(err).Str("peer", p.id).Str("stage", stage).Msg("negotiation failed")
	m.cb.reportError(fmt.Sprintf("%s with %s: %v", stage, p.id, err))
}
