package call

import (
	"github.com/dkeye/voicemesh/internal/signaling"
)

// subscribe registers the signaling handlers once per manager.
func (m *Manager) subscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unsubs) > 0 {
		return
	}
	sig := m.cfg.Signaling
	m.unsubs = []func(){
		sig.On(signaling.EventPeerJoined, m.onPeerJoined),
		sig.On(signaling.EventPeerLeft, m.onPeerLeft),
		sig.On(signaling.EventOffer, m.onOffer),
		sig.On(signaling.EventAnswer, m.onAnswer),
		sig.On(signaling.EventICECandidate, m.onCandidate),
		sig.On(signaling.EventError, m.onSignalError),
	}
}

// addressed filters relayed messages that are not for us.
func (m *Manager) addressed(msg signaling.Message) bool {
	return msg.From != "" && msg.From != m.cfg.UserID && (msg.To == "" || msg.To == m.cfg.UserID)
}

// onPeerJoined makes existing members call the newcomer; the newcomer
// itself only answers.
func (m *Manager) onPeerJoined(msg signaling.Message) {
	if msg.PeerID == "" || msg.PeerID == m.cfg.UserID {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()
	if _, err := m.StartCall(ctx, msg.PeerID); err != nil {
		m.logger.Warn().Err(err).Str("peer", msg.PeerID).Msg("call newcomer")
	}
}

func (m *Manager) onPeerLeft(msg signaling.Message) {
	if msg.PeerID == "" {
		return
	}
	if err := m.HangUp(msg.PeerID); err != nil {
		m.logger.Debug().Err(err).Msg("peer-left")
	}
}

func (m *Manager) onOffer(msg signaling.Message) {
	if !m.addressed(msg) || msg.Offer == nil {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.AcceptIncomingCall(ctx, msg.From, *msg.Offer); err != nil {
		m.logger.Warn().Err(err).Str("peer", msg.From).Msg("accept offer")
	}
}

func (m *Manager) onAnswer(msg signaling.Message) {
	if !m.addressed(msg) || msg.Answer == nil {
		return
	}
	ctx, cancel := m.opContext()
	defer cancel()
	if err := m.HandleAnswer(ctx, msg.From, *msg.Answer); err != nil {
		m.logger.Debug().Err(err).Str("peer", msg.From).Msg("handle answer")
	}
}

func (m *Manager) onCandidate(msg signaling.Message) {
	if !m.addressed(msg) || msg.Candidate == nil {
		return
	}
	if err := m.AddICECandidate(msg.From, *msg.Candidate); err != nil {
		m.logger.Debug().Err(err).Str("peer", msg.From).Msg("remote candidate")
	}
}

func (m *Manager) onSignalError(msg signaling.Message) {
	m.logger.Warn().Str("error", msg.Error).Msg("signaling error")
	m.cb.reportError("signaling: " + msg.Error)
}
