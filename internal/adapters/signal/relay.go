package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/signaling"
)

// handleRelay forwards an offer, answer or candidate to its addressee. The
// payload is not interpreted; From is always the sender's id.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, msg signaling.Message) {
	msg.From = string(sid)
	if msg.To == msg.From {
		ctl.send(conn, signaling.Errorf("%s: cannot address yourself", msg.Type))
		return
	}
	data, err := signaling.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay marshal")
		return
	}
	err = ctl.Orch.Relay(sid, core.SessionID(msg.To), data)
	switch {
	case err == nil:
		log.Debug().Str("module", "signal").Str("type", string(msg.Type)).Str("from", msg.From).Str("to", msg.To).Msg("relayed")
	case errors.Is(err, core.ErrNotMember):
		ctl.send(conn, signaling.Errorf("%s: peer %s is not in your room", msg.Type, msg.To))
	default:
		log.Warn().Err(err).Str("module", "signal").Str("to", msg.To).Msg("relay dropped")
	}
}
