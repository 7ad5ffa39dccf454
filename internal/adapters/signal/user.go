package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/signaling"
)

func (ctl *SignalWSController) handleRename(sid core.SessionID, conn *WsSignalConn, msg signaling.Message) {
	if msg.Username == "" {
		ctl.send(conn, signaling.Errorf("empty name"))
		return
	}
	if err := ctl.Orch.Registry.UpdateUsername(sid, msg.Username); err != nil {
		ctl.send(conn, signaling.Errorf("invalid_name"))
		return
	}
	name := ctl.Orch.Registry.GetOrCreateUser(sid).Username
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("name", name).Msg("rename")
	ctl.handleWhoAmI(sid, conn)

	ctl.BroadcastFrom(sid, signaling.Message{
		Type:     signaling.EventRename,
		PeerID:   string(sid),
		Username: name,
	})
}

func (ctl *SignalWSController) handleWhoAmI(sid core.SessionID, conn *WsSignalConn) {
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	resp := signaling.Message{
		Type:     signaling.EventWhoAmI,
		UserID:   string(sid),
		Username: user.Username,
	}
	if roomID, _, ok := ctl.Orch.Registry.RoomOf(sid); ok {
		resp.RoomID = string(roomID)
	}
	ctl.send(conn, resp)
}
