package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/signaling"
)

// handleJoin puts the sender in a room, answers with the members already
// there and announces the newcomer to them. Existing members start the calls.
func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, msg signaling.Message) {
	if len(msg.RoomID) > domain.MaxRoomIDLen {
		ctl.send(conn, signaling.Errorf("room id too long"))
		return
	}
	if !ctl.Limiter.Allow(domain.UserID(sid)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.send(conn, signaling.Errorf("too many joins"))
		return
	}
	if msg.Username != "" {
		if err := ctl.Orch.Registry.UpdateUsername(sid, msg.Username); err != nil {
			ctl.send(conn, signaling.Errorf("invalid_name"))
			return
		}
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("rename on join")
	}

	roomID := domain.RoomID(msg.RoomID)
	peers, prev, ok := ctl.Orch.Join(sid, roomID)
	if !ok {
		ctl.send(conn, signaling.Errorf("not connected"))
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", msg.RoomID).Int("peers", len(peers)).Msg("join")
	if prev != "" {
		ctl.BroadcastRoom(prev, sid, signaling.PeerLeft(string(sid)))
	}

	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, string(p))
	}
	user := ctl.Orch.Registry.GetOrCreateUser(sid)
	ctl.send(conn, signaling.Message{
		Type:     signaling.EventJoined,
		RoomID:   msg.RoomID,
		UserID:   string(sid),
		Username: user.Username,
		Peers:    ids,
	})

	joined := signaling.PeerJoined(string(sid))
	joined.Username = user.Username
	ctl.BroadcastFrom(sid, joined)
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID) {
	roomID, ok := ctl.Orch.Leave(sid)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(roomID)).Msg("leave")
	ctl.BroadcastRoom(roomID, sid, signaling.PeerLeft(string(sid)))
}
