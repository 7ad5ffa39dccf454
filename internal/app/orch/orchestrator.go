package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
}

// Broadcast fans a frame out to the sender's room mates.
func (o *Orchestrator) Broadcast(sid core.SessionID, data core.Frame) core.PublishResult {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return core.PublishResult{}
	}
	return o.BroadcastRoom(roomID, sid, data)
}

// BroadcastRoom sends to every member of roomID except skip.
func (o *Orchestrator) BroadcastRoom(roomID domain.RoomID, skip core.SessionID, data core.Frame) core.PublishResult {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return core.PublishResult{}
	}
	res := room.Broadcast(skip, data)
	for _, slow := range res.Dropped {
		o.onBackpressure(room, slow)
	}
	return res
}

// Relay forwards a frame between two members of the same room.
func (o *Orchestrator) Relay(from, to core.SessionID, data core.Frame) error {
	roomID, _, ok := o.Registry.RoomOf(from)
	if !ok {
		return core.ErrNotMember
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok || !room.Has(to) {
		return core.ErrNotMember
	}
	if err := room.SendTo(to, data); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("from", string(from)).Str("to", string(to)).Msg("relay failed")
		o.onBackpressure(room, to)
		return err
	}
	return nil
}

func (o *Orchestrator) onBackpressure(room core.RoomService, slow core.SessionID) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(room, slow) {
	case app.KickMember:
		log.Warn().Str("module", "orch").Str("sid", string(slow)).Msg("kicking slow member")
		o.KickBySID(slow)
	case app.MarkSlow, app.DropFrame, app.NoAction:
	}
}

// Members returns the room's members with their current names.
func (o *Orchestrator) Members(roomID domain.RoomID) ([]core.MemberDTO, bool) {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return nil, false
	}
	snap := room.MembersSnapshot()
	ids := make([]domain.UserID, 0, len(snap))
	for _, m := range snap {
		ids = append(ids, m.ID)
	}
	names := o.Registry.Usernames(ids)
	for i := range snap {
		snap[i].Username = names[snap[i].ID]
	}
	return snap, true
}
