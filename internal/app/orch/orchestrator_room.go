package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

// Join moves sid into roomID and returns the members already there, in
// join order. A member of another room leaves it first; prev reports that room.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID) (peers []core.SessionID, prev domain.RoomID, ok bool) {
	session, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, "", false
	}
	if current, _, in := o.Registry.RoomOf(sid); in {
		if current == roomID {
			room := o.Rooms.GetOrCreate(roomID)
			return room.Peers(sid), "", true
		}
		o.Leave(sid)
		prev = current
		log.Info().Str("sid", string(sid)).Str("from_room", string(current)).Msg("left previous room")
	}

	room := o.Rooms.GetOrCreate(roomID)
	peers = room.Peers(sid)
	room.AddMember(sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	log.Info().Str("sid", string(sid)).Str("room", string(roomID)).Int("peers", len(peers)).Msg("added to room")
	return peers, prev, true
}

// Connect binds a new connection for sid. When it replaces an older one
// that was in a room, sid is removed from that room and the room returned.
func (o *Orchestrator) Connect(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) (domain.RoomID, bool) {
	prevRoom, replaced := o.Registry.BindSignal(sid, sess, cancel)
	if !replaced || prevRoom == "" {
		return "", false
	}
	o.removeFromRoom(sid, prevRoom)
	return prevRoom, true
}

// Disconnect drops a closed connection. It is a no-op when sess was already
// replaced by a newer connection.
func (o *Orchestrator) Disconnect(sid core.SessionID, sess core.MemberSession) (domain.RoomID, bool) {
	roomID, ok := o.Registry.Unbind(sid, sess)
	if !ok || roomID == "" {
		return "", false
	}
	o.removeFromRoom(sid, roomID)
	return roomID, true
}

// Leave removes sid from its room and returns the room it was in.
func (o *Orchestrator) Leave(sid core.SessionID) (domain.RoomID, bool) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	o.Registry.RemoveRoom(sid)
	o.removeFromRoom(sid, roomID)
	return roomID, true
}

func (o *Orchestrator) removeFromRoom(sid core.SessionID, roomID domain.RoomID) {
	if room, ok := o.Rooms.Get(roomID); ok {
		room.RemoveMember(sid)
	}
	o.Rooms.RemoveIfEmpty(roomID)
}

// KickBySID cancels the member's connection; the transport adapter runs the
// usual leave path when its pumps stop.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	room, ok := o.Rooms.Get(id)
	if !ok {
		return
	}
	for _, sid := range room.Peers("") {
		o.KickBySID(sid)
	}
	o.Rooms.StopRoom(id)
}
