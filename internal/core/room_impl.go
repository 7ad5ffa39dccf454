package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room  *domain.Room
	mu    sync.RWMutex
	bySID map[SessionID]MemberSession
	order map[SessionID]uint64
	seq   uint64
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:  room,
		bySID: make(map[SessionID]MemberSession),
		order: make(map[SessionID]uint64),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) Has(sid SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySID[sid]
	return ok
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		r.seq++
		r.order[sid] = r.seq
	}
	r.bySID[sid] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		return false
	}
	delete(r.bySID, sid)
	delete(r.order, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member removed")
	return true
}

func (r *roomImpl) Peers(except SessionID) []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionID, 0, len(r.bySID))
	for sid := range r.bySID {
		if sid != except {
			out = append(out, sid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i]] < r.order[out[j]] })
	return out
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, sid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(to SessionID, data Frame) error {
	r.mu.RLock()
	m, ok := r.bySID[to]
	r.mu.RUnlock()
	if !ok {
		return ErrNotMember
	}
	return m.Signal().TrySend(data)
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.bySID))
	for _, ms := range r.bySID {
		meta := ms.Meta()
		out = append(out, MemberDTO{ID: meta.User.ID, JoinedAt: meta.JoinedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}
