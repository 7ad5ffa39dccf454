package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type sessionEntry struct {
	RoomID  domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps client sessions to their user, live connection and room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[core.SessionID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[core.SessionID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(sid core.SessionID) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.userLocked(sid)
}

func (r *Registry) userLocked(sid core.SessionID) *domain.User {
	if u, ok := r.users[sid]; ok {
		return u
	}
	u := domain.NewGuest(domain.UserID(sid))
	r.users[sid] = u
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("created new user")
	return u
}

func (r *Registry) UpdateUsername(sid core.SessionID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.userLocked(sid)
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("username", u.Username).Msg("updated username")
	return nil
}

// Usernames resolves names for ids; unknown ids map to the guest name.
func (r *Registry) Usernames(ids []domain.UserID) map[domain.UserID]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.UserID]string, len(ids))
	for _, id := range ids {
		if u, ok := r.users[core.SessionID(id)]; ok {
			out[id] = u.Username
		} else {
			out[id] = domain.GuestName
		}
	}
	return out
}

// BindSignal registers the live connection of sid. A previous connection
// for the same sid is cancelled and replaced; its room is returned.
func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) (domain.RoomID, bool) {
	r.mu.Lock()
	prev := r.sessions[sid]
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
	if prev == nil {
		return "", false
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("replaced previous connection")
	if prev.Cancel != nil {
		prev.Cancel()
	}
	return prev.RoomID, true
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind drops the entry only if it still belongs to sess and returns the
// room it was in.
func (r *Registry) Unbind(sid core.SessionID, sess core.MemberSession) (domain.RoomID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok || e.Session != sess {
		return "", false
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
	return e.RoomID, true
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	return entry.RoomID, entry.Session, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.RoomID = room
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.RoomID = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}

// Online counts bound connections.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
