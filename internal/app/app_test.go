package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func session(id string) core.MemberSession {
	return core.NewMemberSession(domain.NewMember(&domain.User{ID: domain.UserID(id)}), nopSignal{})
}

func TestRegistry_BindReplaceUnbind(t *testing.T) {
	r := NewRegistry()
	first, second := session("a"), session("a")

	cancelled := false
	_, replaced := r.BindSignal("a", first, func() { cancelled = true })
	assert.False(t, replaced)
	require.True(t, r.UpdateRoom("a", "room"))

	room, replaced := r.BindSignal("a", second, nil)
	assert.True(t, replaced)
	assert.True(t, cancelled)
	assert.Equal(t, domain.RoomID("room"), room)

	_, _, inRoom := r.RoomOf("a")
	assert.False(t, inRoom, "new connection starts outside any room")

	_, ok := r.Unbind("a", first)
	assert.False(t, ok, "stale connection must not unbind the new one")
	got, ok := r.GetSession("a")
	require.True(t, ok)
	assert.Same(t, second, got)

	_, ok = r.Unbind("a", second)
	assert.True(t, ok)
	assert.Equal(t, 0, r.Online())
}

func TestRegistry_Usernames(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, "guest", r.GetOrCreateUser("a").Username)
	require.NoError(t, r.UpdateUsername("a", "alice"))
	assert.ErrorIs(t, r.UpdateUsername("a", ""), domain.ErrUsernameEmpty)

	names := r.Usernames([]domain.UserID{"a", "b"})
	assert.Equal(t, map[domain.UserID]string{"a": "alice", "b": "guest"}, names)
}

func TestRoomManager(t *testing.T) {
	m := NewRoomManager()
	r := m.GetOrCreate("b")
	assert.Same(t, r, m.GetOrCreate("b"))
	m.GetOrCreate("a")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("a"), list[0].ID)

	r.AddMember("x", session("x"))
	assert.False(t, m.RemoveIfEmpty("b"))
	r.RemoveMember("x")
	assert.True(t, m.RemoveIfEmpty("b"))
	_, ok := m.Get("b")
	assert.False(t, ok)

	m.StopRoom("a")
	assert.Empty(t, m.List())
}
