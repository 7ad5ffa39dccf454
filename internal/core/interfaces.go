package core

import (
	"errors"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

var (
	ErrNotMember    = errors.New("not a member of the room")
	ErrBackpressure = errors.New("backpressure")
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SessionID identifies one client; it doubles as the peer id in a room.
type SessionID string

//go:generate mockgen -destination=coremock/signal.go -package=coremock . SignalConnection

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SessionID
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username"`
	JoinedAt time.Time     `json:"joined_at"`
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	// MembersSnapshot leaves Username empty; the registry owns names.
	MembersSnapshot() []MemberDTO
	// Peers lists member ids in join order, without except.
	Peers(except SessionID) []SessionID
	Has(sid SessionID) bool

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID) bool
	Broadcast(from SessionID, data Frame) PublishResult
	// SendTo delivers to a single member.
	SendTo(to SessionID, data Frame) error
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
	CreatedAt   time.Time     `json:"created_at"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	Get(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
	// RemoveIfEmpty drops the room once its last member left.
	RemoveIfEmpty(id domain.RoomID) bool
}
