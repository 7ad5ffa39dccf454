package app

import "github.com/dkeye/voicemesh/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.SessionID) BackpressureAction
}

// SimplePolicy kicks slow members.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.SessionID) BackpressureAction {
	return KickMember
}
