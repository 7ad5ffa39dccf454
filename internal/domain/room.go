package domain

import "time"

type RoomID string

const MaxRoomIDLen = 64

type Room struct {
	ID        RoomID    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
