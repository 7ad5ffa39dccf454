package signal

import (
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
)

// sweepEvery is how many Allow calls pass between sweeps of idle users.
const sweepEvery = 256

// RoomRateLimiter caps joins per user in a sliding window.
type RoomRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.UserID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
	calls    int
}

func NewRoomRateLimiter(limit int, interval time.Duration) *RoomRateLimiter {
	return &RoomRateLimiter{
		history:  make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records a join attempt by uid and reports whether it is within the limit.
func (rl *RoomRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	rl.calls++
	if rl.calls%sweepEvery == 0 {
		rl.sweepLocked(windowStart)
	}

	fresh := recent(rl.history[uid], windowStart)
	if len(fresh) >= rl.limit {
		rl.history[uid] = fresh
		return false
	}
	rl.history[uid] = append(fresh, now)
	return true
}

// Tracked is the number of users with join history.
func (rl *RoomRateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

// sweepLocked forgets users with no attempt inside the window.
func (rl *RoomRateLimiter) sweepLocked(windowStart time.Time) {
	for uid, attempts := range rl.history {
		if len(recent(attempts, windowStart)) == 0 {
			delete(rl.history, uid)
		}
	}
}

func recent(attempts []time.Time, windowStart time.Time) []time.Time {
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
