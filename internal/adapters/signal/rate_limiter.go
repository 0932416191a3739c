package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Helpline/internal/clock"
	"github.com/dkeye/Helpline/internal/core"
)

// RateLimiter is a sliding window limit on signaling messages per connection.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(clk clock.Clock, limit int, interval time.Duration) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		clock:    clk,
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt by sid and reports whether it fits the window.
func (rl *RateLimiter) Allow(sid core.SessionID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}
	rl.history[sid] = append(fresh, now)
	return true
}

func (rl *RateLimiter) Forget(sid core.SessionID) {
	rl.mu.Lock()
	delete(rl.history, sid)
	rl.mu.Unlock()
}
