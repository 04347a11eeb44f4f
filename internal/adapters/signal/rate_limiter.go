package signal

import (
	"sync"
	"time"

	"github.com/dkeye/voicechat/internal/domain"
	"golang.org/x/time/rate"
)

// JoinRateLimiter keeps one token bucket per user.
type JoinRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.UserID]*userLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewJoinRateLimiter allows perSecond joins per user with the given burst.
func NewJoinRateLimiter(perSecond float64, burst int) *JoinRateLimiter {
	return &JoinRateLimiter{
		limiters: make(map[domain.UserID]*userLimiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *JoinRateLimiter) Allow(uid domain.UserID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	ul, ok := rl.limiters[uid]
	if !ok {
		rl.sweep(now)
		ul = &userLimiter{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[uid] = ul
	}
	ul.lastSeen = now
	return ul.lim.AllowN(now, 1)
}

// sweep forgets users idle long enough for their bucket to be full again.
func (rl *JoinRateLimiter) sweep(now time.Time) {
	for id, ul := range rl.limiters {
		if now.Sub(ul.lastSeen) > rl.idle {
			delete(rl.limiters, id)
		}
	}
}
