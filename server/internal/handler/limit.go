package handler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 30 * time.Minute

// userLimiter hands out one token bucket per user and tracks which users have
// an execution in flight.
type userLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	running  map[string]bool
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &userLimiter{
		limit:    limit,
		burst:    max(burst, 1),
		limiters: make(map[string]*limiterEntry),
		running:  make(map[string]bool),
	}
}

// Allow spends a token for userID.
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.limiters[userID]
	if !ok {
		l.sweep(now)
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Acquire marks userID as executing. It returns false if an execution is
// already running for the user.
func (l *userLimiter) Acquire(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[userID] {
		return false
	}
	l.running[userID] = true
	return true
}

func (l *userLimiter) Release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, userID)
}

// sweep drops buckets idle long enough to have refilled. Caller holds mu.
func (l *userLimiter) sweep(now time.Time) {
	for id, e := range l.limiters {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(l.limiters, id)
		}
	}
}
