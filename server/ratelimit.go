package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long an unused per-user limiter is kept
const limiterIdle = 30 * time.Minute

// userLimiter hands out one token bucket per user for generation requests.
// A rate of zero disables limiting.
type userLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*userBucket
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*userBucket),
	}
}

// Allow consumes a token for userID
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.perMin <= 0 {
		return true
	}
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{limiter: newLimiter(l.perMin)}
		l.limiters[userID] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// SetRate changes the per-user rate; existing buckets adopt it immediately.
func (l *userLimiter) SetRate(perMinute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.perMin = perMinute
	for _, b := range l.limiters {
		if perMinute <= 0 {
			b.limiter.SetLimit(rate.Inf)
			continue
		}
		b.limiter.SetLimit(rate.Limit(float64(perMinute) / 60.0))
		b.limiter.SetBurst(burstFor(perMinute))
	}
}

// Prune drops buckets idle for longer than limiterIdle
func (l *userLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-limiterIdle)
	removed := 0
	for user, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, user)
			removed++
		}
	}
	return removed
}

func newLimiter(perMinute int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burstFor(perMinute))
}

// burstFor lets a user spend a few requests back to back
func burstFor(perMinute int) int {
	if perMinute < 3 {
		return 1
	}
	return 3
}
