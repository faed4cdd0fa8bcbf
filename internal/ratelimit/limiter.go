// Package ratelimit provides per-owner request budgets for the API.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter hands out one token bucket per owner. Buckets are created on
// first use and never expire; the owner population is small and stable.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	perHour  int
	burst    int
}

// NewLimiter allows requestsPerHour sustained requests per owner with
// the given burst headroom.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		perHour:  requestsPerHour,
		burst:    burst,
	}
}

func (l *Limiter) limiter(owner string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[owner]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[owner] = lim
	}
	return lim
}

// Allow reports whether the owner may make one more request now.
func (l *Limiter) Allow(owner string) bool {
	return l.limiter(owner).Allow()
}

// Tokens returns the owner's remaining burst allowance.
func (l *Limiter) Tokens(owner string) float64 {
	return l.limiter(owner).Tokens()
}

// PerHour returns the configured sustained rate.
func (l *Limiter) PerHour() int { return l.perHour }

// Burst returns the configured burst size.
func (l *Limiter) Burst() int { return l.burst }
