package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// sourceLimiter enforces a per-source submission rate so one
// compromised source cannot crowd out the rest of the population.
type sourceLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a submission from the source may proceed now.
// Unknown source IDs get their own bucket; the admission verifier
// rejects them afterwards, so they cannot starve registered sources.
func (l *sourceLimiter) Allow(sourceID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[sourceID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[sourceID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
