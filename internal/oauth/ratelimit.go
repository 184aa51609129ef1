package oauth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultInitiateRate caps how often a single agent may start new
	// authorization flows.
	defaultInitiateRate  = rate.Limit(1.0 / 6.0) // 10 per minute
	defaultInitiateBurst = 5

	limiterIdleTimeout = 30 * time.Minute
)

// agentLimiter tracks a token-bucket limiter per agent ID so that one
// misbehaving agent cannot hammer provider authorization endpoints on
// behalf of everyone else.
type agentLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAgentLimiter(limit rate.Limit, burst int) *agentLimiter {
	if limit <= 0 {
		limit = defaultInitiateRate
	}
	if burst <= 0 {
		burst = defaultInitiateBurst
	}
	return &agentLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether the agent may start another flow right now.
func (l *agentLimiter) Allow(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[agentID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[agentID] = entry
	}
	entry.lastSeen = time.Now()

	l.evictIdleLocked()
	return entry.limiter.Allow()
}

func (l *agentLimiter) evictIdleLocked() {
	cutoff := time.Now().Add(-limiterIdleTimeout)
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}
