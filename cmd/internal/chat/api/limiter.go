package chatapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL    = 10 * time.Minute
	limiterSweepEvery = time.Minute
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter holds one token bucket per caller. Idle buckets are swept
// lazily from Allow.
type keyedLimiter struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	limit     rate.Limit
	burst     int
	lastSweep time.Time
}

func newKeyedLimiter(perSecond float64, burst int) *keyedLimiter {
	return &keyedLimiter{
		m:     make(map[string]*limiterEntry),
		limit: rate.Limit(perSecond),
		burst: burst,
	}
}

func (k *keyedLimiter) Allow(key string, now time.Time) bool {
	k.mu.Lock()
	if now.Sub(k.lastSweep) >= limiterSweepEvery {
		cutoff := now.Add(-limiterIdleTTL)
		for key, e := range k.m {
			if e.lastSeen.Before(cutoff) {
				delete(k.m, key)
			}
		}
		k.lastSweep = now
	}
	e, ok := k.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(k.limit, k.burst)}
		k.m[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()

	return e.l.AllowN(now, 1)
}
