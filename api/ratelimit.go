package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter per job-submission client, grounded
// on the teacher's services/rate_limiter.go per-IP limiter design.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	allowed int64
	denied  int64
}

// NewRateLimiter constructs a limiter allowing perSecond requests per
// client key, with a burst of perSecond truncated to an integer and raised
// to at least 1.
func NewRateLimiter(perSecond float64) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 20
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}

	l := rate.NewLimiter(r.limit, r.burst)
	r.limiters[key] = l

	if len(r.limiters) > 1000 {
		r.evictLocked()
	}
	return l
}

// evictLocked drops half the tracked clients; called with mu held.
func (r *RateLimiter) evictLocked() {
	target := len(r.limiters) / 2
	removed := 0
	for key := range r.limiters {
		if removed >= target {
			break
		}
		delete(r.limiters, key)
		removed++
	}
}

// Allow reports whether a request from key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	ok := r.limiterFor(key).Allow()
	r.mu.Lock()
	if ok {
		r.allowed++
	} else {
		r.denied++
	}
	r.mu.Unlock()
	return ok
}

// Stats reports allow/deny counters for the metrics endpoint.
type RateLimiterStats struct {
	Allowed     int64   `json:"allowed"`
	Denied      int64   `json:"denied"`
	TrackedKeys int     `json:"tracked_keys"`
	LimitPerSec float64 `json:"limit_per_sec"`
}

func (r *RateLimiter) Stats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStats{
		Allowed:     r.allowed,
		Denied:      r.denied,
		TrackedKeys: len(r.limiters),
		LimitPerSec: float64(r.limit),
	}
}
