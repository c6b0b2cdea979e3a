package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleTTL is how long an unused per-client bucket is kept.
const idleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RequestLimiter is a per-client token bucket applied to every request,
// independent of the login attempt counter.
type RequestLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRequestLimiter allows perSecond requests per client with the given burst.
func NewRequestLimiter(perSecond float64, burst int) *RequestLimiter {
	return &RequestLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a request from key may proceed now.
func (r *RequestLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.buckets) > pruneThreshold {
		for k, b := range r.buckets {
			if now.Sub(b.lastSeen) > idleTTL {
				delete(r.buckets, k)
			}
		}
	}

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
