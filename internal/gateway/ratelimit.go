package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles RPC requests per connected client, using the same
// golang.org/x/time/rate token-bucket approach as the delivery dispatcher
// (internal/dispatch) applies per channel account — here keyed by client ID
// instead of (channel, account).
type RateLimiter struct {
	rpm int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter allowing rpm requests/minute per client.
// rpm <= 0 disables rate limiting entirely.
func NewRateLimiter(rpm int) *RateLimiter {
	return &RateLimiter{rpm: rpm, limiters: make(map[string]*rate.Limiter)}
}

// Enabled reports whether this limiter actually throttles anything.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow reports whether clientID may make another request right now.
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[clientID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.rpm)
		r.limiters[clientID] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// Forget drops a client's bucket once it disconnects, so long-lived
// gateways don't accumulate one limiter per ever-connected client.
func (r *RateLimiter) Forget(clientID string) {
	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}
