package ops

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/kuuji/turngate/internal/session"
)

// DefaultSendRate and DefaultSendBurst bound how often a single allocation
// may push Send indications or ChannelData frames toward a peer. spec.md
// leaves quota enforcement to the Observer (an Open Question); this relay
// enforces it instead with a plain token bucket per Symbol rather than a
// callout.
const (
	DefaultSendRate  = 200 // packets/sec
	DefaultSendBurst = 400
)

// RateLimiter caps outbound relay throughput per allocation, so one noisy
// client can't monopolize the server's ability to forward peer traffic.
type RateLimiter struct {
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[session.Symbol]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing perSecond packets per
// Symbol, with burst capacity to absorb short spikes.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[session.Symbol]*rate.Limiter),
	}
}

// Allow reports whether sym may send one more packet right now.
func (r *RateLimiter) Allow(sym session.Symbol) bool {
	r.mu.Lock()
	lim, ok := r.limiters[sym]
	if !ok {
		lim = rate.NewLimiter(r.rate, r.burst)
		r.limiters[sym] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Forget drops sym's bucket, called on allocation teardown so the map
// doesn't grow unboundedly across the server's lifetime.
func (r *RateLimiter) Forget(sym session.Symbol) {
	r.mu.Lock()
	delete(r.limiters, sym)
	r.mu.Unlock()
}
