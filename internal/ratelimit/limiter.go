// Package ratelimit throttles connection admission per peer and chunk
// bandwidth per session.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Registry hands out one limiter per key (a peer id or remote address).
type Registry struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewRegistry creates a registry whose limiters allow perSecond events
// with the given burst.
func NewRegistry(perSecond float64, burst int) *Registry {
	return &Registry{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Get returns the limiter for key, creating it on first use.
func (r *Registry) Get(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, exists := r.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether key may proceed now.
func (r *Registry) Allow(key string) bool {
	return r.Get(key).Allow()
}

// Len returns the number of tracked keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Bandwidth limits bytes per second. A nil *Bandwidth never waits.
type Bandwidth struct {
	limiter *rate.Limiter
}

// NewBandwidth returns a limiter for bytesPerSecond, or nil when the rate
// is not positive.
func NewBandwidth(bytesPerSecond int) *Bandwidth {
	if bytesPerSecond <= 0 {
		return nil
	}
	return &Bandwidth{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

// WaitN blocks until n bytes may be sent or ctx is done. Requests larger
// than the burst are split.
func (b *Bandwidth) WaitN(ctx context.Context, n int) error {
	if b == nil {
		return nil
	}
	burst := b.limiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := b.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
