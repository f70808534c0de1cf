package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per caller key. Buckets idle for
// longer than idleTTL are dropped on the next sweep.
type limiterPool struct {
	mu      sync.Mutex
	rps     float64
	burst   int
	idleTTL time.Duration
	m       map[string]*pooledLimiter
	swept   time.Time
}

type pooledLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 10
	}
	return &limiterPool{rps: rps, burst: burst, idleTTL: 10 * time.Minute, m: map[string]*pooledLimiter{}}
}

func (p *limiterPool) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.swept) > p.idleTTL {
		for k, entry := range p.m {
			if now.Sub(entry.seen) > p.idleTTL {
				delete(p.m, k)
			}
		}
		p.swept = now
	}
	entry, ok := p.m[key]
	if !ok {
		entry = &pooledLimiter{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = entry
	}
	entry.seen = now
	return entry.limiter
}

func (p *limiterPool) allow(key string, now time.Time) bool {
	if p == nil {
		return true
	}
	return p.get(key, now).AllowN(now, 1)
}

// retryAfter is the whole seconds until one token is available again.
func (p *limiterPool) retryAfter() int {
	secs := int(1 / p.rps)
	if secs < 1 {
		secs = 1
	}
	return secs
}
