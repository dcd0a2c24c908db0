package policy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
	limited  bool
}

// limiterPool holds one token bucket per origin chat. Entries idle for
// longer than ttl are evicted during lookups; ttl always exceeds the time a
// bucket needs to refill completely, so eviction never grants extra tokens.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	cfg       RateConfig
	ttl       time.Duration
	lastSweep time.Time
}

func newLimiterPool(cfg RateConfig) *limiterPool {
	ttl := 10 * time.Minute
	if full := cfg.Refill * time.Duration(cfg.Burst); full*2 > ttl {
		ttl = full * 2
	}
	return &limiterPool{m: make(map[string]*limiterEntry), cfg: cfg, ttl: ttl}
}

// allow takes one token for key at now. burstStart is true when this call
// flips the chat from admitted to limited.
func (p *limiterPool) allow(key string, now time.Time) (ok, burstStart bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) > p.ttl {
		cutoff := now.Add(-p.ttl)
		for k, e := range p.m {
			if e.lastSeen.Before(cutoff) {
				delete(p.m, k)
			}
		}
		p.lastSweep = now
	}

	e, found := p.m[key]
	if !found {
		e = &limiterEntry{l: rate.NewLimiter(rate.Every(p.cfg.Refill), p.cfg.Burst)}
		p.m[key] = e
	}
	e.lastSeen = now

	if e.l.AllowN(now, 1) {
		e.limited = false
		return true, false
	}
	burstStart = !e.limited
	e.limited = true
	return false, burstStart
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
