package responder

import (
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request handling per source IP.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per source.
	RequestsPerSecond float64

	// Burst is how many requests a source may send back to back
	// before the sustained rate applies.
	Burst int

	// MaxSources bounds the limiter table. The least recently seen
	// source is evicted when the table is full, so a flood of spoofed
	// addresses cannot grow it without bound.
	MaxSources int
}

// sourceLimiter keeps one token bucket per source IP in an LRU table.
type sourceLimiter struct {
	mu      sync.Mutex // makes get-or-create atomic
	sources *lru.Cache[netip.Addr, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

func newSourceLimiter(cfg RateLimitConfig) *sourceLimiter {
	maxSources := cfg.MaxSources
	if maxSources < 1 {
		maxSources = 8192
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	// lru.New fails only on a non-positive size.
	sources, _ := lru.New[netip.Addr, *rate.Limiter](maxSources)
	return &sourceLimiter{
		sources: sources,
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   burst,
	}
}

// allow reports whether a request from src may be handled now. A source
// evicted from the table starts over with a full bucket.
func (sl *sourceLimiter) allow(src netip.Addr) bool {
	sl.mu.Lock()
	lim, ok := sl.sources.Get(src)
	if !ok {
		lim = rate.NewLimiter(sl.limit, sl.burst)
		sl.sources.Add(src, lim)
	}
	sl.mu.Unlock()
	return lim.Allow()
}

// tracked returns the number of sources currently in the table.
func (sl *sourceLimiter) tracked() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.sources.Len()
}
