// Package chaos provides datagram-level fault injection for resilience
// testing. A wrapped socket drops, duplicates, and delays datagrams at
// configured rates so retransmission and duplicate handling can be
// exercised against a misbehaving network.
package chaos

import (
	"math/rand"
	"sync"
	"time"
)

// Config configures fault injection behavior.
type Config struct {
	// DropRate is the chance a datagram is silently discarded (0.0 to 1.0).
	DropRate float64

	// DuplicateRate is the chance an outbound datagram is sent twice
	// (0.0 to 1.0).
	DuplicateRate float64

	// Delay is the base latency added to every surviving datagram.
	// Zero disables delay injection.
	Delay time.Duration

	// DelayJitter is the maximum random addition on top of Delay.
	DelayJitter time.Duration

	// Seed seeds the random source. Zero seeds from the current time,
	// a fixed value makes the fault sequence reproducible.
	Seed int64
}

// Stats counts injected faults.
type Stats struct {
	Dropped    int64
	Duplicated int64
	Delayed    int64
}

// Injector decides the fate of individual datagrams.
type Injector struct {
	cfg Config

	mu      sync.Mutex
	enabled bool
	rng     *rand.Rand
	stats   Stats
}

// NewInjector creates an enabled injector.
func NewInjector(cfg Config) *Injector {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Injector{
		cfg:     cfg,
		enabled: true,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Enable enables fault injection.
func (in *Injector) Enable() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = true
}

// Disable disables fault injection.
func (in *Injector) Disable() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (in *Injector) IsEnabled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.enabled
}

// MaybeDrop returns true if the datagram should be discarded.
func (in *Injector) MaybeDrop() bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.enabled || in.cfg.DropRate <= 0 {
		return false
	}
	if in.rng.Float64() < in.cfg.DropRate {
		in.stats.Dropped++
		return true
	}
	return false
}

// MaybeDuplicate returns true if the datagram should be sent twice.
func (in *Injector) MaybeDuplicate() bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.enabled || in.cfg.DuplicateRate <= 0 {
		return false
	}
	if in.rng.Float64() < in.cfg.DuplicateRate {
		in.stats.Duplicated++
		return true
	}
	return false
}

// MaybeDelay returns the latency to add to the datagram, zero for none.
func (in *Injector) MaybeDelay() time.Duration {
	in.mu.Lock()
	defer in.mu.Unlock()

	if !in.enabled || in.cfg.Delay <= 0 {
		return 0
	}
	d := in.cfg.Delay
	if in.cfg.DelayJitter > 0 {
		d += time.Duration(in.rng.Int63n(int64(in.cfg.DelayJitter)))
	}
	in.stats.Delayed++
	return d
}

// GetStats returns the fault injection statistics.
func (in *Injector) GetStats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stats
}

// Reset resets the fault injection statistics.
func (in *Injector) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stats = Stats{}
}
