package stack

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/metrics"
)

// Config holds the engine's timing parameters and ambient dependencies.
// The zero value is usable: missing fields are filled from DefaultConfig
// when the stack is created.
type Config struct {
	// InitialRTO is the wait before the first retransmission.
	InitialRTO time.Duration

	// MaxRTO caps the doubling retransmission interval.
	MaxRTO time.Duration

	// MaxRequests is the total number of sends per transaction,
	// counting the first.
	MaxRequests int

	// FinalWaitFactor scales the last interval into the wait for a
	// straggler response after the final send.
	FinalWaitFactor float64

	// RetentionTime is how long a server transaction replays its cached
	// response to duplicate requests, measured from creation.
	RetentionTime time.Duration

	// RetentionSize bounds the server transaction store. Oldest entries
	// are evicted first under request floods.
	RetentionSize int

	// RequireIntegrity rejects inbound requests that carry no
	// MESSAGE-INTEGRITY attribute with a 400 error response before any
	// listener sees them. Verifying the integrity value is left to the
	// listener, which holds the credentials.
	RequireIntegrity bool

	// Software, when set, is included as a SOFTWARE attribute in
	// responses the engine generates itself (420, 400).
	Software string

	// Clock supplies timers and timestamps. Tests substitute a mock.
	Clock clock.Clock

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the reference RFC 5389 style timing: 100ms initial
// RTO doubling up to 1.6s, 7 sends total, a 1.6x final wait, and a 16s /
// 4096-entry server retention store.
func DefaultConfig() Config {
	return Config{
		InitialRTO:      100 * time.Millisecond,
		MaxRTO:          1600 * time.Millisecond,
		MaxRequests:     7,
		FinalWaitFactor: 1.6,
		RetentionTime:   16 * time.Second,
		RetentionSize:   4096,
	}
}

// withDefaults fills unset fields so the rest of the engine never checks
// for zero values.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialRTO <= 0 {
		c.InitialRTO = def.InitialRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = def.MaxRTO
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.FinalWaitFactor <= 0 {
		c.FinalWaitFactor = def.FinalWaitFactor
	}
	if c.RetentionTime <= 0 {
		c.RetentionTime = def.RetentionTime
	}
	if c.RetentionSize <= 0 {
		c.RetentionSize = def.RetentionSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Default()
	}
	return c
}
