// Package bench generates Binding request load against a STUN server and
// aggregates latency statistics.
package bench

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/stunwire/internal/discover"
	"github.com/postalsys/stunwire/internal/stack"
	"github.com/postalsys/stunwire/internal/stun"
)

// Config contains load generator configuration.
type Config struct {
	// Server is the host:port to benchmark.
	Server string

	// Local selects the sending socket. The zero AddrPort means the
	// engine's single attached socket.
	Local netip.AddrPort

	// Concurrency is the number of workers. Each worker keeps one
	// transaction in flight, so it also bounds outstanding requests.
	Concurrency int

	// Requests is the total number of transactions to run. Zero means
	// unbounded; Duration stops the run instead.
	Requests int

	// Duration stops the run after this long. Zero means the run ends
	// when Requests transactions have finished.
	Duration time.Duration

	// Software is the SOFTWARE attribute for requests. Empty omits it.
	Software string
}

// DefaultConfig returns a load generator configuration with sensible
// defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 8,
		Requests:    100,
	}
}

// Metrics contains the aggregated outcome of a run.
type Metrics struct {
	TotalRequests     int64
	Successful        int64
	Timeouts          int64
	Unreachable       int64
	ErrorResponses    int64
	SendErrors        int64
	BytesReceived     int64
	Duration          time.Duration
	RequestsPerSecond float64
	MinRTT            time.Duration
	AvgRTT            time.Duration
	MaxRTT            time.Duration
}

// Generator runs Binding transactions through an engine.
type Generator struct {
	cfg   Config
	stack *stack.Stack

	claimed int64
	metrics Metrics

	mu     sync.Mutex // guards the RTT aggregates below
	rttSum time.Duration
	rttMin time.Duration
	rttMax time.Duration
}

// NewGenerator creates a load generator that sends through st.
func NewGenerator(st *stack.Stack, cfg Config) *Generator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Generator{
		cfg:    cfg,
		stack:  st,
		rttMin: time.Duration(math.MaxInt64),
	}
}

// Run executes the load test and returns the aggregated metrics. It
// returns once every worker has finished.
func (g *Generator) Run(ctx context.Context) (*Metrics, error) {
	target, err := resolveTarget(g.cfg.Server)
	if err != nil {
		return nil, err
	}

	if g.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < g.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, target)
		}()
	}

	wg.Wait()
	g.metrics.Duration = time.Since(start)

	if g.metrics.Duration > 0 {
		finished := g.metrics.Successful + g.metrics.Timeouts + g.metrics.Unreachable + g.metrics.ErrorResponses
		g.metrics.RequestsPerSecond = float64(finished) / g.metrics.Duration.Seconds()
	}
	if g.metrics.Successful > 0 {
		g.mu.Lock()
		g.metrics.MinRTT = g.rttMin
		g.metrics.MaxRTT = g.rttMax
		g.metrics.AvgRTT = g.rttSum / time.Duration(g.metrics.Successful)
		g.mu.Unlock()
	}

	return &g.metrics, nil
}

func (g *Generator) runWorker(ctx context.Context, target netip.AddrPort) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if g.cfg.Requests > 0 && atomic.AddInt64(&g.claimed, 1) > int64(g.cfg.Requests) {
			return
		}

		req, err := stun.NewBindingRequest()
		if err != nil {
			atomic.AddInt64(&g.metrics.SendErrors, 1)
			atomic.AddInt64(&g.metrics.TotalRequests, 1)
			continue
		}
		if g.cfg.Software != "" {
			stun.AppendSoftware(req, g.cfg.Software)
		}

		col := discover.NewCollector()
		if _, err := g.stack.SendRequest(req, target, g.cfg.Local, stun.SigningOptions{}, col); err != nil {
			atomic.AddInt64(&g.metrics.SendErrors, 1)
			atomic.AddInt64(&g.metrics.TotalRequests, 1)
			// A stopped engine fails every further send; stop the worker.
			return
		}
		atomic.AddInt64(&g.metrics.TotalRequests, 1)

		out, err := col.Wait(ctx)
		if err != nil {
			// The run is over; the in-flight transaction is abandoned.
			return
		}

		switch {
		case out.Failure != nil && out.Failure.Reason == stack.ReasonUnreachable:
			atomic.AddInt64(&g.metrics.Unreachable, 1)
		case out.Failure != nil:
			atomic.AddInt64(&g.metrics.Timeouts, 1)
		case out.Response.Response.IsErrorResponse():
			atomic.AddInt64(&g.metrics.ErrorResponses, 1)
		default:
			atomic.AddInt64(&g.metrics.Successful, 1)
			atomic.AddInt64(&g.metrics.BytesReceived, int64(len(out.Response.Response.Raw)))
			g.recordRTT(out.Response.RTT)
		}
	}
}

func (g *Generator) recordRTT(rtt time.Duration) {
	g.mu.Lock()
	g.rttSum += rtt
	if rtt < g.rttMin {
		g.rttMin = rtt
	}
	if rtt > g.rttMax {
		g.rttMax = rtt
	}
	g.mu.Unlock()
}

func resolveTarget(server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", server, err)
	}
	target := ua.AddrPort()
	if !target.IsValid() || target.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("unusable server address: %s", server)
	}
	return netip.AddrPortFrom(target.Addr().Unmap(), target.Port()), nil
}

// Report renders the metrics for terminal output.
func (m *Metrics) Report() string {
	var b strings.Builder

	fmt.Fprintf(&b, "requests:     %s in %s (%s/s)\n",
		humanize.Comma(m.TotalRequests),
		m.Duration.Round(time.Millisecond),
		humanize.FtoaWithDigits(m.RequestsPerSecond, 1))
	fmt.Fprintf(&b, "successful:   %s (%s received)\n",
		humanize.Comma(m.Successful),
		humanize.IBytes(uint64(m.BytesReceived)))
	fmt.Fprintf(&b, "failed:       %s timeouts, %s unreachable, %s error responses, %s send errors\n",
		humanize.Comma(m.Timeouts),
		humanize.Comma(m.Unreachable),
		humanize.Comma(m.ErrorResponses),
		humanize.Comma(m.SendErrors))
	if m.Successful > 0 {
		fmt.Fprintf(&b, "rtt:          min %s / avg %s / max %s\n",
			m.MinRTT.Round(time.Microsecond),
			m.AvgRTT.Round(time.Microsecond),
			m.MaxRTT.Round(time.Microsecond))
	}

	return b.String()
}
