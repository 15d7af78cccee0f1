// Package transport wraps bound UDP sockets in adapters the transaction
// engine drives: one receive goroutine per adapter delivers inbound
// datagrams to a handler, Send writes outbound ones. Network-level
// delivery failures are not reported here; they surface asynchronously
// through the ICMP watcher.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/metrics"
	"github.com/postalsys/stunwire/internal/recovery"
)

const (
	// DefaultReadBufferSize fits any STUN message this engine produces
	// plus headroom; datagrams longer than the buffer are truncated.
	DefaultReadBufferSize = 4096

	// maxConsecutiveReadErrors bounds a socket stuck returning errors so
	// the loop does not spin.
	maxConsecutiveReadErrors = 16
)

var (
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")

	// ErrEmptyPayload is returned by Send for a zero-length datagram.
	ErrEmptyPayload = errors.New("empty payload")
)

// Handler receives one inbound datagram tagged with both endpoint
// addresses. The data slice is reused for the next read; handlers must not
// retain it past the call.
type Handler func(data []byte, local, remote netip.AddrPort)

// Options configures an Adapter. The zero value is usable.
type Options struct {
	// ReadBufferSize is the receive buffer handed to each read.
	// Defaults to DefaultReadBufferSize.
	ReadBufferSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Adapter owns one bound UDP socket. Create it with Listen or NewAdapter,
// wire the receive side with Start, and close it exactly once.
type Adapter struct {
	conn    net.PacketConn
	local   netip.AddrPort
	bufSize int
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// Listen binds a UDP socket on addr ("ip:port", port 0 for ephemeral) with
// SO_REUSEADDR set and wraps it in an Adapter.
func Listen(addr string, opts Options) (*Adapter, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return NewAdapter(pc, opts)
}

// NewAdapter wraps an already-bound packet connection. On success the
// adapter owns the connection and closes it; on error the caller keeps it.
func NewAdapter(pc net.PacketConn, opts Options) (*Adapter, error) {
	local, err := addrPortOf(pc.LocalAddr())
	if err != nil {
		return nil, err
	}
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}

	return &Adapter{
		conn:    pc,
		local:   local,
		bufSize: opts.ReadBufferSize,
		logger: opts.Logger.With(
			slog.String(logging.KeyComponent, "transport"),
			slog.String(logging.KeyLocalAddr, local.String())),
		metrics: opts.Metrics,
	}, nil
}

// LocalAddr reports the bound address inbound datagrams are tagged with.
func (a *Adapter) LocalAddr() netip.AddrPort {
	return a.local
}

// Start launches the receive loop delivering to h. Only the first call
// does anything.
func (a *Adapter) Start(h Handler) {
	a.mu.Lock()
	if a.started || a.closed {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.wg.Add(1)
	a.mu.Unlock()

	go a.readLoop(h)
}

// Send writes one datagram to to. Network-level delivery failures surface
// asynchronously through ICMP, never here; Send fails only on misuse.
func (a *Adapter) Send(data []byte, to netip.AddrPort) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if a.isClosed() {
		return ErrTransportClosed
	}

	n, err := a.conn.WriteTo(data, net.UDPAddrFromAddrPort(to))
	if err != nil {
		if a.isClosed() || errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("send to %s: %w", to, err)
	}
	a.metrics.RecordDatagramSent(n)
	return nil
}

// Close stops the receive loop and closes the socket. It is idempotent and
// returns after the loop has exited.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	err := a.conn.Close()
	a.wg.Wait()
	return err
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.closed
}

func (a *Adapter) readLoop(h Handler) {
	defer a.wg.Done()
	defer recovery.RecoverWithCallback(a.logger, "udp read loop", func(interface{}) {
		a.metrics.RecordPanic()
	})

	buf := make([]byte, a.bufSize)
	errs := 0
	for {
		n, addr, err := a.conn.ReadFrom(buf)
		if err != nil {
			if a.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			errs++
			if errs >= maxConsecutiveReadErrors {
				a.logger.Warn("read loop stopping after repeated errors",
					logging.KeyError, err.Error())
				return
			}
			a.logger.Debug("read failed", logging.KeyError, err.Error())
			continue
		}
		errs = 0

		remote, err := addrPortOf(addr)
		if err != nil {
			a.logger.Debug("dropping datagram with unusable source address",
				logging.KeyError, err.Error())
			continue
		}
		a.metrics.RecordDatagramReceived(n)
		h(buf[:n], a.local, netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()))
	}
}

// addrPortOf extracts a netip.AddrPort from a net.Addr.
func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.AddrPort(), nil
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("unsupported address %q: %w", addr.String(), err)
	}
	return ap, nil
}
