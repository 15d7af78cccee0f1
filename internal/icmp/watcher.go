package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/recovery"
)

const (
	// ICMPv4ProtocolNumber is the IANA protocol number for ICMP.
	ICMPv4ProtocolNumber = 1

	// udpProtocolNumber is the IANA protocol number for UDP, matched
	// against the embedded original header.
	udpProtocolNumber = 17

	// udpHeaderSize is how much of the original datagram a Destination
	// Unreachable must embed after the IP header per RFC 792.
	udpHeaderSize = 8

	readBufferSize = 1500

	maxConsecutiveReadErrors = 16
)

// ErrUnsupported is returned by Start when no ICMP socket can be opened,
// typically for lack of privileges.
var ErrUnsupported = errors.New("icmp watcher unavailable")

// Notifier receives the destinations reported unreachable. *stack.Stack
// satisfies it.
type Notifier interface {
	// NotifyUnreachable fails outstanding transactions addressed to
	// remote and returns how many were failed. An invalid local matches
	// any sending socket.
	NotifyUnreachable(local, remote netip.AddrPort) int
}

// Watcher reads Destination Unreachable messages from an ICMP socket and
// reports the embedded UDP destinations to a Notifier.
type Watcher struct {
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *icmp.PacketConn
	mode    string
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewWatcher creates a stopped watcher. Call Start to open the socket.
func NewWatcher(n Notifier, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Watcher{
		notifier: n,
		logger:   logger.With(slog.String(logging.KeyComponent, "icmp")),
	}
}

// Start opens the ICMP socket and spawns the read loop. It returns
// ErrUnsupported when no socket mode is available; the caller can treat
// that as a degraded-but-working condition.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.closed {
		return nil
	}

	conn, mode, err := openConn()
	if err != nil {
		return err
	}
	w.conn = conn
	w.mode = mode
	w.started = true

	w.wg.Add(1)
	go w.readLoop()

	w.logger.Info("icmp watcher started", slog.String("mode", mode))
	return nil
}

// Active reports whether the watcher holds an open socket.
func (w *Watcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.started && !w.closed
}

// Close stops the read loop and closes the socket. Closing a watcher that
// never started is a no-op.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	w.wg.Wait()
	return err
}

// openConn tries the raw socket first, then the unprivileged datagram
// fallback.
func openConn() (*icmp.PacketConn, string, error) {
	conn, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr == nil {
		return conn, "raw", nil
	}
	conn, dgramErr := icmp.ListenPacket("udp4", "0.0.0.0")
	if dgramErr == nil {
		return conn, "datagram", nil
	}
	return nil, "", fmt.Errorf("%w: raw: %v, datagram: %v", ErrUnsupported, rawErr, dgramErr)
}

func (w *Watcher) readLoop() {
	defer w.wg.Done()
	defer recovery.RecoverWithLog(w.logger, "icmp read loop")

	buf := make([]byte, readBufferSize)
	errs := 0
	for {
		n, _, err := w.conn.ReadFrom(buf)
		if err != nil {
			if w.isClosed() {
				return
			}
			errs++
			if errs >= maxConsecutiveReadErrors {
				w.logger.Warn("icmp read loop giving up after repeated errors",
					logging.KeyError, err.Error(),
					logging.KeyCount, errs)
				return
			}
			w.logger.Debug("icmp read error", logging.KeyError, err.Error())
			continue
		}
		errs = 0
		w.handlePacket(buf[:n])
	}
}

func (w *Watcher) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.closed
}

// handlePacket parses one ICMP message and notifies on a UDP Destination
// Unreachable. Anything else is ignored.
func (w *Watcher) handlePacket(data []byte) {
	msg, err := icmp.ParseMessage(ICMPv4ProtocolNumber, data)
	if err != nil {
		w.logger.Debug("undecodable icmp message", logging.KeyError, err.Error())
		return
	}
	if msg.Type != ipv4.ICMPTypeDestinationUnreachable {
		return
	}
	body, ok := msg.Body.(*icmp.DstUnreach)
	if !ok {
		return
	}

	local, remote, ok := parseEmbedded(body.Data)
	if !ok {
		return
	}

	// The engine's sockets may be bound to the unspecified address while
	// the embedded source IP is a concrete interface address, so matching
	// is by destination only.
	failed := w.notifier.NotifyUnreachable(netip.AddrPort{}, remote)
	w.logger.Debug("destination unreachable",
		logging.KeyRemoteAddr, remote.String(),
		logging.KeyLocalAddr, local.String(),
		logging.KeyCount, failed)
}

// parseEmbedded extracts the source and destination of the original UDP
// datagram from the IPv4 header plus eight bytes that a Destination
// Unreachable embeds.
func parseEmbedded(data []byte) (local, remote netip.AddrPort, ok bool) {
	hdr, err := ipv4.ParseHeader(data)
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	if hdr.Protocol != udpProtocolNumber {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}
	if len(data) < hdr.Len+udpHeaderSize {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}

	src, okSrc := netip.AddrFromSlice(hdr.Src.To4())
	dst, okDst := netip.AddrFromSlice(hdr.Dst.To4())
	if !okSrc || !okDst {
		return netip.AddrPort{}, netip.AddrPort{}, false
	}

	udp := data[hdr.Len : hdr.Len+udpHeaderSize]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])

	local = netip.AddrPortFrom(src.Unmap(), srcPort)
	remote = netip.AddrPortFrom(dst.Unmap(), dstPort)
	return local, remote, true
}
