// Package discover runs Binding transactions against STUN servers and
// reports the reflexive transport addresses they observe.
package discover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/stunwire/internal/stack"
	"github.com/postalsys/stunwire/internal/stun"
)

// Options contains configuration for a discovery run.
type Options struct {
	// Local selects the sending socket. The zero AddrPort means the
	// engine's single attached socket.
	Local netip.AddrPort

	// Timeout caps the whole run. The engine's retransmission schedule
	// usually ends a dead transaction first (default: 10s).
	Timeout time.Duration

	// Software is the SOFTWARE attribute for requests. Empty omits it.
	Software string

	// IntegrityKey, when non-empty, signs requests and verifies
	// response integrity with the same short-term credential.
	IntegrityKey string

	// Fingerprint appends a FINGERPRINT attribute to requests.
	Fingerprint bool
}

// Result contains the outcome of querying one server.
type Result struct {
	// Success indicates the server returned a usable mapped address.
	Success bool

	// Server is the host:port that was queried, as given.
	Server string

	// Target is the resolved address the request was sent to.
	Target netip.AddrPort

	// Mapped is the reflexive address the server observed, from
	// XOR-MAPPED-ADDRESS or the legacy MAPPED-ADDRESS fallback.
	Mapped netip.AddrPort

	// Other is the server's OTHER-ADDRESS, if it advertised one.
	Other netip.AddrPort

	// ServerSoftware is the server's SOFTWARE value, if present.
	ServerSoftware string

	// RTT is the time between the first send and the response.
	RTT time.Duration

	// Attempts is the number of sends a failed transaction made.
	Attempts int

	// Error is the error that occurred (if any).
	Error error

	// ErrorDetail is a human-readable description of the error.
	ErrorDetail string
}

// Query runs one Binding transaction against server through st.
func Query(ctx context.Context, st *stack.Stack, server string, opts Options) *Result {
	result := &Result{Server: server}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	target, err := resolveServer(server)
	if err != nil {
		return result.fail(err)
	}
	result.Target = target

	req, err := stun.NewBindingRequest()
	if err != nil {
		return result.fail(err)
	}
	if opts.Software != "" {
		stun.AppendSoftware(req, opts.Software)
	}

	sign := stun.SigningOptions{Fingerprint: opts.Fingerprint}
	if opts.IntegrityKey != "" {
		sign.IntegrityKey = []byte(opts.IntegrityKey)
	}

	col := NewCollector()
	if _, err := st.SendRequest(req, target, opts.Local, sign, col); err != nil {
		return result.fail(err)
	}

	out, err := col.Wait(ctx)
	if err != nil {
		return result.fail(err)
	}
	if out.Failure != nil {
		result.Attempts = out.Failure.Attempts
		return result.fail(failureError(out.Failure))
	}

	return result.fill(out.Response, opts)
}

// Discover queries every server concurrently and returns one result per
// server, in input order.
func Discover(ctx context.Context, st *stack.Stack, servers []string, opts Options) []*Result {
	results := make([]*Result, len(servers))

	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(i int, server string) {
			defer wg.Done()
			results[i] = Query(ctx, st, server, opts)
		}(i, server)
	}
	wg.Wait()

	return results
}

// fill extracts the response attributes into the result.
func (r *Result) fill(ev *stack.ResponseEvent, opts Options) *Result {
	r.RTT = ev.RTT

	if ev.Response.IsErrorResponse() {
		code, reason, err := stun.ParseErrorCode(ev.Response)
		if err != nil {
			return r.fail(errors.New("error response without a readable ERROR-CODE"))
		}
		return r.fail(fmt.Errorf("server rejected the request: %d %s", code, reason))
	}

	if opts.IntegrityKey != "" && ev.Response.HasAttribute(stun.AttrMessageIntegrity) {
		if err := stun.VerifyIntegrity(ev.Response.Raw, []byte(opts.IntegrityKey)); err != nil {
			return r.fail(fmt.Errorf("response integrity: %w", err))
		}
	}

	mapped, err := stun.ParseXORMappedAddress(ev.Response)
	if err != nil {
		// RFC 3489 servers only send the legacy attribute.
		mapped, err = stun.ParseMappedAddress(ev.Response)
	}
	if err != nil {
		return r.fail(errors.New("response carried no mapped address"))
	}
	r.Mapped = mapped

	if other, err := stun.ParseOtherAddress(ev.Response); err == nil {
		r.Other = other
	}
	if software, err := stun.ParseSoftware(ev.Response); err == nil {
		r.ServerSoftware = software
	}

	r.Success = true
	return r
}

func (r *Result) fail(err error) *Result {
	r.Error = err
	r.ErrorDetail = classifyError(err)
	return r
}

// resolveServer turns a host:port into a UDP target, resolving DNS
// names to their first address.
func resolveServer(server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	target := ua.AddrPort()
	if !target.IsValid() || target.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("unusable server address: %s", server)
	}
	return netip.AddrPortFrom(target.Addr().Unmap(), target.Port()), nil
}

func failureError(ev *stack.FailureEvent) error {
	switch ev.Reason {
	case stack.ReasonTimeout:
		return fmt.Errorf("no response after %d attempts", ev.Attempts)
	case stack.ReasonUnreachable:
		return errors.New("destination unreachable")
	default:
		return fmt.Errorf("transaction failed: %s", ev.Reason)
	}
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "Discovery timed out - server down or UDP blocked"
	}
	if errors.Is(err, context.Canceled) {
		return "Discovery cancelled"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "no response") {
		return "No response - server down or UDP blocked by a firewall"
	}
	if strings.Contains(errStr, "unreachable") {
		return "Destination unreachable - port closed or filtered"
	}
	if strings.Contains(errStr, "rejected") {
		return "Server rejected the request - check credentials"
	}
	if strings.Contains(errStr, "integrity") {
		return "Response failed integrity verification - wrong key or tampering"
	}

	return errStr
}
