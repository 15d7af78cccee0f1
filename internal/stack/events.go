package stack

import (
	"net/netip"
	"time"

	"github.com/postalsys/stunwire/internal/stun"
)

// FailureReason tags a FailureEvent with why the transaction ended.
type FailureReason int

const (
	// ReasonTimeout means the retransmission schedule was exhausted
	// without a matching response.
	ReasonTimeout FailureReason = iota

	// ReasonUnreachable means the transport reported the destination
	// unreachable (ICMP port or host unreachable).
	ReasonUnreachable

	// ReasonCancelled means the transaction was cancelled by socket
	// removal or stack shutdown. Cancelled transactions deliver no
	// collector callback; the reason exists for logging and metrics.
	ReasonCancelled
)

// String returns a human-readable name for the reason.
func (r FailureReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonUnreachable:
		return "unreachable"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ResponseEvent carries a response matched to an outstanding request.
type ResponseEvent struct {
	TransactionID stun.TransactionID
	Request       *stun.Message
	Response      *stun.Message

	// LocalAddr is the socket the request was sent from, RemoteAddr the
	// source the response arrived from.
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort

	// RTT is the time between the first send and the response.
	RTT time.Duration
}

// FailureEvent carries a terminal failure for an outstanding request.
type FailureEvent struct {
	TransactionID stun.TransactionID
	Request       *stun.Message
	Reason        FailureReason

	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort

	// Attempts is the number of times the request was put on the wire.
	Attempts int
}

// RequestEvent carries an inbound request to a request listener. Answer it
// with Stack.SendResponse using the request's transaction ID.
type RequestEvent struct {
	Request *stun.Message

	// LocalAddr is the socket the request arrived on, RemoteAddr its
	// source. SendResponse replies from LocalAddr to RemoteAddr.
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}

// IndicationEvent carries an inbound indication. Indications are not
// correlated and get no reply.
type IndicationEvent struct {
	Indication *stun.Message

	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
}
