// Package responder answers Binding requests with the source transport
// address the request arrived from, as a server for address discovery.
package responder

import (
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/stack"
	"github.com/postalsys/stunwire/internal/stun"
)

// Config contains responder configuration.
type Config struct {
	// Software is the SOFTWARE attribute value for responses. Empty
	// omits the attribute.
	Software string

	// Fingerprint appends a FINGERPRINT attribute to every response.
	Fingerprint bool

	// IntegrityKey, when non-empty, is the short-term credential shared
	// with clients. Requests carrying MESSAGE-INTEGRITY are verified
	// against it and rejected with a 401 on mismatch; their responses
	// are signed with the same key.
	IntegrityKey string

	// RateLimit bounds request handling per source IP. Nil disables
	// limiting.
	RateLimit *RateLimitConfig

	// Logger for logging
	Logger *slog.Logger
}

// DefaultConfig returns a responder configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Software:    "stunwire",
		Fingerprint: true,
	}
}

// Stats contains responder counters.
type Stats struct {
	Answered    int64 `json:"answered"`
	Rejected    int64 `json:"rejected"`
	RateLimited int64 `json:"rate_limited"`
}

// Responder answers Binding requests arriving on a transaction engine.
// Register it with Attach or AttachTo.
type Responder struct {
	cfg     Config
	stack   *stack.Stack
	logger  *slog.Logger
	limiter *sourceLimiter

	answered    atomic.Int64
	rejected    atomic.Int64
	rateLimited atomic.Int64
}

// New creates a responder that answers through st.
func New(st *stack.Stack, cfg Config) *Responder {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	r := &Responder{
		cfg:    cfg,
		stack:  st,
		logger: logger.With(slog.String(logging.KeyComponent, "responder")),
	}
	if cfg.RateLimit != nil {
		r.limiter = newSourceLimiter(*cfg.RateLimit)
	}
	return r
}

// Attach registers the responder for requests on every socket.
func (r *Responder) Attach() {
	r.stack.AddRequestListener(r)
}

// AttachTo registers the responder for requests arriving on local only.
func (r *Responder) AttachTo(local netip.AddrPort) {
	r.stack.AddRequestListenerFor(local, r)
}

// Stats returns a snapshot of the responder counters.
func (r *Responder) Stats() Stats {
	return Stats{
		Answered:    r.answered.Load(),
		Rejected:    r.rejected.Load(),
		RateLimited: r.rateLimited.Load(),
	}
}

// OnRequest implements stack.RequestListener.
func (r *Responder) OnRequest(ev *stack.RequestEvent) {
	if r.limiter != nil && !r.limiter.allow(ev.RemoteAddr.Addr()) {
		// Silent drop. Answering over-limit requests would make the
		// responder an amplifier for spoofed floods. The engine
		// suppresses the client's retransmits of this transaction; a
		// fresh transaction from the same source is evaluated anew.
		r.rateLimited.Add(1)
		r.logger.Debug("request rate limited",
			logging.KeyRemoteAddr, ev.RemoteAddr.String())
		return
	}

	if ev.Request.Method != stun.MethodBinding {
		r.logger.Debug("rejecting non-binding request",
			logging.KeyTransactionID, ev.Request.TransactionID.ShortString(),
			logging.KeyMethod, ev.Request.Method.String(),
			logging.KeyRemoteAddr, ev.RemoteAddr.String())
		r.reject(ev, 400, "Bad Request")
		return
	}

	signed := ev.Request.HasAttribute(stun.AttrMessageIntegrity)
	if signed && r.cfg.IntegrityKey != "" {
		if err := stun.VerifyIntegrity(ev.Request.Raw, []byte(r.cfg.IntegrityKey)); err != nil {
			r.logger.Debug("integrity verification failed",
				logging.KeyTransactionID, ev.Request.TransactionID.ShortString(),
				logging.KeyRemoteAddr, ev.RemoteAddr.String(),
				logging.KeyError, err.Error())
			r.reject(ev, 401, "Unauthorized")
			return
		}
	}

	resp := stun.NewSuccessResponse(ev.Request)
	stun.AppendXORMappedAddress(resp, ev.RemoteAddr)
	stun.AppendMappedAddress(resp, ev.RemoteAddr)
	stun.AppendResponseOrigin(resp, ev.LocalAddr)
	if r.cfg.Software != "" {
		stun.AppendSoftware(resp, r.cfg.Software)
	}

	// Responses are signed only when the request was signed and
	// verified, so unauthenticated clients still get an answer.
	sign := stun.SigningOptions{Fingerprint: r.cfg.Fingerprint}
	if signed && r.cfg.IntegrityKey != "" {
		sign.IntegrityKey = []byte(r.cfg.IntegrityKey)
	}

	if err := r.stack.SendResponse(resp, sign); err != nil {
		r.logger.Warn("sending binding response failed",
			logging.KeyTransactionID, ev.Request.TransactionID.ShortString(),
			logging.KeyError, err.Error())
		return
	}
	r.answered.Add(1)
	r.logger.Debug("binding request answered",
		logging.KeyTransactionID, ev.Request.TransactionID.ShortString(),
		logging.KeyRemoteAddr, ev.RemoteAddr.String())
}

// reject answers ev with an error response. Error responses are never
// signed; the request may not have verified.
func (r *Responder) reject(ev *stack.RequestEvent, code int, reason string) {
	resp, err := stun.NewErrorResponse(ev.Request, code, reason)
	if err != nil {
		r.logger.Error("building error response",
			logging.KeyErrorCode, code,
			logging.KeyError, err.Error())
		return
	}
	if r.cfg.Software != "" {
		stun.AppendSoftware(resp, r.cfg.Software)
	}
	if err := r.stack.SendResponse(resp, stun.SigningOptions{Fingerprint: r.cfg.Fingerprint}); err != nil {
		r.logger.Warn("sending error response failed",
			logging.KeyTransactionID, ev.Request.TransactionID.ShortString(),
			logging.KeyErrorCode, code,
			logging.KeyError, err.Error())
		return
	}
	r.rejected.Add(1)
}
