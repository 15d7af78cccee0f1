package stack

import (
	"errors"
	"net/netip"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/recovery"
	"github.com/postalsys/stunwire/internal/stun"
)

// HandleDatagram decodes one inbound datagram and routes it by message
// class. Socket adapters call it from their receive loops; fault injection
// shims wrap it. A malformed packet is dropped and counted, never fatal.
// The data slice is not retained past the call.
func (s *Stack) HandleDatagram(data []byte, local, remote netip.AddrPort) {
	defer recovery.RecoverWithCallback(s.logger, "dispatch", s.panicCallback)

	local, remote = canonAddr(local), canonAddr(remote)

	msg, err := stun.Decode(data)
	if err != nil {
		var unknown *stun.UnknownAttributesError
		if !errors.As(err, &unknown) {
			s.cfg.Metrics.RecordDecodeError(decodeReason(err))
			s.logger.Debug("dropping undecodable datagram",
				logging.KeyRemoteAddr, remote.String(),
				logging.KeyCount, len(data),
				logging.KeyError, err.Error())
			return
		}
		// The message decoded; only the unknown comprehension-required
		// attributes are a problem. A request gets a 420 answer, anything
		// else is discarded per RFC 5389 section 7.3.
		if !msg.IsRequest() {
			s.cfg.Metrics.RecordDecodeError("unknown_attribute")
			s.logger.Debug("discarding message with unknown comprehension-required attributes",
				logging.KeyTransactionID, msg.TransactionID.ShortString(),
				logging.KeyClass, msg.Class.String(),
				logging.KeyRemoteAddr, remote.String())
			return
		}
		s.handleRequest(msg, local, remote, unknown.Types)
		return
	}

	switch {
	case msg.IsResponse():
		s.handleResponse(msg, local, remote)
	case msg.IsRequest():
		s.handleRequest(msg, local, remote, nil)
	case msg.IsIndication():
		s.handleIndication(msg, local, remote)
	}
}

// handleResponse matches a response to its client transaction. Strays and
// responses from the wrong source are dropped.
func (s *Stack) handleResponse(msg *stun.Message, local, remote netip.AddrPort) {
	t, ok := s.table.lookupClient(msg.TransactionID)
	if !ok {
		s.cfg.Metrics.RecordStrayResponse()
		s.logger.Debug("dropping stray response",
			logging.KeyTransactionID, msg.TransactionID.ShortString(),
			logging.KeyRemoteAddr, remote.String())
		return
	}

	// RFC 5389 section 7.3.3: the source must be the address the request
	// was sent to, otherwise an off-path attacker could answer first.
	if t.remote != remote {
		s.cfg.Metrics.RecordStrayResponse()
		s.logger.Debug("dropping response from unexpected source",
			logging.KeyTransactionID, msg.TransactionID.ShortString(),
			logging.KeyRemoteAddr, remote.String(),
			logging.KeyAddress, t.remote.String())
		return
	}

	s.completeClient(t, msg, remote)
}

// handleRequest runs the duplicate-suppression path for known transaction
// IDs and the fresh-request path otherwise. unknownTypes carries any
// comprehension-required attribute types the decoder did not recognize.
func (s *Stack) handleRequest(msg *stun.Message, local, remote netip.AddrPort, unknownTypes []stun.AttrType) {
	if t, ok := s.table.lookupServer(msg.TransactionID); ok {
		raw := t.duplicate()
		if raw == nil {
			s.cfg.Metrics.RecordDuplicateRequest(false)
			s.logger.Debug("suppressing duplicate request",
				logging.KeyTransactionID, msg.TransactionID.ShortString(),
				logging.KeyRemoteAddr, remote.String(),
				logging.KeyCount, t.duplicateCount())
			return
		}
		s.cfg.Metrics.RecordDuplicateRequest(true)
		if err := s.sendVia(t.local, raw, t.remote); err != nil {
			s.logger.Debug("response replay failed",
				logging.KeyTransactionID, msg.TransactionID.ShortString(),
				logging.KeyError, err.Error())
			return
		}
		s.logger.Debug("replayed cached response",
			logging.KeyTransactionID, msg.TransactionID.ShortString(),
			logging.KeyRemoteAddr, t.remote.String())
		return
	}

	t, inserted := s.table.insertServer(newServerTransaction(msg, local, remote))
	if !inserted {
		// Lost a race with another receive goroutine on the same ID; that
		// goroutine delivers the listener event, this datagram is its dup.
		if raw := t.duplicate(); raw != nil {
			s.cfg.Metrics.RecordDuplicateRequest(true)
			_ = s.sendVia(t.local, raw, t.remote)
		} else {
			s.cfg.Metrics.RecordDuplicateRequest(false)
		}
		return
	}
	s.cfg.Metrics.RecordRequestReceived()

	if len(unknownTypes) > 0 {
		s.respondUnknownAttributes(t, msg, unknownTypes)
		return
	}
	if s.cfg.RequireIntegrity && !msg.HasAttribute(stun.AttrMessageIntegrity) {
		s.respondEngineError(t, msg, 400, "Bad Request")
		return
	}

	listener := s.requestListenerFor(local)
	if listener == nil {
		s.logger.Debug("no listener for request",
			logging.KeyTransactionID, msg.TransactionID.ShortString(),
			logging.KeyMethod, msg.Method.String(),
			logging.KeyLocalAddr, local.String())
		return
	}

	ev := &RequestEvent{Request: msg, LocalAddr: local, RemoteAddr: remote}
	s.safely("request listener", func() { listener.OnRequest(ev) })
}

// handleIndication fans an indication out to every indication listener.
func (s *Stack) handleIndication(msg *stun.Message, local, remote netip.AddrPort) {
	s.cfg.Metrics.RecordIndicationReceived()

	listeners := s.indicationListeners()
	if len(listeners) == 0 {
		s.logger.Debug("no listener for indication",
			logging.KeyTransactionID, msg.TransactionID.ShortString(),
			logging.KeyMethod, msg.Method.String())
		return
	}

	ev := &IndicationEvent{Indication: msg, LocalAddr: local, RemoteAddr: remote}
	for _, l := range listeners {
		listener := l
		s.safely("indication listener", func() { listener.OnIndication(ev) })
	}
}

// respondUnknownAttributes answers a request carrying comprehension-required
// attributes the engine does not know with a 420 listing them, per RFC 5389
// section 7.3.1. The listener never sees the request.
func (s *Stack) respondUnknownAttributes(t *serverTransaction, req *stun.Message, types []stun.AttrType) {
	resp, err := stun.NewErrorResponse(req, 420, "Unknown Attribute")
	if err != nil {
		s.logger.Error("building 420 response", logging.KeyError, err.Error())
		return
	}
	stun.AppendUnknownAttributes(resp, types)
	s.sendEngineResponse(t, resp)
}

// respondEngineError answers a request the engine rejects on its own, such
// as a missing MESSAGE-INTEGRITY when integrity is required.
func (s *Stack) respondEngineError(t *serverTransaction, req *stun.Message, code int, reason string) {
	resp, err := stun.NewErrorResponse(req, code, reason)
	if err != nil {
		s.logger.Error("building error response",
			logging.KeyErrorCode, code,
			logging.KeyError, err.Error())
		return
	}
	s.sendEngineResponse(t, resp)
}

// sendEngineResponse encodes, caches, and sends a response the engine
// generated itself, so duplicates of the offending request replay it.
func (s *Stack) sendEngineResponse(t *serverTransaction, resp *stun.Message) {
	if s.cfg.Software != "" {
		stun.AppendSoftware(resp, s.cfg.Software)
	}
	raw, err := resp.Encode(stun.SigningOptions{})
	if err != nil {
		s.logger.Error("encoding engine response", logging.KeyError, err.Error())
		return
	}
	if err := t.answer(raw); err != nil {
		return
	}
	if err := s.sendVia(t.local, raw, t.remote); err != nil {
		s.logger.Debug("engine response send failed",
			logging.KeyTransactionID, t.id.ShortString(),
			logging.KeyError, err.Error())
		return
	}
	s.cfg.Metrics.RecordResponseSent(classLabel(resp))
	s.logger.Debug("engine response sent",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyRemoteAddr, t.remote.String())
}

// decodeReason maps a decode error to a metrics label.
func decodeReason(err error) string {
	switch {
	case errors.Is(err, stun.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, stun.ErrTruncatedAttribute):
		return "truncated_attribute"
	case errors.Is(err, stun.ErrUnknownRequiredAttribute):
		return "unknown_attribute"
	default:
		return "invalid"
	}
}

// classLabel maps a response class to its metrics label.
func classLabel(m *stun.Message) string {
	if m.IsSuccessResponse() {
		return "success"
	}
	return "error"
}

// safely runs a callback under panic recovery so a misbehaving listener or
// collector cannot take down a receive loop or timer goroutine.
func (s *Stack) safely(name string, fn func()) {
	defer recovery.RecoverWithCallback(s.logger, name, s.panicCallback)
	fn()
}

// panicCallback feeds recovered panics into the metrics counter.
func (s *Stack) panicCallback(interface{}) {
	s.cfg.Metrics.RecordPanic()
}
