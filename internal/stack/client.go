package stack

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/postalsys/stunwire/internal/logging"
	"github.com/postalsys/stunwire/internal/metrics"
	"github.com/postalsys/stunwire/internal/recovery"
	"github.com/postalsys/stunwire/internal/stun"
)

// txState is the client transaction lifecycle state. txSending is the only
// non-terminal state; the transition out of it happens exactly once.
type txState int

const (
	txSending txState = iota
	txCompleted
	txTimedOut
	txFailed
	txCancelled
)

// String returns a human-readable name for the state.
func (s txState) String() string {
	switch s {
	case txSending:
		return "SENDING"
	case txCompleted:
		return "COMPLETED"
	case txTimedOut:
		return "TIMED_OUT"
	case txFailed:
		return "FAILED"
	case txCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// clientTransaction is one outstanding request: the encoded bytes it
// retransmits, where they go, and the retransmission schedule position.
// All mutable fields are guarded by mu; the identity fields above it are
// written once before the transaction is registered.
type clientTransaction struct {
	id        stun.TransactionID
	request   *stun.Message
	raw       []byte
	local     netip.AddrPort
	remote    netip.AddrPort
	collector ResponseCollector

	mu        sync.Mutex
	state     txState
	attempts  int
	interval  time.Duration
	timer     *clock.Timer
	firstSend time.Time
}

// cancel moves the transaction to txCancelled and stops the pending timer.
// It reports whether this call won the terminal transition; cancelling an
// already-terminal transaction is a no-op.
func (t *clientTransaction) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txSending {
		return false
	}
	t.state = txCancelled
	t.stopTimerLocked()
	return true
}

func (t *clientTransaction) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// startClient registers t, sends the first attempt, and schedules the
// first retransmission. On a synchronous send failure the transaction is
// unregistered and the error returned; nothing was delivered.
func (s *Stack) startClient(t *clientTransaction) error {
	if err := s.table.insertClient(t); err != nil {
		return err
	}

	t.mu.Lock()
	t.attempts = 1
	t.interval = s.cfg.InitialRTO
	t.firstSend = s.cfg.Clock.Now()
	t.mu.Unlock()

	if err := s.sendVia(t.local, t.raw, t.remote); err != nil {
		s.table.removeClient(t.id)
		return err
	}

	wait := s.cfg.InitialRTO
	if s.cfg.MaxRequests == 1 {
		wait = time.Duration(s.cfg.FinalWaitFactor * float64(wait))
	}

	// A response may already have completed the transaction on another
	// goroutine; only a still-sending transaction gets a timer.
	t.mu.Lock()
	if t.state == txSending {
		t.timer = s.cfg.Clock.AfterFunc(wait, func() { s.onRetransmit(t) })
	}
	t.mu.Unlock()

	s.cfg.Metrics.RecordTransactionStart()
	s.logger.Debug("request sent",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyMethod, t.request.Method.String(),
		logging.KeyLocalAddr, t.local.String(),
		logging.KeyRemoteAddr, t.remote.String())
	return nil
}

// onRetransmit fires on the retransmission timer: either the next send is
// due or the final wait elapsed and the transaction times out.
func (s *Stack) onRetransmit(t *clientTransaction) {
	defer recovery.RecoverWithCallback(s.logger, "retransmit timer", s.panicCallback)

	t.mu.Lock()
	if t.state != txSending {
		t.mu.Unlock()
		return
	}

	if t.attempts >= s.cfg.MaxRequests {
		t.mu.Unlock()
		s.failClient(t, ReasonTimeout)
		return
	}

	t.attempts++
	t.interval = min(t.interval*2, s.cfg.MaxRTO)
	wait := t.interval
	if t.attempts == s.cfg.MaxRequests {
		wait = time.Duration(s.cfg.FinalWaitFactor * float64(t.interval))
	}
	attempt := t.attempts
	t.timer = s.cfg.Clock.AfterFunc(wait, func() { s.onRetransmit(t) })
	t.mu.Unlock()

	if err := s.sendVia(t.local, t.raw, t.remote); err != nil {
		s.logger.Debug("retransmit send failed",
			logging.KeyTransactionID, t.id.ShortString(),
			logging.KeyAttempt, attempt,
			logging.KeyError, err.Error())
	}
	s.cfg.Metrics.RecordRetransmit()
	s.logger.Debug("request retransmitted",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyAttempt, attempt,
		logging.KeyRemoteAddr, t.remote.String())
}

// completeClient delivers a matched response. The caller already looked t
// up in the table; losing the terminal race here means another goroutine
// delivered first and the response is dropped.
func (s *Stack) completeClient(t *clientTransaction, resp *stun.Message, remote netip.AddrPort) {
	t.mu.Lock()
	if t.state != txSending {
		t.mu.Unlock()
		return
	}
	t.state = txCompleted
	t.stopTimerLocked()
	rtt := s.cfg.Clock.Since(t.firstSend)
	t.mu.Unlock()

	s.table.removeClient(t.id)
	s.cfg.Metrics.RecordTransactionResponse(rtt.Seconds())
	s.logger.Debug("response received",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyClass, resp.Class.String(),
		logging.KeyRemoteAddr, remote.String(),
		logging.KeyDuration, rtt.String())

	ev := &ResponseEvent{
		TransactionID: t.id,
		Request:       t.request,
		Response:      resp,
		LocalAddr:     t.local,
		RemoteAddr:    remote,
		RTT:           rtt,
	}
	s.safely("response collector", func() { t.collector.OnResponse(ev) })
}

// failClient terminates t with reason and delivers the matching failure
// callback. It reports whether this call won the terminal transition.
func (s *Stack) failClient(t *clientTransaction, reason FailureReason) bool {
	terminal := txTimedOut
	if reason == ReasonUnreachable {
		terminal = txFailed
	}

	t.mu.Lock()
	if t.state != txSending {
		t.mu.Unlock()
		return false
	}
	t.state = terminal
	t.stopTimerLocked()
	attempts := t.attempts
	t.mu.Unlock()

	s.table.removeClient(t.id)
	result := metrics.ResultTimeout
	if reason == ReasonUnreachable {
		result = metrics.ResultUnreachable
	}
	s.cfg.Metrics.RecordTransactionFailure(result)
	s.logger.Debug("transaction failed",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyError, reason.String(),
		logging.KeyAttempt, attempts,
		logging.KeyRemoteAddr, t.remote.String())

	ev := &FailureEvent{
		TransactionID: t.id,
		Request:       t.request,
		Reason:        reason,
		LocalAddr:     t.local,
		RemoteAddr:    t.remote,
		Attempts:      attempts,
	}
	if reason == ReasonUnreachable {
		s.safely("unreachable collector", func() { t.collector.OnUnreachable(ev) })
	} else {
		s.safely("timeout collector", func() { t.collector.OnTimeout(ev) })
	}
	return true
}

// cancelClient terminates t without delivering any callback. result labels
// the metrics counter (cancelled vs shutdown).
func (s *Stack) cancelClient(t *clientTransaction, result string) bool {
	if !t.cancel() {
		return false
	}
	s.table.removeClient(t.id)
	s.cfg.Metrics.RecordTransactionFailure(result)
	s.logger.Debug("transaction cancelled",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyRemoteAddr, t.remote.String())
	return true
}
