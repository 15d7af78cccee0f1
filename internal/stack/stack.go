package stack

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
	"github.com/postalsys/stunwire/internal/stun"
	"github.com/postalsys/stunwire/internal/transport"
)

// stackState is the facade lifecycle state.
type stackState int

const (
	stackStopped stackState = iota
	stackRunning
	stackStopping
)

// socket is the transport surface the engine sends through.
// *transport.Adapter implements it; tests substitute in-memory fakes.
type socket interface {
	LocalAddr() netip.AddrPort
	Send(data []byte, to netip.AddrPort) error
	Close() error
}

// Stack is the transaction engine facade. Create one with New, attach
// sockets, then issue requests and responses through it.
type Stack struct {
	cfg    Config
	logger *slog.Logger
	table  *table

	mu      sync.RWMutex
	state   stackState
	sockets map[netip.AddrPort]socket

	listenerMu sync.RWMutex
	reqGlobal  []RequestListener
	reqByAddr  map[netip.AddrPort][]RequestListener
	indication []IndicationListener
}

// Stats is a point-in-time snapshot for status and health reporting.
type Stats struct {
	Running            bool `json:"running"`
	Sockets            int  `json:"sockets"`
	ClientTransactions int  `json:"client_transactions"`
	ServerTransactions int  `json:"server_transactions"`
}

// New creates a stopped stack. Zero Config fields take their defaults.
func New(cfg Config) *Stack {
	cfg = cfg.withDefaults()
	return &Stack{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String(logging.KeyComponent, "stack")),
		table:     newTable(cfg.RetentionTime, cfg.RetentionSize),
		sockets:   make(map[netip.AddrPort]socket),
		reqByAddr: make(map[netip.AddrPort][]RequestListener),
	}
}

// Start moves the stack from Stopped to Running.
func (s *Stack) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stackRunning:
		return errors.New("stack already started")
	case stackStopping:
		return fmt.Errorf("%w: shutdown in progress", ErrShutdown)
	}
	s.state = stackRunning
	s.logger.Info("stack started")
	return nil
}

// Stop cancels every outstanding client transaction without callbacks,
// closes every socket, and clears the table. Stopping a stopped stack is a
// no-op.
func (s *Stack) Stop() error {
	return s.StopWithContext(context.Background())
}

// StopWithContext is Stop bounded by ctx. When ctx expires the teardown
// finishes in the background and the context error is returned.
func (s *Stack) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stackRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = stackStopping
	socks := make([]socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.sockets = make(map[netip.AddrPort]socket)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, t := range s.table.clientSnapshot() {
			s.cancelClient(t, metrics.ResultShutdown)
		}
		s.table.clear()
		for _, sock := range socks {
			if err := sock.Close(); err != nil {
				s.logger.Debug("socket close failed", logging.KeyError, err.Error())
			}
			s.cfg.Metrics.RecordSocketRemove()
		}
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.state = stackStopped
	s.mu.Unlock()
	s.logger.Info("stack stopped")
	return err
}

// AddSocket binds a UDP socket on addr ("ip:port", port 0 for ephemeral)
// and attaches it. It returns the bound local address.
func (s *Stack) AddSocket(addr string) (netip.AddrPort, error) {
	a, err := transport.Listen(addr, transport.Options{
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	return s.startAdapter(a)
}

// AddPacketConn attaches an already-bound packet connection. The stack
// takes ownership and closes it on RemoveSocket or Stop.
func (s *Stack) AddPacketConn(pc net.PacketConn) (netip.AddrPort, error) {
	a, err := transport.NewAdapter(pc, transport.Options{
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
	})
	if err != nil {
		return netip.AddrPort{}, err
	}
	return s.startAdapter(a)
}

func (s *Stack) startAdapter(a *transport.Adapter) (netip.AddrPort, error) {
	if err := s.attach(a); err != nil {
		a.Close()
		return netip.AddrPort{}, err
	}
	a.Start(s.HandleDatagram)
	return canonAddr(a.LocalAddr()), nil
}

// attach registers a socket for sending. The caller wires the receive side.
func (s *Stack) attach(sock socket) error {
	local := canonAddr(sock.LocalAddr())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stackRunning {
		return fmt.Errorf("%w: cannot add socket", ErrShutdown)
	}
	if _, ok := s.sockets[local]; ok {
		return fmt.Errorf("socket already attached for %s", local)
	}
	s.sockets[local] = sock
	s.cfg.Metrics.RecordSocketAdd()
	s.logger.Info("socket attached", logging.KeyLocalAddr, local.String())
	return nil
}

// RemoveSocket detaches and closes the socket bound to local. Client
// transactions sent from it are cancelled without callbacks; transactions
// on other sockets are untouched.
func (s *Stack) RemoveSocket(local netip.AddrPort) error {
	local = canonAddr(local)

	s.mu.Lock()
	sock, ok := s.sockets[local]
	if ok {
		delete(s.sockets, local)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, local)
	}

	for _, t := range s.table.clientSnapshot() {
		if t.local == local {
			s.cancelClient(t, metrics.ResultCancelled)
		}
	}

	err := sock.Close()
	s.cfg.Metrics.RecordSocketRemove()
	s.logger.Info("socket removed", logging.KeyLocalAddr, local.String())
	return err
}

// SendRequest opens a client transaction: req is encoded with sign, sent
// to to, and retransmitted on the configured schedule until a terminal
// outcome reaches collector. from selects the sending socket; the zero
// AddrPort means the single attached socket. A zero transaction ID on req
// is replaced with a fresh one; the ID in use is returned.
func (s *Stack) SendRequest(req *stun.Message, to, from netip.AddrPort, sign stun.SigningOptions, collector ResponseCollector) (stun.TransactionID, error) {
	if req == nil || !req.IsRequest() {
		return stun.TransactionID{}, errors.New("message is not a request")
	}
	if collector == nil {
		return stun.TransactionID{}, errors.New("nil response collector")
	}
	local, err := s.resolveLocal(from)
	if err != nil {
		return stun.TransactionID{}, err
	}

	msg := req
	generated := false
	if msg.TransactionID.IsZero() {
		msg = req.Clone()
		if err := assignFreshID(msg); err != nil {
			return stun.TransactionID{}, err
		}
		generated = true
	}

	// A generated ID colliding with a live transaction is nearly
	// impossible with 96 random bits, but the table still rejects it;
	// retry with a fresh ID rather than failing the caller.
	for attempt := 0; ; attempt++ {
		raw, err := msg.Encode(sign)
		if err != nil {
			return stun.TransactionID{}, fmt.Errorf("encode request: %w", err)
		}

		t := &clientTransaction{
			id:        msg.TransactionID,
			request:   msg,
			raw:       raw,
			local:     local,
			remote:    canonAddr(to),
			collector: collector,
		}
		err = s.startClient(t)
		if err == nil {
			return t.id, nil
		}
		// A caller-chosen ID that collides is the caller's bug and is
		// rejected; only generated IDs retry.
		if !generated || !errors.Is(err, ErrDuplicateTransaction) || attempt >= 4 {
			return stun.TransactionID{}, err
		}
		if err := assignFreshID(msg); err != nil {
			return stun.TransactionID{}, err
		}
	}
}

// SendResponse answers the server transaction matching resp's transaction
// ID. The encoded bytes are cached so duplicates of the request replay
// them, and sent from the socket the request arrived on back to its
// source. Answering twice or answering an expired transaction fails.
func (s *Stack) SendResponse(resp *stun.Message, sign stun.SigningOptions) error {
	if resp == nil || !resp.IsResponse() {
		return errors.New("message is not a response")
	}
	if err := s.requireRunning(); err != nil {
		return err
	}

	t, ok := s.table.lookupServer(resp.TransactionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, resp.TransactionID.ShortString())
	}

	raw, err := resp.Encode(sign)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := t.answer(raw); err != nil {
		return err
	}
	if err := s.sendVia(t.local, raw, t.remote); err != nil {
		return err
	}
	s.cfg.Metrics.RecordResponseSent(classLabel(resp))
	s.logger.Debug("response sent",
		logging.KeyTransactionID, t.id.ShortString(),
		logging.KeyClass, resp.Class.String(),
		logging.KeyRemoteAddr, t.remote.String())
	return nil
}

// SendIndication sends a one-shot indication to to. No transaction is
// created and no reply is expected.
func (s *Stack) SendIndication(ind *stun.Message, to, from netip.AddrPort, sign stun.SigningOptions) error {
	if ind == nil || !ind.IsIndication() {
		return errors.New("message is not an indication")
	}
	local, err := s.resolveLocal(from)
	if err != nil {
		return err
	}
	raw, err := ind.Encode(sign)
	if err != nil {
		return fmt.Errorf("encode indication: %w", err)
	}
	if err := s.sendVia(local, raw, canonAddr(to)); err != nil {
		return err
	}
	s.cfg.Metrics.RecordIndicationSent()
	return nil
}

// NotifyUnreachable fails every outstanding client transaction addressed
// to remote, invoking each collector's OnUnreachable once. A valid local
// narrows the match to transactions sent from that socket. It returns the
// number of transactions failed. The ICMP watcher is the usual caller.
func (s *Stack) NotifyUnreachable(local, remote netip.AddrPort) int {
	local, remote = canonAddr(local), canonAddr(remote)

	n := 0
	for _, t := range s.table.clientSnapshot() {
		if t.remote != remote {
			continue
		}
		if local.IsValid() && t.local != local {
			continue
		}
		if s.failClient(t, ReasonUnreachable) {
			n++
		}
	}
	return n
}

// AddRequestListener registers a global request listener. Registration is
// allowed in any state.
func (s *Stack) AddRequestListener(l RequestListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.reqGlobal = append(s.reqGlobal, l)
}

// AddRequestListenerFor registers a request listener for requests arriving
// on local. Per-address listeners take precedence over global ones.
func (s *Stack) AddRequestListenerFor(local netip.AddrPort, l RequestListener) {
	local = canonAddr(local)

	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.reqByAddr[local] = append(s.reqByAddr[local], l)
}

// AddIndicationListener registers an indication listener. Every listener
// sees every inbound indication.
func (s *Stack) AddIndicationListener(l IndicationListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.indication = append(s.indication, l)
}

// requestListenerFor picks the one listener notified for a fresh request
// arriving on local: first registered for the address, else first global.
func (s *Stack) requestListenerFor(local netip.AddrPort) RequestListener {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	if ls := s.reqByAddr[local]; len(ls) > 0 {
		return ls[0]
	}
	if len(s.reqGlobal) > 0 {
		return s.reqGlobal[0]
	}
	return nil
}

func (s *Stack) indicationListeners() []IndicationListener {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	out := make([]IndicationListener, len(s.indication))
	copy(out, s.indication)
	return out
}

// IsRunning reports whether the stack is accepting work.
func (s *Stack) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state == stackRunning
}

// Stats returns a snapshot of the stack's live state.
func (s *Stack) Stats() Stats {
	s.mu.RLock()
	running := s.state == stackRunning
	sockets := len(s.sockets)
	s.mu.RUnlock()

	return Stats{
		Running:            running,
		Sockets:            sockets,
		ClientTransactions: s.table.clientCount(),
		ServerTransactions: s.table.serverCount(),
	}
}

// Sockets returns the local address of every registered socket.
func (s *Stack) Sockets() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]netip.AddrPort, 0, len(s.sockets))
	for addr := range s.sockets {
		out = append(out, addr)
	}
	return out
}

// TransactionInfo is a point-in-time view of one open client transaction.
type TransactionInfo struct {
	ID       string `json:"id"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
	Attempts int    `json:"attempts"`
	AgeMs    int64  `json:"age_ms"`
}

// Transactions lists the open client transactions for inspection. Entries
// racing their terminal transition may be missing or already stale.
func (s *Stack) Transactions() []TransactionInfo {
	now := s.cfg.Clock.Now()
	snap := s.table.clientSnapshot()

	out := make([]TransactionInfo, 0, len(snap))
	for _, t := range snap {
		t.mu.Lock()
		if t.state != txSending {
			t.mu.Unlock()
			continue
		}
		info := TransactionInfo{
			ID:       t.id.String(),
			Local:    t.local.String(),
			Remote:   t.remote.String(),
			Attempts: t.attempts,
			AgeMs:    now.Sub(t.firstSend).Milliseconds(),
		}
		t.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// requireRunning fails fast when the stack is not accepting work.
func (s *Stack) requireRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != stackRunning {
		return ErrShutdown
	}
	return nil
}

// resolveLocal validates the requested source socket. The zero AddrPort
// resolves to the single attached socket and is an error when the stack
// has none or several.
func (s *Stack) resolveLocal(from netip.AddrPort) (netip.AddrPort, error) {
	from = canonAddr(from)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != stackRunning {
		return netip.AddrPort{}, ErrShutdown
	}
	if from.IsValid() {
		if _, ok := s.sockets[from]; !ok {
			return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrUnknownSocket, from)
		}
		return from, nil
	}
	if len(s.sockets) == 1 {
		for local := range s.sockets {
			return local, nil
		}
	}
	return netip.AddrPort{}, fmt.Errorf("%w: %d sockets attached, pass an explicit local address", ErrUnknownSocket, len(s.sockets))
}

// sendVia sends raw bytes from the socket bound to local.
func (s *Stack) sendVia(local netip.AddrPort, data []byte, to netip.AddrPort) error {
	s.mu.RLock()
	sock, ok := s.sockets[local]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, local)
	}
	return sock.Send(data, to)
}

// assignFreshID sets a new random transaction ID on m.
func assignFreshID(m *stun.Message) error {
	id, err := stun.NewTransactionID()
	if err != nil {
		return fmt.Errorf("generate transaction id: %w", err)
	}
	m.TransactionID = id
	return nil
}

// canonAddr strips the IPv4-in-IPv6 mapping so addresses compare equal no
// matter which form the kernel or caller produced.
func canonAddr(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
