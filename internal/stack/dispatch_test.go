package stack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/stunwire/internal/stun"
)

// recordingListener captures request events.
type recordingListener struct {
	mu     sync.Mutex
	events []*RequestEvent
}

func (l *recordingListener) OnRequest(ev *RequestEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func TestHandleRequest_ListenerNotifiedOnce(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))

	listener := &recordingListener{}
	s.AddRequestListener(listener)

	req := mustBindingRequest(t)
	raw := encodeMessage(t, req)
	for i := 0; i < 3; i++ {
		s.HandleDatagram(raw, testLocal, testPeer)
	}

	if got := listener.count(); got != 1 {
		t.Errorf("listener events = %d, want 1", got)
	}
	if got := testutil.ToFloat64(s.cfg.Metrics.DuplicateRequests); got != 2 {
		t.Errorf("DuplicateRequests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.cfg.Metrics.RequestsReceived); got != 1 {
		t.Errorf("RequestsReceived = %v, want 1", got)
	}

	listener.mu.Lock()
	ev := listener.events[0]
	listener.mu.Unlock()
	if !ev.Request.TransactionID.Equal(req.TransactionID) {
		t.Errorf("event transaction ID = %s, want %s", ev.Request.TransactionID, req.TransactionID)
	}
	if ev.LocalAddr != testLocal || ev.RemoteAddr != testPeer {
		t.Errorf("event addrs = %v <- %v, want %v <- %v", ev.LocalAddr, ev.RemoteAddr, testLocal, testPeer)
	}
}

func TestSendResponse_CachesAndReplays(t *testing.T) {
	s, sock := newTestStack(t, testConfig(clock.NewMock()))

	listener := &recordingListener{}
	s.AddRequestListener(listener)

	req := mustBindingRequest(t)
	raw := encodeMessage(t, req)
	s.HandleDatagram(raw, testLocal, testPeer)

	resp := stun.NewSuccessResponse(req)
	stun.AppendXORMappedAddress(resp, testPeer)
	if err := s.SendResponse(resp, stun.SigningOptions{}); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}

	// A duplicate of the request now replays the cached bytes without
	// involving the listener again.
	s.HandleDatagram(raw, testLocal, testPeer)

	sends := sock.sent()
	if len(sends) != 2 {
		t.Fatalf("sends = %d, want 2 (response + replay)", len(sends))
	}
	if !bytes.Equal(sends[0].data, sends[1].data) {
		t.Error("replayed bytes differ from the original response")
	}
	if sends[1].to != testPeer {
		t.Errorf("replay sent to %v, want %v", sends[1].to, testPeer)
	}
	if got := listener.count(); got != 1 {
		t.Errorf("listener events = %d, want 1", got)
	}
	if got := testutil.ToFloat64(s.cfg.Metrics.ReplayedResponses); got != 1 {
		t.Errorf("ReplayedResponses = %v, want 1", got)
	}
}

func TestSendResponse_SecondAnswerRejected(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))
	s.AddRequestListener(&recordingListener{})

	req := mustBindingRequest(t)
	s.HandleDatagram(encodeMessage(t, req), testLocal, testPeer)

	resp := stun.NewSuccessResponse(req)
	if err := s.SendResponse(resp, stun.SigningOptions{}); err != nil {
		t.Fatalf("first SendResponse() error = %v", err)
	}
	err := s.SendResponse(resp, stun.SigningOptions{})
	if !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("second SendResponse() error = %v, want ErrDuplicateTransaction", err)
	}
}

func TestSendResponse_UnknownTransaction(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))

	req := mustBindingRequest(t)
	resp := stun.NewSuccessResponse(req)
	err := s.SendResponse(resp, stun.SigningOptions{})
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("SendResponse() error = %v, want ErrTransactionNotFound", err)
	}

	ind, err := stun.NewIndication(stun.MethodBinding)
	if err != nil {
		t.Fatalf("NewIndication() error = %v", err)
	}
	if err := s.SendResponse(ind, stun.SigningOptions{}); err == nil {
		t.Error("SendResponse(indication) error = nil, want error")
	}
}

func TestRequestListener_PerAddressPrecedence(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))

	secondLocal := netip.MustParseAddrPort("192.0.2.11:3478")
	second := &fakeSocket{local: secondLocal, clk: s.cfg.Clock}
	if err := s.attach(second); err != nil {
		t.Fatalf("attach() error = %v", err)
	}

	global := &recordingListener{}
	scoped := &recordingListener{}
	s.AddRequestListener(global)
	s.AddRequestListenerFor(secondLocal, scoped)

	reqA := mustBindingRequest(t)
	s.HandleDatagram(encodeMessage(t, reqA), testLocal, testPeer)
	reqB := mustBindingRequest(t)
	s.HandleDatagram(encodeMessage(t, reqB), secondLocal, testPeer)

	if got := global.count(); got != 1 {
		t.Errorf("global listener events = %d, want 1", got)
	}
	if got := scoped.count(); got != 1 {
		t.Errorf("scoped listener events = %d, want 1", got)
	}
	scoped.mu.Lock()
	gotLocal := scoped.events[0].LocalAddr
	scoped.mu.Unlock()
	if gotLocal != secondLocal {
		t.Errorf("scoped event local = %v, want %v", gotLocal, secondLocal)
	}
}

func TestHandleRequest_NoListenerStillOpensTransaction(t *testing.T) {
	s, sock := newTestStack(t, testConfig(clock.NewMock()))

	req := mustBindingRequest(t)
	s.HandleDatagram(encodeMessage(t, req), testLocal, testPeer)

	if got := s.Stats().ServerTransactions; got != 1 {
		t.Fatalf("ServerTransactions = %d, want 1", got)
	}

	// The transaction is answerable even though nothing observed the event.
	resp := stun.NewSuccessResponse(req)
	if err := s.SendResponse(resp, stun.SigningOptions{}); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	if got := len(sock.sent()); got != 1 {
		t.Errorf("sends = %d, want 1", got)
	}
}

func TestHandleRequest_UnknownComprehensionRequired(t *testing.T) {
	s, sock := newTestStack(t, testConfig(clock.NewMock()))

	listener := &recordingListener{}
	s.AddRequestListener(listener)

	req := mustBindingRequest(t)
	req.AppendAttribute(stun.AttrType(0x7fff), []byte{0xde, 0xad, 0xbe, 0xef})
	raw := encodeMessage(t, req)
	s.HandleDatagram(raw, testLocal, testPeer)

	if got := listener.count(); got != 0 {
		t.Fatalf("listener events = %d, want 0", got)
	}
	sends := sock.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1 (the 420)", len(sends))
	}

	resp, err := stun.Decode(sends[0].data)
	if err != nil {
		t.Fatalf("Decode(420) error = %v", err)
	}
	if !resp.IsErrorResponse() {
		t.Fatalf("response class = %v, want error response", resp.Class)
	}
	if !resp.TransactionID.Equal(req.TransactionID) {
		t.Errorf("response transaction ID = %s, want %s", resp.TransactionID, req.TransactionID)
	}
	code, _, err := stun.ParseErrorCode(resp)
	if err != nil {
		t.Fatalf("ParseErrorCode() error = %v", err)
	}
	if code != 420 {
		t.Errorf("error code = %d, want 420", code)
	}
	types, err := stun.ParseUnknownAttributes(resp)
	if err != nil {
		t.Fatalf("ParseUnknownAttributes() error = %v", err)
	}
	if len(types) != 1 || types[0] != stun.AttrType(0x7fff) {
		t.Errorf("UNKNOWN-ATTRIBUTES = %v, want [0x7fff]", types)
	}

	// Duplicates of the offending request replay the cached 420.
	s.HandleDatagram(raw, testLocal, testPeer)
	sends = sock.sent()
	if len(sends) != 2 {
		t.Fatalf("sends after duplicate = %d, want 2", len(sends))
	}
	if !bytes.Equal(sends[0].data, sends[1].data) {
		t.Error("replayed 420 differs from the original")
	}
}

func TestHandleResponse_UnknownComprehensionRequiredDiscarded(t *testing.T) {
	s, sock := newTestStack(t, testConfig(clock.NewMock()))

	col := &recordingCollector{}
	req := mustBindingRequest(t)
	if _, err := s.SendRequest(req, testPeer, netip.AddrPort{}, stun.SigningOptions{}, col); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	sent, err := stun.Decode(sock.sent()[0].data)
	if err != nil {
		t.Fatalf("Decode(sent) error = %v", err)
	}

	bad := stun.NewSuccessResponse(sent)
	bad.AppendAttribute(stun.AttrType(0x7fff), []byte{0x01, 0x02, 0x03, 0x04})
	s.HandleDatagram(encodeMessage(t, bad), testLocal, testPeer)

	if r, _, _ := col.counts(); r != 0 {
		t.Fatal("response with unknown comprehension-required attributes was delivered")
	}
	if got := s.Stats().ClientTransactions; got != 1 {
		t.Fatalf("ClientTransactions = %d, want 1 (transaction must survive)", got)
	}

	// A clean response still completes the transaction afterwards.
	s.HandleDatagram(encodeMessage(t, stun.NewSuccessResponse(sent)), testLocal, testPeer)
	if r, _, _ := col.counts(); r != 1 {
		t.Error("clean response after discarded one was not delivered")
	}
}

func TestHandleRequest_RequireIntegrity(t *testing.T) {
	cfg := testConfig(clock.NewMock())
	cfg.RequireIntegrity = true
	s, sock := newTestStack(t, cfg)

	listener := &recordingListener{}
	s.AddRequestListener(listener)

	// Unsigned request: rejected with a 400 before the listener sees it.
	bare := mustBindingRequest(t)
	s.HandleDatagram(encodeMessage(t, bare), testLocal, testPeer)

	if got := listener.count(); got != 0 {
		t.Fatalf("listener events after unsigned request = %d, want 0", got)
	}
	sends := sock.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1 (the 400)", len(sends))
	}
	resp, err := stun.Decode(sends[0].data)
	if err != nil {
		t.Fatalf("Decode(400) error = %v", err)
	}
	code, _, err := stun.ParseErrorCode(resp)
	if err != nil {
		t.Fatalf("ParseErrorCode() error = %v", err)
	}
	if code != 400 {
		t.Errorf("error code = %d, want 400", code)
	}

	// Signed request: passes through.
	signed := mustBindingRequest(t)
	raw, err := signed.Encode(stun.SigningOptions{IntegrityKey: []byte("swordfish")})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	s.HandleDatagram(raw, testLocal, testPeer)
	if got := listener.count(); got != 1 {
		t.Errorf("listener events after signed request = %d, want 1", got)
	}
}

func TestHandleIndication_FansOut(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))

	var first, second []*IndicationEvent
	var mu sync.Mutex
	s.AddIndicationListener(IndicationListenerFunc(func(ev *IndicationEvent) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, ev)
	}))
	s.AddIndicationListener(IndicationListenerFunc(func(ev *IndicationEvent) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, ev)
	}))

	ind, err := stun.NewIndication(stun.MethodBinding)
	if err != nil {
		t.Fatalf("NewIndication() error = %v", err)
	}
	s.HandleDatagram(encodeMessage(t, ind), testLocal, testPeer)

	mu.Lock()
	f, sec := len(first), len(second)
	mu.Unlock()
	if f != 1 || sec != 1 {
		t.Errorf("listener events = %d/%d, want 1/1", f, sec)
	}
	if got := testutil.ToFloat64(s.cfg.Metrics.IndicationsReceived); got != 1 {
		t.Errorf("IndicationsReceived = %v, want 1", got)
	}
	if got := s.Stats().ServerTransactions; got != 0 {
		t.Errorf("ServerTransactions = %d, want 0 (indications open none)", got)
	}
}

func TestHandleDatagram_Malformed(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))
	s.AddRequestListener(&recordingListener{})

	valid := encodeMessage(t, mustBindingRequest(t))

	badCookie := append([]byte(nil), valid...)
	badCookie[4] = 0x00

	topBits := append([]byte(nil), valid...)
	topBits[0] |= 0xc0

	truncated := append([]byte(nil), valid...)
	truncated = append(truncated, 0x80, 0x22, 0x00, 0x20, 'a', 'b', 'c', 'd')
	binary.BigEndian.PutUint16(truncated[2:4], uint16(len(truncated)-stun.HeaderSize))

	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{"short datagram", []byte{0x00, 0x01, 0x00}, "malformed_header"},
		{"bad magic cookie", badCookie, "malformed_header"},
		{"top bits set", topBits, "malformed_header"},
		{"truncated attribute", truncated, "truncated_attribute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(s.cfg.Metrics.DecodeErrors.WithLabelValues(tt.reason))
			s.HandleDatagram(tt.data, testLocal, testPeer)
			after := testutil.ToFloat64(s.cfg.Metrics.DecodeErrors.WithLabelValues(tt.reason))
			if after != before+1 {
				t.Errorf("DecodeErrors{%s} = %v, want %v", tt.reason, after, before+1)
			}
		})
	}

	if got := s.Stats().ServerTransactions; got != 0 {
		t.Errorf("ServerTransactions = %d, want 0", got)
	}
}

func TestListenerPanic_Recovered(t *testing.T) {
	s, _ := newTestStack(t, testConfig(clock.NewMock()))

	calls := 0
	s.AddRequestListener(RequestListenerFunc(func(ev *RequestEvent) {
		calls++
		if calls == 1 {
			panic("listener exploded")
		}
	}))

	s.HandleDatagram(encodeMessage(t, mustBindingRequest(t)), testLocal, testPeer)
	if got := testutil.ToFloat64(s.cfg.Metrics.PanicsRecovered); got != 1 {
		t.Errorf("PanicsRecovered = %v, want 1", got)
	}

	// The engine keeps dispatching after the panic.
	s.HandleDatagram(encodeMessage(t, mustBindingRequest(t)), testLocal, testPeer)
	if calls != 2 {
		t.Errorf("listener calls = %d, want 2", calls)
	}
}

func TestCollectorPanic_Recovered(t *testing.T) {
	mock := clock.NewMock()
	s, sock := newTestStack(t, testConfig(mock))

	panicking := &panickingCollector{}
	req := mustBindingRequest(t)
	if _, err := s.SendRequest(req, testPeer, netip.AddrPort{}, stun.SigningOptions{}, panicking); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	sent, err := stun.Decode(sock.sent()[0].data)
	if err != nil {
		t.Fatalf("Decode(sent) error = %v", err)
	}
	s.HandleDatagram(encodeMessage(t, stun.NewSuccessResponse(sent)), testLocal, testPeer)

	if got := testutil.ToFloat64(s.cfg.Metrics.PanicsRecovered); got != 1 {
		t.Errorf("PanicsRecovered = %v, want 1", got)
	}
	if got := s.Stats().ClientTransactions; got != 0 {
		t.Errorf("ClientTransactions = %d, want 0", got)
	}
}

type panickingCollector struct{}

func (panickingCollector) OnResponse(*ResponseEvent)   { panic("collector exploded") }
func (panickingCollector) OnTimeout(*FailureEvent)     { panic("collector exploded") }
func (panickingCollector) OnUnreachable(*FailureEvent) { panic("collector exploded") }

func TestEngineResponses_CarrySoftware(t *testing.T) {
	cfg := testConfig(clock.NewMock())
	cfg.Software = "stunwire/test"
	s, sock := newTestStack(t, cfg)

	req := mustBindingRequest(t)
	req.AppendAttribute(stun.AttrType(0x7fff), nil)
	s.HandleDatagram(encodeMessage(t, req), testLocal, testPeer)

	sends := sock.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	resp, err := stun.Decode(sends[0].data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	software, err := stun.ParseSoftware(resp)
	if err != nil {
		t.Fatalf("ParseSoftware() error = %v", err)
	}
	if software != "stunwire/test" {
		t.Errorf("SOFTWARE = %q, want %q", software, "stunwire/test")
	}
}
