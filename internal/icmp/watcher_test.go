package icmp

import (
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/postalsys/stunwire/internal/logging"
)

type notification struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (f *fakeNotifier) NotifyUnreachable(local, remote netip.AddrPort) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, notification{local: local, remote: remote})
	return 1
}

func (f *fakeNotifier) notified() []notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]notification, len(f.calls))
	copy(out, f.calls)
	return out
}

// embeddedUDP builds the IPv4 header + UDP header prefix a Destination
// Unreachable embeds for a datagram from src to dst.
func embeddedUDP(src, dst netip.AddrPort) []byte {
	b := make([]byte, 28)
	b[0] = 0x45 // version 4, 20-byte header
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = udpProtocolNumber
	copy(b[12:16], src.Addr().AsSlice())
	copy(b[16:20], dst.Addr().AsSlice())
	binary.BigEndian.PutUint16(b[20:22], src.Port())
	binary.BigEndian.PutUint16(b[22:24], dst.Port())
	binary.BigEndian.PutUint16(b[24:26], udpHeaderSize)
	return b
}

func TestParseEmbedded(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.10:54321")
	dst := netip.MustParseAddrPort("192.0.2.99:3478")

	local, remote, ok := parseEmbedded(embeddedUDP(src, dst))
	if !ok {
		t.Fatal("parseEmbedded() ok = false, want true")
	}
	if local != src {
		t.Errorf("local = %v, want %v", local, src)
	}
	if remote != dst {
		t.Errorf("remote = %v, want %v", remote, dst)
	}
}

func TestParseEmbedded_Rejects(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.10:54321")
	dst := netip.MustParseAddrPort("192.0.2.99:3478")

	tcp := embeddedUDP(src, dst)
	tcp[9] = 6

	short := embeddedUDP(src, dst)[:24]

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", []byte{0x45, 0x00}},
		{"not udp", tcp},
		{"missing udp header", short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, ok := parseEmbedded(tt.data); ok {
				t.Error("parseEmbedded() ok = true, want false")
			}
		})
	}
}

func TestParseEmbedded_HeaderWithOptions(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.10:54321")
	dst := netip.MustParseAddrPort("192.0.2.99:3478")

	// 24-byte header: one 4-byte option between header and UDP bytes.
	b := make([]byte, 32)
	b[0] = 0x46
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	b[8] = 64
	b[9] = udpProtocolNumber
	copy(b[12:16], src.Addr().AsSlice())
	copy(b[16:20], dst.Addr().AsSlice())
	binary.BigEndian.PutUint16(b[24:26], src.Port())
	binary.BigEndian.PutUint16(b[26:28], dst.Port())

	local, remote, ok := parseEmbedded(b)
	if !ok {
		t.Fatal("parseEmbedded() ok = false, want true")
	}
	if local != src || remote != dst {
		t.Errorf("parsed %v -> %v, want %v -> %v", local, remote, src, dst)
	}
}

func TestHandlePacket_DestinationUnreachable(t *testing.T) {
	notifier := &fakeNotifier{}
	w := NewWatcher(notifier, logging.NopLogger())

	src := netip.MustParseAddrPort("192.0.2.10:54321")
	dst := netip.MustParseAddrPort("192.0.2.99:3478")
	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 3, // port unreachable
		Body: &icmp.DstUnreach{Data: embeddedUDP(src, dst)},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	w.handlePacket(raw)

	calls := notifier.notified()
	if len(calls) != 1 {
		t.Fatalf("notifications = %d, want 1", len(calls))
	}
	if calls[0].remote != dst {
		t.Errorf("remote = %v, want %v", calls[0].remote, dst)
	}
	if calls[0].local.IsValid() {
		t.Errorf("local = %v, want the zero AddrPort", calls[0].local)
	}
}

func TestHandlePacket_IgnoresOtherTypes(t *testing.T) {
	notifier := &fakeNotifier{}
	w := NewWatcher(notifier, logging.NopLogger())

	echo := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: 1, Seq: 1, Data: []byte("ping")},
	}
	raw, err := echo.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	w.handlePacket(raw)
	w.handlePacket([]byte{0xff})
	w.handlePacket(nil)

	if got := len(notifier.notified()); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
}

func TestHandlePacket_UnreachableWithoutUDPPayload(t *testing.T) {
	notifier := &fakeNotifier{}
	w := NewWatcher(notifier, logging.NopLogger())

	msg := icmp.Message{
		Type: ipv4.ICMPTypeDestinationUnreachable,
		Code: 1,
		Body: &icmp.DstUnreach{Data: []byte{0x45, 0x00}},
	}
	raw, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	w.handlePacket(raw)

	if got := len(notifier.notified()); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
}

func TestWatcher_CloseWithoutStart(t *testing.T) {
	w := NewWatcher(&fakeNotifier{}, logging.NopLogger())

	if w.Active() {
		t.Error("Active() = true before Start")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	// Start after Close stays inactive.
	if err := w.Start(); err != nil {
		t.Errorf("Start() after Close error = %v", err)
	}
	if w.Active() {
		t.Error("Active() = true after Close")
	}
}
