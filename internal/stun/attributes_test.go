package stun

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
)

// Transaction ID used throughout the RFC 5769 test vectors.
var testVectorTID = TransactionID{
	0xb7, 0xe7, 0xa7, 0x01, 0xbc, 0x34, 0xd6, 0x86, 0xfa, 0x87, 0xdf, 0xae,
}

func TestXORMappedAddress_IPv4Vector(t *testing.T) {
	// RFC 5769 section 2.2: 192.0.2.1:32853 under the sample transaction ID.
	m := &Message{
		Class:         ClassSuccessResponse,
		Method:        MethodBinding,
		TransactionID: testVectorTID,
	}
	AppendXORMappedAddress(m, netip.MustParseAddrPort("192.0.2.1:32853"))

	v, ok := m.Attribute(AttrXORMappedAddress)
	if !ok {
		t.Fatal("XOR-MAPPED-ADDRESS not appended")
	}

	want := []byte{0x00, 0x01, 0xa1, 0x47, 0xe1, 0x12, 0xa6, 0x43}
	if !bytes.Equal(v, want) {
		t.Errorf("value = %x, want %x", v, want)
	}

	got, err := ParseXORMappedAddress(m)
	if err != nil {
		t.Fatalf("ParseXORMappedAddress() error = %v", err)
	}
	if got != netip.MustParseAddrPort("192.0.2.1:32853") {
		t.Errorf("ParseXORMappedAddress() = %s, want 192.0.2.1:32853", got)
	}
}

func TestXORMappedAddress_IPv6Vector(t *testing.T) {
	// RFC 5769 section 2.3: [2001:db8:1234:5678:11:2233:4455:6677]:32853.
	addr := netip.MustParseAddrPort("[2001:db8:1234:5678:11:2233:4455:6677]:32853")
	m := &Message{
		Class:         ClassSuccessResponse,
		Method:        MethodBinding,
		TransactionID: testVectorTID,
	}
	AppendXORMappedAddress(m, addr)

	v, ok := m.Attribute(AttrXORMappedAddress)
	if !ok {
		t.Fatal("XOR-MAPPED-ADDRESS not appended")
	}

	want := []byte{
		0x00, 0x02, 0xa1, 0x47,
		0x01, 0x13, 0xa9, 0xfa,
		0xa5, 0xd3, 0xf1, 0x79,
		0xbc, 0x25, 0xf4, 0xb5,
		0xbe, 0xd2, 0xb9, 0xd9,
	}
	if !bytes.Equal(v, want) {
		t.Errorf("value = %x, want %x", v, want)
	}

	got, err := ParseXORMappedAddress(m)
	if err != nil {
		t.Fatalf("ParseXORMappedAddress() error = %v", err)
	}
	if got != addr {
		t.Errorf("ParseXORMappedAddress() = %s, want %s", got, addr)
	}
}

func TestXORMappedAddress_Unmaps4In6(t *testing.T) {
	m := &Message{TransactionID: testVectorTID}
	AppendXORMappedAddress(m, netip.MustParseAddrPort("[::ffff:192.0.2.1]:32853"))

	v, _ := m.Attribute(AttrXORMappedAddress)
	if len(v) != 8 {
		t.Fatalf("value length = %d, want 8 (IPv4 form)", len(v))
	}
	if v[1] != familyIPv4 {
		t.Errorf("family = 0x%02x, want IPv4", v[1])
	}
}

func TestMappedAddress_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		addr string
	}{
		{"ipv4", "203.0.113.9:49152"},
		{"ipv6", "[2001:db8::1]:3478"},
		{"ipv4 low port", "10.0.0.1:1"},
		{"ipv4 high port", "192.168.1.100:65535"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr := netip.MustParseAddrPort(tt.addr)
			m := &Message{}
			AppendMappedAddress(m, addr)

			got, err := ParseMappedAddress(m)
			if err != nil {
				t.Fatalf("ParseMappedAddress() error = %v", err)
			}
			if got != addr {
				t.Errorf("ParseMappedAddress() = %s, want %s", got, addr)
			}
		})
	}
}

func TestResponseOriginAndOtherAddress(t *testing.T) {
	origin := netip.MustParseAddrPort("198.51.100.1:3478")
	other := netip.MustParseAddrPort("198.51.100.2:3479")

	m := &Message{}
	AppendResponseOrigin(m, origin)
	AppendOtherAddress(m, other)

	gotOrigin, err := ParseResponseOrigin(m)
	if err != nil {
		t.Fatalf("ParseResponseOrigin() error = %v", err)
	}
	if gotOrigin != origin {
		t.Errorf("ParseResponseOrigin() = %s, want %s", gotOrigin, origin)
	}

	gotOther, err := ParseOtherAddress(m)
	if err != nil {
		t.Fatalf("ParseOtherAddress() error = %v", err)
	}
	if gotOther != other {
		t.Errorf("ParseOtherAddress() = %s, want %s", gotOther, other)
	}
}

func TestParseAddress_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"empty", []byte{}},
		{"too short", []byte{0x00, 0x01, 0xa1}},
		{"unknown family", []byte{0x00, 0x03, 0x80, 0x55, 0xc0, 0x00, 0x02, 0x01}},
		{"ipv6 family with ipv4 length", []byte{0x00, 0x02, 0x80, 0x55, 0xc0, 0x00, 0x02, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{}
			m.Attributes = append(m.Attributes, Attribute{Type: AttrMappedAddress, Value: tt.value})

			_, err := ParseMappedAddress(m)
			if err == nil {
				t.Error("ParseMappedAddress() should fail")
			}
			if !errors.Is(err, ErrInvalidAttribute) {
				t.Errorf("error = %v, want ErrInvalidAttribute", err)
			}
		})
	}
}

func TestParseAddress_NotFound(t *testing.T) {
	m := &Message{}
	_, err := ParseXORMappedAddress(m)
	if !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("error = %v, want ErrAttributeNotFound", err)
	}
}

func TestErrorCode_RoundTrip(t *testing.T) {
	tests := []struct {
		code   int
		reason string
	}{
		{300, "Try Alternate"},
		{400, "Bad Request"},
		{420, "Unknown Attribute"},
		{438, "Stale Nonce"},
		{500, "Server Error"},
		{699, ""},
	}

	for _, tt := range tests {
		m := &Message{}
		if err := AppendErrorCode(m, tt.code, tt.reason); err != nil {
			t.Fatalf("AppendErrorCode(%d) error = %v", tt.code, err)
		}

		code, reason, err := ParseErrorCode(m)
		if err != nil {
			t.Fatalf("ParseErrorCode() error = %v", err)
		}
		if code != tt.code {
			t.Errorf("code = %d, want %d", code, tt.code)
		}
		if reason != tt.reason {
			t.Errorf("reason = %q, want %q", reason, tt.reason)
		}
	}
}

func TestAppendErrorCode_OutOfRange(t *testing.T) {
	for _, code := range []int{0, 299, 700, 1000, -1} {
		m := &Message{}
		if err := AppendErrorCode(m, code, "x"); err == nil {
			t.Errorf("AppendErrorCode(%d) should fail", code)
		}
	}
}

func TestParseErrorCode_TooShort(t *testing.T) {
	m := &Message{}
	m.Attributes = append(m.Attributes, Attribute{Type: AttrErrorCode, Value: []byte{0, 0}})

	_, _, err := ParseErrorCode(m)
	if !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("error = %v, want ErrInvalidAttribute", err)
	}
}

func TestUnknownAttributes_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		types []AttrType
	}{
		{"single", []AttrType{0x7fff}},
		{"pair", []AttrType{0x0024, 0x0033}},
		{"triple", []AttrType{0x0024, 0x0033, 0x7000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{}
			AppendUnknownAttributes(m, tt.types)

			got, err := ParseUnknownAttributes(m)
			if err != nil {
				t.Fatalf("ParseUnknownAttributes() error = %v", err)
			}
			if len(got) != len(tt.types) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.types))
			}
			for i := range got {
				if got[i] != tt.types[i] {
					t.Errorf("types[%d] = %v, want %v", i, got[i], tt.types[i])
				}
			}
		})
	}
}

func TestParseUnknownAttributes_OddLength(t *testing.T) {
	m := &Message{}
	m.Attributes = append(m.Attributes, Attribute{Type: AttrUnknownAttrs, Value: []byte{0x00}})

	_, err := ParseUnknownAttributes(m)
	if !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("error = %v, want ErrInvalidAttribute", err)
	}
}

func TestSoftware_RoundTrip(t *testing.T) {
	m := &Message{}
	AppendSoftware(m, "stunwire/1.0")

	got, err := ParseSoftware(m)
	if err != nil {
		t.Fatalf("ParseSoftware() error = %v", err)
	}
	if got != "stunwire/1.0" {
		t.Errorf("ParseSoftware() = %q, want stunwire/1.0", got)
	}
}

func TestAppendSoftware_Truncates(t *testing.T) {
	m := &Message{}
	AppendSoftware(m, strings.Repeat("a", 800))

	v, _ := m.Attribute(AttrSoftware)
	if len(v) != 763 {
		t.Errorf("value length = %d, want 763", len(v))
	}
}

func TestAttrType_ComprehensionRequired(t *testing.T) {
	required := []AttrType{AttrMappedAddress, AttrUsername, AttrMessageIntegrity, AttrErrorCode, AttrType(0x7fff)}
	optional := []AttrType{AttrSoftware, AttrFingerprint, AttrOtherAddress, AttrType(0x8000), AttrType(0xffff)}

	for _, a := range required {
		if !a.ComprehensionRequired() {
			t.Errorf("ComprehensionRequired(%s) = false, want true", a)
		}
	}
	for _, a := range optional {
		if a.ComprehensionRequired() {
			t.Errorf("ComprehensionRequired(%s) = true, want false", a)
		}
	}
}

func TestAttrType_String(t *testing.T) {
	tests := []struct {
		attr AttrType
		want string
	}{
		{AttrMappedAddress, "MAPPED-ADDRESS"},
		{AttrXORMappedAddress, "XOR-MAPPED-ADDRESS"},
		{AttrMessageIntegrity, "MESSAGE-INTEGRITY"},
		{AttrErrorCode, "ERROR-CODE"},
		{AttrUnknownAttrs, "UNKNOWN-ATTRIBUTES"},
		{AttrSoftware, "SOFTWARE"},
		{AttrFingerprint, "FINGERPRINT"},
		{AttrResponseOrigin, "RESPONSE-ORIGIN"},
		{AttrOtherAddress, "OTHER-ADDRESS"},
		{AttrChangeRequest, "CHANGE-REQUEST"},
		{AttrType(0x1234), "attribute 0x1234"},
	}

	for _, tt := range tests {
		if got := tt.attr.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
