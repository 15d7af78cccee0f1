package stun

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// AttrType identifies a STUN attribute. Types below 0x8000 are
// comprehension-required: an agent that does not understand one must
// reject the message instead of ignoring the attribute.
type AttrType uint16

// Attribute types from RFC 5389, RFC 5780, and the RFC 3489 legacy range.
const (
	AttrMappedAddress    AttrType = 0x0001
	AttrResponseAddress  AttrType = 0x0002 // RFC 3489, reserved
	AttrChangeRequest    AttrType = 0x0003 // RFC 5780
	AttrSourceAddress    AttrType = 0x0004 // RFC 3489, reserved
	AttrChangedAddress   AttrType = 0x0005 // RFC 3489, reserved
	AttrUsername         AttrType = 0x0006
	AttrPassword         AttrType = 0x0007 // RFC 3489, reserved
	AttrMessageIntegrity AttrType = 0x0008
	AttrErrorCode        AttrType = 0x0009
	AttrUnknownAttrs     AttrType = 0x000a
	AttrReflectedFrom    AttrType = 0x000b // RFC 3489, reserved
	AttrRealm            AttrType = 0x0014
	AttrNonce            AttrType = 0x0015
	AttrXORMappedAddress AttrType = 0x0020
	AttrPadding          AttrType = 0x0026 // RFC 5780
	AttrResponsePort     AttrType = 0x0027 // RFC 5780

	AttrSoftware        AttrType = 0x8022
	AttrAlternateServer AttrType = 0x8023
	AttrFingerprint     AttrType = 0x8028
	AttrResponseOrigin  AttrType = 0x802b // RFC 5780
	AttrOtherAddress    AttrType = 0x802c // RFC 5780
)

// knownAttrTypes is the set the decoder understands. Comprehension-required
// types outside this set make a message undecodable for the engine.
var knownAttrTypes = map[AttrType]bool{
	AttrMappedAddress:    true,
	AttrResponseAddress:  true,
	AttrChangeRequest:    true,
	AttrSourceAddress:    true,
	AttrChangedAddress:   true,
	AttrUsername:         true,
	AttrPassword:         true,
	AttrMessageIntegrity: true,
	AttrErrorCode:        true,
	AttrUnknownAttrs:     true,
	AttrReflectedFrom:    true,
	AttrRealm:            true,
	AttrNonce:            true,
	AttrXORMappedAddress: true,
	AttrPadding:          true,
	AttrResponsePort:     true,
	AttrSoftware:         true,
	AttrAlternateServer:  true,
	AttrFingerprint:      true,
	AttrResponseOrigin:   true,
	AttrOtherAddress:     true,
}

// ComprehensionRequired returns true for attribute types an agent must
// understand to process the message (types below 0x8000).
func (t AttrType) ComprehensionRequired() bool {
	return t < 0x8000
}

// String returns the RFC name of the attribute type.
func (t AttrType) String() string {
	switch t {
	case AttrMappedAddress:
		return "MAPPED-ADDRESS"
	case AttrResponseAddress:
		return "RESPONSE-ADDRESS"
	case AttrChangeRequest:
		return "CHANGE-REQUEST"
	case AttrSourceAddress:
		return "SOURCE-ADDRESS"
	case AttrChangedAddress:
		return "CHANGED-ADDRESS"
	case AttrUsername:
		return "USERNAME"
	case AttrPassword:
		return "PASSWORD"
	case AttrMessageIntegrity:
		return "MESSAGE-INTEGRITY"
	case AttrErrorCode:
		return "ERROR-CODE"
	case AttrUnknownAttrs:
		return "UNKNOWN-ATTRIBUTES"
	case AttrReflectedFrom:
		return "REFLECTED-FROM"
	case AttrRealm:
		return "REALM"
	case AttrNonce:
		return "NONCE"
	case AttrXORMappedAddress:
		return "XOR-MAPPED-ADDRESS"
	case AttrPadding:
		return "PADDING"
	case AttrResponsePort:
		return "RESPONSE-PORT"
	case AttrSoftware:
		return "SOFTWARE"
	case AttrAlternateServer:
		return "ALTERNATE-SERVER"
	case AttrFingerprint:
		return "FINGERPRINT"
	case AttrResponseOrigin:
		return "RESPONSE-ORIGIN"
	case AttrOtherAddress:
		return "OTHER-ADDRESS"
	default:
		return fmt.Sprintf("attribute 0x%04x", uint16(t))
	}
}

// Attribute is one TLV entry. The engine treats Value as opaque; the
// typed helpers below interpret the attributes it actually needs.
type Attribute struct {
	Type  AttrType
	Value []byte
}

// Equal reports whether two attributes have the same type and value.
func (a Attribute) Equal(other Attribute) bool {
	return a.Type == other.Type && bytes.Equal(a.Value, other.Value)
}

// String returns a debug representation of the attribute.
func (a Attribute) String() string {
	return fmt.Sprintf("%s(%d bytes)", a.Type, len(a.Value))
}

// Address families for (XOR-)MAPPED-ADDRESS and friends.
const (
	familyIPv4 = 0x01
	familyIPv6 = 0x02
)

// ErrAttributeNotFound is returned by the Parse helpers when the message
// does not carry the requested attribute.
var ErrAttributeNotFound = errors.New("attribute not found")

// ErrInvalidAttribute is returned when an attribute value cannot be
// interpreted as its RFC-defined structure.
var ErrInvalidAttribute = errors.New("invalid attribute value")

// AppendMappedAddress appends a MAPPED-ADDRESS attribute.
func AppendMappedAddress(m *Message, addr netip.AddrPort) {
	m.Attributes = append(m.Attributes, Attribute{
		Type:  AttrMappedAddress,
		Value: encodeAddress(addr, TransactionID{}, false),
	})
}

// AppendXORMappedAddress appends an XOR-MAPPED-ADDRESS attribute. The
// address is obfuscated with the magic cookie and, for IPv6, the message's
// transaction ID, so the ID must be final before calling.
func AppendXORMappedAddress(m *Message, addr netip.AddrPort) {
	m.Attributes = append(m.Attributes, Attribute{
		Type:  AttrXORMappedAddress,
		Value: encodeAddress(addr, m.TransactionID, true),
	})
}

// AppendResponseOrigin appends a RESPONSE-ORIGIN attribute (RFC 5780).
func AppendResponseOrigin(m *Message, addr netip.AddrPort) {
	m.Attributes = append(m.Attributes, Attribute{
		Type:  AttrResponseOrigin,
		Value: encodeAddress(addr, TransactionID{}, false),
	})
}

// AppendOtherAddress appends an OTHER-ADDRESS attribute (RFC 5780).
func AppendOtherAddress(m *Message, addr netip.AddrPort) {
	m.Attributes = append(m.Attributes, Attribute{
		Type:  AttrOtherAddress,
		Value: encodeAddress(addr, TransactionID{}, false),
	})
}

// AppendSoftware appends a SOFTWARE attribute. Names longer than the RFC
// limit of 763 bytes are truncated.
func AppendSoftware(m *Message, name string) {
	b := []byte(name)
	if len(b) > 763 {
		b = b[:763]
	}
	m.Attributes = append(m.Attributes, Attribute{Type: AttrSoftware, Value: b})
}

// AppendErrorCode appends an ERROR-CODE attribute. Codes must be in
// 300..699 per RFC 5389.
func AppendErrorCode(m *Message, code int, reason string) error {
	if code < 300 || code > 699 {
		return fmt.Errorf("%w: error code %d out of range", ErrInvalidAttribute, code)
	}
	r := []byte(reason)
	if len(r) > 763 {
		r = r[:763]
	}
	v := make([]byte, 4+len(r))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], r)
	m.Attributes = append(m.Attributes, Attribute{Type: AttrErrorCode, Value: v})
	return nil
}

// AppendUnknownAttributes appends an UNKNOWN-ATTRIBUTES attribute listing
// the given types, for use in 420 error responses.
func AppendUnknownAttributes(m *Message, types []AttrType) {
	v := make([]byte, 2*len(types))
	for i, t := range types {
		binary.BigEndian.PutUint16(v[2*i:], uint16(t))
	}
	m.Attributes = append(m.Attributes, Attribute{Type: AttrUnknownAttrs, Value: v})
}

// ParseMappedAddress extracts the MAPPED-ADDRESS attribute.
func ParseMappedAddress(m *Message) (netip.AddrPort, error) {
	return parseAddressAttr(m, AttrMappedAddress, false)
}

// ParseXORMappedAddress extracts and de-obfuscates the XOR-MAPPED-ADDRESS
// attribute.
func ParseXORMappedAddress(m *Message) (netip.AddrPort, error) {
	return parseAddressAttr(m, AttrXORMappedAddress, true)
}

// ParseResponseOrigin extracts the RESPONSE-ORIGIN attribute (RFC 5780).
func ParseResponseOrigin(m *Message) (netip.AddrPort, error) {
	return parseAddressAttr(m, AttrResponseOrigin, false)
}

// ParseOtherAddress extracts the OTHER-ADDRESS attribute (RFC 5780).
func ParseOtherAddress(m *Message) (netip.AddrPort, error) {
	return parseAddressAttr(m, AttrOtherAddress, false)
}

// ParseSoftware extracts the SOFTWARE attribute.
func ParseSoftware(m *Message) (string, error) {
	v, ok := m.Attribute(AttrSoftware)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAttributeNotFound, AttrSoftware)
	}
	return string(v), nil
}

// ParseErrorCode extracts the ERROR-CODE attribute as a numeric code and
// reason phrase.
func ParseErrorCode(m *Message) (int, string, error) {
	v, ok := m.Attribute(AttrErrorCode)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrAttributeNotFound, AttrErrorCode)
	}
	if len(v) < 4 {
		return 0, "", fmt.Errorf("%w: ERROR-CODE too short", ErrInvalidAttribute)
	}
	code := int(v[2]&0x07)*100 + int(v[3])
	return code, string(v[4:]), nil
}

// ParseUnknownAttributes extracts the UNKNOWN-ATTRIBUTES attribute.
func ParseUnknownAttributes(m *Message) ([]AttrType, error) {
	v, ok := m.Attribute(AttrUnknownAttrs)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAttributeNotFound, AttrUnknownAttrs)
	}
	if len(v)%2 != 0 {
		return nil, fmt.Errorf("%w: UNKNOWN-ATTRIBUTES length %d", ErrInvalidAttribute, len(v))
	}
	types := make([]AttrType, 0, len(v)/2)
	for i := 0; i+2 <= len(v); i += 2 {
		types = append(types, AttrType(binary.BigEndian.Uint16(v[i:])))
	}
	return types, nil
}

// encodeAddress builds the wire form shared by the address attributes:
// a zero byte, the family, the (x-)port, and the (x-)address.
func encodeAddress(addr netip.AddrPort, tid TransactionID, xor bool) []byte {
	ip := addr.Addr()
	if ip.Is4In6() {
		ip = ip.Unmap()
	}

	port := addr.Port()
	if xor {
		port ^= uint16(magicCookie >> 16)
	}

	var v []byte
	if ip.Is4() {
		v = make([]byte, 8)
		v[1] = familyIPv4
		binary.BigEndian.PutUint16(v[2:4], port)
		a4 := ip.As4()
		copy(v[4:], a4[:])
		if xor {
			xorWithCookie(v[4:8], tid)
		}
	} else {
		v = make([]byte, 20)
		v[1] = familyIPv6
		binary.BigEndian.PutUint16(v[2:4], port)
		a16 := ip.As16()
		copy(v[4:], a16[:])
		if xor {
			xorWithCookie(v[4:20], tid)
		}
	}
	return v
}

func parseAddressAttr(m *Message, t AttrType, xor bool) (netip.AddrPort, error) {
	v, ok := m.Attribute(t)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrAttributeNotFound, t)
	}
	if len(v) < 8 {
		return netip.AddrPort{}, fmt.Errorf("%w: %s too short", ErrInvalidAttribute, t)
	}

	port := binary.BigEndian.Uint16(v[2:4])
	if xor {
		port ^= uint16(magicCookie >> 16)
	}

	switch v[1] {
	case familyIPv4:
		if len(v) < 8 {
			return netip.AddrPort{}, fmt.Errorf("%w: %s IPv4 truncated", ErrInvalidAttribute, t)
		}
		var raw [4]byte
		copy(raw[:], v[4:8])
		if xor {
			xorWithCookie(raw[:], m.TransactionID)
		}
		return netip.AddrPortFrom(netip.AddrFrom4(raw), port), nil
	case familyIPv6:
		if len(v) < 20 {
			return netip.AddrPort{}, fmt.Errorf("%w: %s IPv6 truncated", ErrInvalidAttribute, t)
		}
		var raw [16]byte
		copy(raw[:], v[4:20])
		if xor {
			xorWithCookie(raw[:], m.TransactionID)
		}
		return netip.AddrPortFrom(netip.AddrFrom16(raw), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: %s family 0x%02x", ErrInvalidAttribute, t, v[1])
	}
}

// xorWithCookie XORs buf in place with the magic cookie followed by the
// transaction ID, the RFC 5389 §15.2 keystream for XOR-MAPPED-ADDRESS.
func xorWithCookie(buf []byte, tid TransactionID) {
	var key [4 + TransactionIDSize]byte
	binary.BigEndian.PutUint32(key[:4], magicCookie)
	copy(key[4:], tid[:])
	for i := range buf {
		buf[i] ^= key[i]
	}
}
