package stun

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed STUN message header size in bytes.
	HeaderSize = 20

	// attrHeaderSize is the type+length prefix of each attribute.
	attrHeaderSize = 4

	// magicCookie is the fixed value in bytes 4..8 of every RFC 5389
	// message header.
	magicCookie uint32 = 0x2112a442

	// DefaultPort is the IANA-assigned STUN port for UDP and TCP.
	DefaultPort = 3478
)

var (
	// ErrMalformedHeader is returned when the header is short, the magic
	// cookie is wrong, or the length field disagrees with the datagram.
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrTruncatedAttribute is returned when an attribute's declared
	// length runs past the end of the message.
	ErrTruncatedAttribute = errors.New("truncated attribute")

	// ErrUnknownRequiredAttribute is returned when a message carries a
	// comprehension-required attribute this implementation does not know.
	ErrUnknownRequiredAttribute = errors.New("unknown comprehension-required attribute")

	// ErrMessageTooLarge is returned by Encode when the attributes exceed
	// the 16-bit length field.
	ErrMessageTooLarge = errors.New("encoded message too large")
)

// UnknownAttributesError reports the comprehension-required attribute types
// a decoded message carried that this implementation does not understand.
// It unwraps to ErrUnknownRequiredAttribute.
type UnknownAttributesError struct {
	Types []AttrType
}

func (e *UnknownAttributesError) Error() string {
	return fmt.Sprintf("%v: %v", ErrUnknownRequiredAttribute, e.Types)
}

func (e *UnknownAttributesError) Unwrap() error {
	return ErrUnknownRequiredAttribute
}

// Message type field packing per RFC 5389 §6. The 12-bit method is split
// around the two class bits:
//
//	 0                 1
//	 2  3  4 5 6 7 8 9 0 1 2 3 4 5
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
//	|M |M |M|M|M|C|M|M|M|C|M|M|M|M|
//	|11|10|9|8|7|1|6|5|4|0|3|2|1|0|
//	+--+--+-+-+-+-+-+-+-+-+-+-+-+-+
const (
	methodABits = 0x000f // M0..M3
	methodBBits = 0x0070 // M4..M6
	methodDBits = 0x0f80 // M7..M11

	methodBShift = 1
	methodDShift = 2

	classC0Bit   = 0x1
	classC1Bit   = 0x2
	classC0Shift = 4
	classC1Shift = 7
)

// packType combines class and method into the wire type field.
func packType(c Class, m Method) uint16 {
	method := uint16(m)
	a := method & methodABits
	b := method & methodBBits
	d := method & methodDBits
	v := a + (b << methodBShift) + (d << methodDShift)

	class := uint16(c)
	v += (class & classC0Bit) << classC0Shift
	v += (class & classC1Bit) << classC1Shift

	return v
}

// unpackType splits the wire type field into class and method.
func unpackType(v uint16) (Class, Method) {
	c0 := (v >> classC0Shift) & classC0Bit
	c1 := (v >> classC1Shift) & classC1Bit
	class := Class(c0 + c1)

	a := v & methodABits
	b := (v >> methodBShift) & methodBBits
	d := (v >> methodDShift) & methodDBits
	method := Method(a + b + d)

	return class, method
}

// Encode serializes the message. Header format (20 bytes):
//
//	Type          [2 bytes] - class/method packing, top two bits zero
//	Length        [2 bytes] - attribute bytes after the header
//	Magic Cookie  [4 bytes] - 0x2112A442
//	TransactionID [12 bytes]
//
// followed by attributes as 4-byte-aligned TLVs in list order, zero-padded.
// Signing options append MESSAGE-INTEGRITY and FINGERPRINT last, in that
// order, per RFC 5389. Encode does not mutate the message; encoding the
// same message with the same options yields identical bytes.
func (m *Message) Encode(opts SigningOptions) ([]byte, error) {
	size := HeaderSize
	for _, a := range m.Attributes {
		size += attrHeaderSize + paddedLen(len(a.Value))
	}
	if opts.IntegrityKey != nil {
		size += attrHeaderSize + integritySize
	}
	if opts.Fingerprint {
		size += attrHeaderSize + fingerprintSize
	}
	if size-HeaderSize > 0xffff {
		return nil, fmt.Errorf("%w: %d attribute bytes", ErrMessageTooLarge, size-HeaderSize)
	}

	buf := make([]byte, HeaderSize, size)
	binary.BigEndian.PutUint16(buf[0:2], packType(m.Class, m.Method))
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], m.TransactionID[:])

	for _, a := range m.Attributes {
		buf = appendAttr(buf, a.Type, a.Value)
	}

	if opts.IntegrityKey != nil {
		// The HMAC covers the message with the length field already
		// counting the MESSAGE-INTEGRITY attribute itself.
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+attrHeaderSize+integritySize))
		mac := integrityHMAC(buf, opts.IntegrityKey)
		buf = appendAttr(buf, AttrMessageIntegrity, mac)
	}

	if opts.Fingerprint {
		// Same rule for the CRC: length counts the FINGERPRINT attribute.
		binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize+attrHeaderSize+fingerprintSize))
		buf = appendAttr(buf, AttrFingerprint, fingerprintValue(buf))
	}

	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)-HeaderSize))
	return buf, nil
}

// Decode parses a datagram into a Message. The input is copied, so the
// caller's buffer may be reused.
//
// Structural failures return a nil message with ErrMalformedHeader or
// ErrTruncatedAttribute. If the message parses but carries a
// comprehension-required attribute this implementation does not know,
// Decode returns the parsed message together with an
// *UnknownAttributesError, so servers can still answer with error code 420.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}
	if data[0]&0xc0 != 0 {
		return nil, fmt.Errorf("%w: top bits of type field set", ErrMalformedHeader)
	}
	if binary.BigEndian.Uint32(data[4:8]) != magicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie", ErrMalformedHeader)
	}

	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length%4 != 0 {
		return nil, fmt.Errorf("%w: length %d not 4-byte aligned", ErrMalformedHeader, length)
	}
	if HeaderSize+length != len(data) {
		return nil, fmt.Errorf("%w: length field %d, datagram %d", ErrMalformedHeader, length, len(data)-HeaderSize)
	}

	class, method := unpackType(binary.BigEndian.Uint16(data[0:2]))

	m := &Message{
		Class:  class,
		Method: method,
		Raw:    make([]byte, len(data)),
	}
	copy(m.Raw, data)
	copy(m.TransactionID[:], data[8:20])

	// The alignment check above guarantees offset and end stay 4-aligned,
	// so a full attribute header is always available inside the loop.
	offset := HeaderSize
	end := HeaderSize + length
	for offset < end {
		attrType := AttrType(binary.BigEndian.Uint16(data[offset:]))
		valueLen := int(binary.BigEndian.Uint16(data[offset+2:]))
		offset += attrHeaderSize

		if offset+valueLen > end {
			return nil, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrTruncatedAttribute, attrType, valueLen, end-offset)
		}

		value := make([]byte, valueLen)
		copy(value, data[offset:offset+valueLen])
		m.Attributes = append(m.Attributes, Attribute{Type: attrType, Value: value})

		offset += paddedLen(valueLen)
	}

	if unknown := m.UnknownComprehensionRequired(); len(unknown) > 0 {
		return m, &UnknownAttributesError{Types: unknown}
	}

	return m, nil
}

// appendAttr appends one TLV with zero padding to a 4-byte boundary.
func appendAttr(buf []byte, t AttrType, value []byte) []byte {
	var hdr [attrHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, value...)
	for i := len(value); i%4 != 0; i++ {
		buf = append(buf, 0)
	}
	return buf
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}
