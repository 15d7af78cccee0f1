package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// integritySize is the length of a MESSAGE-INTEGRITY value (HMAC-SHA1).
	integritySize = sha1.Size

	// fingerprintSize is the length of a FINGERPRINT value (CRC-32).
	fingerprintSize = 4

	// fingerprintXOR is the constant the CRC is XORed with ("STUN").
	fingerprintXOR uint32 = 0x5354554e
)

var (
	// ErrIntegrityCheck is returned when a MESSAGE-INTEGRITY value does
	// not match the message contents.
	ErrIntegrityCheck = errors.New("message integrity check failed")

	// ErrFingerprintCheck is returned when a FINGERPRINT value does not
	// match the message contents.
	ErrFingerprintCheck = errors.New("fingerprint check failed")
)

// SigningOptions selects the authentication attributes Encode appends. The
// zero value appends none.
type SigningOptions struct {
	// IntegrityKey, when non-nil, appends MESSAGE-INTEGRITY computed with
	// HMAC-SHA1 over the message. For short-term credentials this is the
	// raw password; for long-term credentials use LongTermKey.
	IntegrityKey []byte

	// Fingerprint appends a FINGERPRINT attribute after everything else.
	Fingerprint bool
}

// LongTermKey derives the RFC 5389 §15.4 long-term credential key:
// MD5(username ":" realm ":" password).
func LongTermKey(username, realm, password string) []byte {
	h := md5.New()
	fmt.Fprintf(h, "%s:%s:%s", username, realm, password)
	return h.Sum(nil)
}

// integrityHMAC computes the MESSAGE-INTEGRITY value over buf. The caller
// must have patched the header length field per RFC 5389 §15.4 first.
func integrityHMAC(buf, key []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(buf)
	return mac.Sum(nil)
}

// fingerprintValue computes the FINGERPRINT value over buf. The caller
// must have patched the header length field per RFC 5389 §15.5 first.
func fingerprintValue(buf []byte) []byte {
	v := make([]byte, fingerprintSize)
	binary.BigEndian.PutUint32(v, crc32.ChecksumIEEE(buf)^fingerprintXOR)
	return v
}

// VerifyIntegrity checks the MESSAGE-INTEGRITY attribute of an encoded
// message against the key. It returns ErrAttributeNotFound if the message
// carries no MESSAGE-INTEGRITY attribute and ErrIntegrityCheck on mismatch.
// Attributes after MESSAGE-INTEGRITY (such as FINGERPRINT) are excluded
// from the covered range per RFC 5389.
func VerifyIntegrity(raw, key []byte) error {
	off, value, err := findAttr(raw, AttrMessageIntegrity)
	if err != nil {
		return err
	}
	if len(value) != integritySize {
		return fmt.Errorf("%w: value length %d", ErrIntegrityCheck, len(value))
	}

	// Rebuild the prefix with the length field pointing just past the
	// MESSAGE-INTEGRITY attribute, as the sender computed it.
	covered := make([]byte, off)
	copy(covered, raw[:off])
	binary.BigEndian.PutUint16(covered[2:4], uint16(off+attrHeaderSize+integritySize-HeaderSize))

	expected := integrityHMAC(covered, key)
	if subtle.ConstantTimeCompare(expected, value) != 1 {
		return ErrIntegrityCheck
	}
	return nil
}

// VerifyFingerprint checks the FINGERPRINT attribute of an encoded message.
// It returns ErrAttributeNotFound if absent and ErrFingerprintCheck on
// mismatch.
func VerifyFingerprint(raw []byte) error {
	off, value, err := findAttr(raw, AttrFingerprint)
	if err != nil {
		return err
	}
	if len(value) != fingerprintSize {
		return fmt.Errorf("%w: value length %d", ErrFingerprintCheck, len(value))
	}

	// FINGERPRINT is the final attribute, so the header length already
	// counts it and the covered range needs no patching.
	got := binary.BigEndian.Uint32(value)
	want := crc32.ChecksumIEEE(raw[:off]) ^ fingerprintXOR
	if got != want {
		return fmt.Errorf("%w: got 0x%08x, want 0x%08x", ErrFingerprintCheck, got, want)
	}
	return nil
}

// findAttr walks the raw TLVs and returns the byte offset of the first
// attribute of the given type along with its value.
func findAttr(raw []byte, t AttrType) (int, []byte, error) {
	if len(raw) < HeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(raw))
	}
	offset := HeaderSize
	for offset+attrHeaderSize <= len(raw) {
		attrType := AttrType(binary.BigEndian.Uint16(raw[offset:]))
		valueLen := int(binary.BigEndian.Uint16(raw[offset+2:]))
		valueStart := offset + attrHeaderSize
		if valueStart+valueLen > len(raw) {
			return 0, nil, fmt.Errorf("%w: %s", ErrTruncatedAttribute, attrType)
		}
		if attrType == t {
			return offset, raw[valueStart : valueStart+valueLen], nil
		}
		offset = valueStart + paddedLen(valueLen)
	}
	return 0, nil, fmt.Errorf("%w: %s", ErrAttributeNotFound, t)
}
