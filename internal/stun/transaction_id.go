package stun

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// TransactionIDSize is the size of a transaction ID in bytes (96 bits).
	TransactionIDSize = 12
)

var (
	// ErrInvalidTransactionID is returned when raw bytes or a hex string
	// cannot represent a transaction ID.
	ErrInvalidTransactionID = errors.New("invalid transaction ID")

	// ZeroTransactionID is the all-zero transaction ID. It never appears
	// on the wire for engine-generated requests.
	ZeroTransactionID = TransactionID{}
)

// TransactionID is the 96-bit correlation key between a request, its
// retransmissions, and the matching response. Client-originated requests
// get a fresh random ID; responses copy the ID of the request verbatim.
type TransactionID [TransactionIDSize]byte

// NewTransactionID generates a new random TransactionID using crypto/rand.
func NewTransactionID() (TransactionID, error) {
	var id TransactionID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return ZeroTransactionID, fmt.Errorf("failed to generate transaction ID: %w", err)
	}
	return id, nil
}

// ParseTransactionID parses a TransactionID from a hex string.
func ParseTransactionID(s string) (TransactionID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if len(s) != TransactionIDSize*2 {
		return ZeroTransactionID, fmt.Errorf("%w: got %d hex chars, expected %d", ErrInvalidTransactionID, len(s), TransactionIDSize*2)
	}

	bytes, err := hex.DecodeString(s)
	if err != nil {
		return ZeroTransactionID, fmt.Errorf("%w: %v", ErrInvalidTransactionID, err)
	}

	var id TransactionID
	copy(id[:], bytes)
	return id, nil
}

// TransactionIDFromBytes creates a TransactionID from a byte slice.
func TransactionIDFromBytes(b []byte) (TransactionID, error) {
	if len(b) != TransactionIDSize {
		return ZeroTransactionID, fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidTransactionID, len(b), TransactionIDSize)
	}
	var id TransactionID
	copy(id[:], b)
	return id, nil
}

// String returns the full hex representation of the TransactionID.
func (id TransactionID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation (first 8 chars).
func (id TransactionID) ShortString() string {
	return hex.EncodeToString(id[:4])
}

// Bytes returns the TransactionID as a byte slice.
func (id TransactionID) Bytes() []byte {
	return id[:]
}

// IsZero returns true if the TransactionID is all zeros.
func (id TransactionID) IsZero() bool {
	return id == ZeroTransactionID
}

// Equal returns true if two TransactionIDs are identical.
func (id TransactionID) Equal(other TransactionID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler.
func (id TransactionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *TransactionID) UnmarshalText(text []byte) error {
	parsed, err := ParseTransactionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
