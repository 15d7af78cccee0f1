// Package stun implements the RFC 5389 message model: an immutable value
// representation of STUN requests, responses, and indications, plus the
// binary codec and the attribute helpers the transaction engine needs.
// Attribute values outside the helpers are carried as opaque byte strings.
package stun

import (
	"fmt"
	"slices"
)

// Class is the STUN message class carried in the two class bits of the
// message type field.
type Class uint8

const (
	// ClassRequest expects a success or error response.
	ClassRequest Class = 0x00

	// ClassIndication is fire-and-forget; no response is generated.
	ClassIndication Class = 0x01

	// ClassSuccessResponse answers a request positively.
	ClassSuccessResponse Class = 0x02

	// ClassErrorResponse answers a request with an ERROR-CODE attribute.
	ClassErrorResponse Class = 0x03
)

// String returns the RFC name of the class.
func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassSuccessResponse:
		return "success response"
	case ClassErrorResponse:
		return "error response"
	default:
		return fmt.Sprintf("unknown class 0x%02x", uint8(c))
	}
}

// Method is the 12-bit STUN method carried in the message type field.
type Method uint16

const (
	// MethodBinding is the only method defined by RFC 5389 itself.
	MethodBinding Method = 0x001

	// MethodSharedSecret is the deprecated RFC 3489 method, kept so the
	// decoder can name it in logs.
	MethodSharedSecret Method = 0x002
)

// String returns the RFC name of the method.
func (m Method) String() string {
	switch m {
	case MethodBinding:
		return "binding"
	case MethodSharedSecret:
		return "shared secret"
	default:
		return fmt.Sprintf("method 0x%03x", uint16(m))
	}
}

// Message is a decoded or under-construction STUN message. A Message
// returned by Decode must be treated as read-only; builders mutate a
// Message only before it is first encoded or handed to the stack.
type Message struct {
	Class         Class
	Method        Method
	TransactionID TransactionID

	// Attributes in wire order. Duplicate types are allowed and preserved.
	Attributes []Attribute

	// Raw is the datagram the message was decoded from. Empty for
	// messages built locally and not yet encoded.
	Raw []byte
}

// NewRequest creates a request with a fresh random transaction ID.
func NewRequest(method Method) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Class: ClassRequest, Method: method, TransactionID: id}, nil
}

// NewIndication creates an indication with a fresh random transaction ID.
func NewIndication(method Method) (*Message, error) {
	id, err := NewTransactionID()
	if err != nil {
		return nil, err
	}
	return &Message{Class: ClassIndication, Method: method, TransactionID: id}, nil
}

// NewBindingRequest creates a Binding request with a fresh transaction ID.
func NewBindingRequest() (*Message, error) {
	return NewRequest(MethodBinding)
}

// NewSuccessResponse creates a success response answering req, copying its
// method and transaction ID.
func NewSuccessResponse(req *Message) *Message {
	return &Message{
		Class:         ClassSuccessResponse,
		Method:        req.Method,
		TransactionID: req.TransactionID,
	}
}

// NewErrorResponse creates an error response answering req with the given
// error code and reason phrase.
func NewErrorResponse(req *Message, code int, reason string) (*Message, error) {
	m := &Message{
		Class:         ClassErrorResponse,
		Method:        req.Method,
		TransactionID: req.TransactionID,
	}
	if err := AppendErrorCode(m, code, reason); err != nil {
		return nil, err
	}
	return m, nil
}

// IsRequest returns true for request-class messages.
func (m *Message) IsRequest() bool { return m.Class == ClassRequest }

// IsIndication returns true for indication-class messages.
func (m *Message) IsIndication() bool { return m.Class == ClassIndication }

// IsResponse returns true for success and error responses.
func (m *Message) IsResponse() bool {
	return m.Class == ClassSuccessResponse || m.Class == ClassErrorResponse
}

// IsSuccessResponse returns true for success responses.
func (m *Message) IsSuccessResponse() bool { return m.Class == ClassSuccessResponse }

// IsErrorResponse returns true for error responses.
func (m *Message) IsErrorResponse() bool { return m.Class == ClassErrorResponse }

// AppendAttribute appends an attribute, preserving insertion order. The
// value is copied so callers may reuse their buffer.
func (m *Message) AppendAttribute(t AttrType, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	m.Attributes = append(m.Attributes, Attribute{Type: t, Value: v})
}

// Attribute returns the value of the first attribute of the given type.
func (m *Message) Attribute(t AttrType) ([]byte, bool) {
	for _, a := range m.Attributes {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

// HasAttribute returns true if at least one attribute of the type exists.
func (m *Message) HasAttribute(t AttrType) bool {
	_, ok := m.Attribute(t)
	return ok
}

// UnknownComprehensionRequired lists the comprehension-required attribute
// types in the message that this implementation does not know. A non-empty
// result on a request calls for a 420 error response.
func (m *Message) UnknownComprehensionRequired() []AttrType {
	var unknown []AttrType
	for _, a := range m.Attributes {
		if a.Type.ComprehensionRequired() && !knownAttrTypes[a.Type] {
			if !slices.Contains(unknown, a.Type) {
				unknown = append(unknown, a.Type)
			}
		}
	}
	return unknown
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		Class:         m.Class,
		Method:        m.Method,
		TransactionID: m.TransactionID,
	}
	if m.Attributes != nil {
		c.Attributes = make([]Attribute, len(m.Attributes))
		for i, a := range m.Attributes {
			v := make([]byte, len(a.Value))
			copy(v, a.Value)
			c.Attributes[i] = Attribute{Type: a.Type, Value: v}
		}
	}
	if m.Raw != nil {
		c.Raw = make([]byte, len(m.Raw))
		copy(c.Raw, m.Raw)
	}
	return c
}

// Equal reports whether two messages carry the same class, method,
// transaction ID, and attribute list (order-sensitive). Raw bytes are not
// compared, so a decoded message equals its re-encoded twin.
func (m *Message) Equal(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.Class != other.Class || m.Method != other.Method || m.TransactionID != other.TransactionID {
		return false
	}
	if len(m.Attributes) != len(other.Attributes) {
		return false
	}
	for i := range m.Attributes {
		if !m.Attributes[i].Equal(other.Attributes[i]) {
			return false
		}
	}
	return true
}

// String returns a debug representation of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message{%s %s, tid=%s, attrs=%d}",
		m.Method, m.Class, m.TransactionID.ShortString(), len(m.Attributes))
}
