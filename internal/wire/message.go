package wire

import (
	"encoding/hex"
	"fmt"

	"github.com/zde37/kadnode/pkg/hash"
)

// TransactionIDLength is the size of a transaction ID in bytes.
const TransactionIDLength = 8

// HeaderLength is the fixed prefix of every message: sender ID, transaction ID and type.
const HeaderLength = hash.IDLength + TransactionIDLength + 1

// MaxFieldLength is the largest value a one-byte length prefix can carry.
const MaxFieldLength = 255

// TransactionID correlates a response with the request that caused it.
type TransactionID [TransactionIDLength]byte

// String returns the hex encoding of the transaction ID.
func (t TransactionID) String() string {
	return hex.EncodeToString(t[:])
}

// MessageType is the one-byte discriminant following the header.
type MessageType uint8

// Message types
const (
	TypePingRequest       MessageType = 0x1
	TypePingResponse      MessageType = 0x2
	TypeFindNodeRequest   MessageType = 0x3
	TypeFindNodeResponse  MessageType = 0x4
	TypeStoreRequest      MessageType = 0x5
	TypeStoreResponse     MessageType = 0x6
	TypeFindValueRequest  MessageType = 0x7
	TypeFindValueNodes    MessageType = 0x8
	TypeFindValueResponse MessageType = 0x9
)

var typeNames = map[MessageType]string{
	TypePingRequest:       "ping_request",
	TypePingResponse:      "ping_response",
	TypeFindNodeRequest:   "find_node_request",
	TypeFindNodeResponse:  "find_node_response",
	TypeStoreRequest:      "store_request",
	TypeStoreResponse:     "store_response",
	TypeFindValueRequest:  "find_value_request",
	TypeFindValueNodes:    "find_value_nodes",
	TypeFindValueResponse: "find_value_response",
}

// String returns a snake_case name suitable for log fields.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%x)", uint8(t))
}

// IsValid reports whether t is one of the nine assigned discriminants.
func (t MessageType) IsValid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsResponse reports whether t is a response discriminant.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypePingResponse, TypeFindNodeResponse, TypeStoreResponse,
		TypeFindValueNodes, TypeFindValueResponse:
		return true
	}
	return false
}

// Body is the type-specific payload of a message.
// It is implemented only by the nine message structs in this package.
type Body interface {
	Type() MessageType
	isBody()
}

// PingRequest asks the receiver to prove it is alive.
type PingRequest struct{}

// PingResponse answers a PingRequest.
type PingResponse struct{}

// FindNodeRequest asks for the receiver's closest contacts to Target.
type FindNodeRequest struct {
	Target hash.NodeID
}

// FindNodeResponse carries up to 255 contacts.
type FindNodeResponse struct {
	Contacts []Contact
}

// StoreRequest asks the receiver to store Value under Key.
type StoreRequest struct {
	Key   []byte
	Value []byte
}

// StoreResponse acknowledges a StoreRequest.
type StoreResponse struct{}

// FindValueRequest asks for the value stored under Key.
type FindValueRequest struct {
	Key []byte
}

// FindValueNodes is returned when the receiver does not hold the value.
type FindValueNodes struct {
	Contacts []Contact
}

// FindValueResponse carries the stored value.
type FindValueResponse struct {
	Value []byte
}

func (PingRequest) Type() MessageType       { return TypePingRequest }
func (PingResponse) Type() MessageType      { return TypePingResponse }
func (FindNodeRequest) Type() MessageType   { return TypeFindNodeRequest }
func (FindNodeResponse) Type() MessageType  { return TypeFindNodeResponse }
func (StoreRequest) Type() MessageType      { return TypeStoreRequest }
func (StoreResponse) Type() MessageType     { return TypeStoreResponse }
func (FindValueRequest) Type() MessageType  { return TypeFindValueRequest }
func (FindValueNodes) Type() MessageType    { return TypeFindValueNodes }
func (FindValueResponse) Type() MessageType { return TypeFindValueResponse }

func (PingRequest) isBody()       {}
func (PingResponse) isBody()      {}
func (FindNodeRequest) isBody()   {}
func (FindNodeResponse) isBody()  {}
func (StoreRequest) isBody()      {}
func (StoreResponse) isBody()     {}
func (FindValueRequest) isBody()  {}
func (FindValueNodes) isBody()    {}
func (FindValueResponse) isBody() {}

// Message is a decoded datagram: header plus typed body.
type Message struct {
	Sender hash.NodeID
	TxID   TransactionID
	Body   Body
}

// Type returns the discriminant of the message body.
func (m *Message) Type() MessageType {
	if m == nil || m.Body == nil {
		return 0
	}
	return m.Body.Type()
}

// String returns a compact description for logs.
func (m *Message) String() string {
	if m == nil {
		return "Message{nil}"
	}
	return fmt.Sprintf("Message{type: %s, sender: %s, txid: %s}",
		m.Type(), m.Sender.Short(), m.TxID)
}

// Validate checks the one-byte length preconditions of Encode.
// It returns an error wrapping ErrFieldTooLong for oversized fields.
func (m *Message) Validate() error {
	if m == nil || m.Body == nil {
		return fmt.Errorf("%w: message has no body", ErrInvalidMessage)
	}

	switch b := m.Body.(type) {
	case PingRequest, PingResponse, FindNodeRequest, StoreResponse:
		return nil
	case FindNodeResponse:
		return CheckLength("contact count", len(b.Contacts))
	case FindValueNodes:
		return CheckLength("contact count", len(b.Contacts))
	case StoreRequest:
		if err := CheckLength("key", len(b.Key)); err != nil {
			return err
		}
		return CheckLength("value", len(b.Value))
	case FindValueRequest:
		return CheckLength("key", len(b.Key))
	case FindValueResponse:
		return CheckLength("value", len(b.Value))
	default:
		return fmt.Errorf("%w: unsupported body %T", ErrInvalidMessage, m.Body)
	}
}

// CheckLength rejects lengths that do not fit a one-byte prefix.
func CheckLength(field string, n int) error {
	if n > MaxFieldLength {
		return fmt.Errorf("%w: %s is %d, limit %d", ErrFieldTooLong, field, n, MaxFieldLength)
	}
	return nil
}
