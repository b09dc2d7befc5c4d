package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/zde37/kadnode/pkg/hash"
)

// IP address tags used in contact entries.
const (
	ipTagV4 byte = 0x4
	ipTagV6 byte = 0x6
)

// Encode serializes m into a new buffer.
//
// Every variable-length field must fit its one-byte prefix; callers are
// expected to run Validate first. Encode panics if that precondition is
// violated, since silently truncating would corrupt the datagram.
func Encode(m *Message) []byte {
	if err := m.Validate(); err != nil {
		panic(fmt.Sprintf("wire: encode precondition violated: %v", err))
	}

	buf := make([]byte, 0, HeaderLength+bodyLen(m.Body))
	buf = append(buf, m.Sender[:]...)
	buf = append(buf, m.TxID[:]...)
	buf = append(buf, byte(m.Body.Type()))

	switch b := m.Body.(type) {
	case PingRequest, PingResponse, StoreResponse:
	case FindNodeRequest:
		buf = append(buf, b.Target[:]...)
	case FindNodeResponse:
		buf = appendContacts(buf, b.Contacts)
	case FindValueNodes:
		buf = appendContacts(buf, b.Contacts)
	case StoreRequest:
		buf = appendField(buf, b.Key)
		buf = appendField(buf, b.Value)
	case FindValueRequest:
		buf = appendField(buf, b.Key)
	case FindValueResponse:
		buf = appendField(buf, b.Value)
	}

	return buf
}

func bodyLen(body Body) int {
	switch b := body.(type) {
	case FindNodeRequest:
		return hash.IDLength
	case FindNodeResponse:
		return contactsLen(b.Contacts)
	case FindValueNodes:
		return contactsLen(b.Contacts)
	case StoreRequest:
		return 2 + len(b.Key) + len(b.Value)
	case FindValueRequest:
		return 1 + len(b.Key)
	case FindValueResponse:
		return 1 + len(b.Value)
	}
	return 0
}

func contactsLen(contacts []Contact) int {
	n := 1
	for _, c := range contacts {
		n += c.encodedLen()
	}
	return n
}

func appendField(buf, field []byte) []byte {
	buf = append(buf, byte(len(field)))
	return append(buf, field...)
}

func appendContacts(buf []byte, contacts []Contact) []byte {
	buf = append(buf, byte(len(contacts)))
	for _, c := range contacts {
		buf = append(buf, c.ID[:]...)
		if c.Addr.Is4() {
			a := c.Addr.As4()
			buf = append(buf, ipTagV4)
			buf = append(buf, a[:]...)
		} else {
			a := c.Addr.As16()
			buf = append(buf, ipTagV6)
			buf = append(buf, a[:]...)
		}
		buf = binary.BigEndian.AppendUint16(buf, c.Port)
	}
	return buf
}

// Decode parses a datagram. All failures wrap ErrDecode.
// Variable-length fields are copied, so the result never aliases data.
// Bytes following a complete body are ignored. Empty keys, values and
// contact lists decode as nil, so an empty non-nil slice does not survive a
// round trip unchanged.
func Decode(data []byte) (*Message, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrDecode, len(data), HeaderLength)
	}

	r := &reader{buf: data}
	m := &Message{}
	copy(m.Sender[:], r.next(hash.IDLength))
	copy(m.TxID[:], r.next(TransactionIDLength))
	typ := MessageType(r.next(1)[0])

	var err error
	switch typ {
	case TypePingRequest:
		m.Body = PingRequest{}
	case TypePingResponse:
		m.Body = PingResponse{}
	case TypeStoreResponse:
		m.Body = StoreResponse{}
	case TypeFindNodeRequest:
		var target hash.NodeID
		if err = r.fixed(target[:], "target"); err == nil {
			m.Body = FindNodeRequest{Target: target}
		}
	case TypeFindNodeResponse:
		var contacts []Contact
		if contacts, err = r.contacts(); err == nil {
			m.Body = FindNodeResponse{Contacts: contacts}
		}
	case TypeFindValueNodes:
		var contacts []Contact
		if contacts, err = r.contacts(); err == nil {
			m.Body = FindValueNodes{Contacts: contacts}
		}
	case TypeStoreRequest:
		var key, value []byte
		if key, err = r.field("key"); err == nil {
			if value, err = r.field("value"); err == nil {
				m.Body = StoreRequest{Key: key, Value: value}
			}
		}
	case TypeFindValueRequest:
		var key []byte
		if key, err = r.field("key"); err == nil {
			m.Body = FindValueRequest{Key: key}
		}
	case TypeFindValueResponse:
		var value []byte
		if value, err = r.field("value"); err == nil {
			m.Body = FindValueResponse{Value: value}
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%x", ErrDecode, uint8(typ))
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

// reader is a bounds-checked cursor over a datagram.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// next returns the following n bytes; callers check remaining first.
func (r *reader) next(n int) []byte {
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) fixed(dst []byte, what string) error {
	if r.remaining() < len(dst) {
		return fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrDecode, what, len(dst), r.remaining())
	}
	copy(dst, r.next(len(dst)))
	return nil
}

func (r *reader) u8(what string) (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: missing %s", ErrDecode, what)
	}
	return r.next(1)[0], nil
}

// field reads a one-byte length prefix followed by that many bytes.
// A zero-length field decodes as nil.
func (r *reader) field(what string) ([]byte, error) {
	n, err := r.u8(what + " length")
	if err != nil {
		return nil, err
	}
	if int(n) > r.remaining() {
		return nil, fmt.Errorf("%w: %s declares %d bytes, %d remain", ErrDecode, what, n, r.remaining())
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, r.next(int(n)))
	return out, nil
}

// contacts reads a node count and that many contact entries.
// The count is checked against the smallest possible entry size before
// anything is allocated.
func (r *reader) contacts() ([]Contact, error) {
	count, err := r.u8("node count")
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	minEntry := hash.IDLength + 1 + 4 + 2
	if int(count)*minEntry > r.remaining() {
		return nil, fmt.Errorf("%w: node count %d exceeds remaining %d bytes", ErrDecode, count, r.remaining())
	}

	contacts := make([]Contact, 0, count)
	for i := 0; i < int(count); i++ {
		var c Contact
		if err := r.fixed(c.ID[:], "contact id"); err != nil {
			return nil, err
		}

		tag, err := r.u8("ip tag")
		if err != nil {
			return nil, err
		}

		switch tag {
		case ipTagV4:
			var a [4]byte
			if err := r.fixed(a[:], "ipv4 address"); err != nil {
				return nil, err
			}
			c.Addr = netip.AddrFrom4(a)
		case ipTagV6:
			var a [16]byte
			if err := r.fixed(a[:], "ipv6 address"); err != nil {
				return nil, err
			}
			c.Addr = netip.AddrFrom16(a)
		default:
			return nil, fmt.Errorf("%w: unknown ip tag 0x%x", ErrDecode, tag)
		}

		var port [2]byte
		if err := r.fixed(port[:], "port"); err != nil {
			return nil, err
		}
		c.Port = binary.BigEndian.Uint16(port[:])

		contacts = append(contacts, c)
	}

	return contacts, nil
}
