package wire

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/zde37/kadnode/pkg/hash"
)

// Contact identifies a peer by its node ID and UDP address.
// Contacts are plain values; copying one never aliases another.
type Contact struct {
	ID   hash.NodeID // Node identifier
	Addr netip.Addr  // IPv4 or IPv6 address
	Port uint16      // UDP port
}

// NewContact creates a Contact from an ID and a socket address.
// IPv4-mapped IPv6 addresses are unmapped so they encode with the 0x4 tag.
func NewContact(id hash.NodeID, addr netip.AddrPort) Contact {
	return Contact{
		ID:   id,
		Addr: addr.Addr().Unmap(),
		Port: addr.Port(),
	}
}

// ParseContact parses "<hex-id>@host:port".
// The host must be a literal IPv4 or IPv6 address.
func ParseContact(s string) (Contact, error) {
	idPart, addrPart, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Contact{}, fmt.Errorf("invalid contact %q: expected <id>@<host>:<port>", s)
	}

	id, err := hash.ParseID(idPart)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid contact %q: %w", s, err)
	}

	ap, err := netip.ParseAddrPort(addrPart)
	if err != nil {
		return Contact{}, fmt.Errorf("invalid contact %q: %w", s, err)
	}

	return NewContact(id, ap), nil
}

// AddrPort returns the contact's socket address.
func (c Contact) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(c.Addr, c.Port)
}

// Address returns the network address in "host:port" format.
func (c Contact) Address() string {
	return netip.AddrPortFrom(c.Addr, c.Port).String()
}

// String returns a human-readable representation of the contact.
// Format: "<hex-id>@<host>:<port>", the same form ParseContact accepts.
func (c Contact) String() string {
	return c.ID.String() + "@" + c.Address()
}

// IsValid reports whether the contact carries a usable address.
func (c Contact) IsValid() bool {
	return c.Addr.IsValid() && c.Port != 0
}

// encodedLen returns the number of bytes the contact occupies on the wire.
func (c Contact) encodedLen() int {
	if c.Addr.Is4() {
		return hash.IDLength + 1 + 4 + 2
	}
	return hash.IDLength + 1 + 16 + 2
}
