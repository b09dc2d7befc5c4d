package hash

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
)

const (
	// IDLength is the size of an identifier in bytes.
	IDLength = 16

	// M is the size of the identifier space in bits (2^128)
	M = IDLength * 8
)

// NodeID is a 128-bit identifier used both for nodes and for key targets.
// Ordering is the unsigned big-endian interpretation of the bytes.
type NodeID [IDLength]byte

// Zero is the all-zero identifier.
var Zero NodeID

// RandomID returns a uniformly random identifier.
func RandomID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return Zero, fmt.Errorf("failed to read random id: %w", err)
	}
	return id, nil
}

// HashKey hashes arbitrary data to a 128-bit identifier using SHA-256.
// The hash is truncated to the first 16 bytes.
func HashKey(data []byte) NodeID {
	sum := sha256.Sum256(data)
	var id NodeID
	copy(id[:], sum[:IDLength])
	return id
}

// HashAddress hashes a network address (host:port) to a 128-bit identifier.
// This is used to derive stable node IDs when none is configured.
func HashAddress(host string, port int) NodeID {
	return HashKey([]byte(fmt.Sprintf("%s:%d", host, port)))
}

// KeyTarget reinterprets a stored key as a point in ID space.
// The key bytes fill the identifier from the most significant byte;
// shorter keys are zero-padded and longer keys are truncated.
func KeyTarget(key []byte) NodeID {
	var id NodeID
	copy(id[:], key)
	return id
}

// ParseID decodes a 32-character hex string into a NodeID.
func ParseID(s string) (NodeID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(raw) != IDLength {
		return Zero, fmt.Errorf("invalid node id length: got %d bytes, want %d", len(raw), IDLength)
	}
	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// String returns the lowercase hex encoding of the identifier.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, for log fields.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// Cmp compares two identifiers as unsigned integers.
func (id NodeID) Cmp(other NodeID) int {
	return bytes.Compare(id[:], other[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id NodeID) IsZero() bool {
	return id == Zero
}

// Distance returns the XOR distance between a and b.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
// Identical identifiers share all M bits.
func CommonPrefixLen(a, b NodeID) int {
	for i := 0; i < IDLength; i++ {
		if x := a[i] ^ b[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return M
}

// Closer reports whether a is strictly closer to target than b.
// Equal distances are broken by ascending NodeID, so the order is total.
func Closer(target, a, b NodeID) bool {
	if c := Distance(a, target).Cmp(Distance(b, target)); c != 0 {
		return c < 0
	}
	return a.Cmp(b) < 0
}
