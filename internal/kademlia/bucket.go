package kademlia

import (
	"time"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg/hash"
)

// kBucket holds up to K contacts ordered least-recently-seen first.
type kBucket struct {
	contacts    []wire.Contact
	lastUpdated time.Time

	// probing is set while one of its contacts is being pinged
	probing bool
}

func newBucket() *kBucket {
	return &kBucket{lastUpdated: time.Now()}
}

func (b *kBucket) indexOf(id hash.NodeID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// touch moves the contact at i to the tail unchanged.
func (b *kBucket) touch(i int) {
	c := b.contacts[i]
	copy(b.contacts[i:], b.contacts[i+1:])
	b.contacts[len(b.contacts)-1] = c
	b.lastUpdated = time.Now()
}

func (b *kBucket) push(c wire.Contact) {
	b.contacts = append(b.contacts, c)
	b.lastUpdated = time.Now()
}

func (b *kBucket) removeAt(i int) wire.Contact {
	c := b.contacts[i]
	b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	return c
}

func (b *kBucket) snapshot() []wire.Contact {
	out := make([]wire.Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}
