package kademlia

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// Pinger probes a contact for liveness. A nil error means it answered.
type Pinger interface {
	Ping(ctx context.Context, c wire.Contact) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context, c wire.Contact) error

// Ping calls f(ctx, c).
func (f PingerFunc) Ping(ctx context.Context, c wire.Contact) error {
	return f(ctx, c)
}

// UpdateResult reports what Update did with a contact.
type UpdateResult int

const (
	// Added means the contact was inserted into a bucket with room.
	Added UpdateResult = iota
	// Refreshed means a known contact was moved to most-recently-seen.
	Refreshed
	// Probing means an existing contact is being pinged: the LRU of a full
	// bucket, or a known ID seen from a new address. The newcomer replaces
	// it only if the ping fails.
	Probing
	// Dropped means the bucket was full and no new probe was started.
	Dropped
	// Ignored means the contact was the local node or had no usable address.
	Ignored
)

func (r UpdateResult) String() string {
	switch r {
	case Added:
		return "added"
	case Refreshed:
		return "refreshed"
	case Probing:
		return "probing"
	case Dropped:
		return "dropped"
	case Ignored:
		return "ignored"
	}
	return fmt.Sprintf("UpdateResult(%d)", int(r))
}

// BucketInfo is a point-in-time copy of one bucket.
type BucketInfo struct {
	Index       int
	Contacts    []wire.Contact
	LastUpdated time.Time
}

// RoutingTable stores contacts in k-buckets indexed by the length of the
// prefix they share with the local ID.
//
// The table starts with a single bucket. Only the last bucket, which covers
// the local ID's own range, splits when it fills; the others stay at K and
// fall back to probing their least-recently-seen contact.
type RoutingTable struct {
	self   hash.NodeID
	k      int
	pinger Pinger
	logger *pkg.Logger

	broadcaster EventBroadcaster

	mu      sync.RWMutex
	buckets []*kBucket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRoutingTable creates an empty routing table for self.
// A nil pinger makes full buckets keep their existing contacts.
func NewRoutingTable(self hash.NodeID, k int, pinger Pinger, logger *pkg.Logger) *RoutingTable {
	if logger == nil {
		logger = pkg.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RoutingTable{
		self:    self,
		k:       k,
		pinger:  pinger,
		logger:  logger.WithFields(pkg.Fields{"component": "routing"}),
		buckets: []*kBucket{newBucket()},
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetBroadcaster registers a receiver for routing events.
func (rt *RoutingTable) SetBroadcaster(b EventBroadcaster) {
	rt.mu.Lock()
	rt.broadcaster = b
	rt.mu.Unlock()
}

// Self returns the local node ID.
func (rt *RoutingTable) Self() hash.NodeID {
	return rt.self
}

// K returns the bucket capacity.
func (rt *RoutingTable) K() int {
	return rt.k
}

// bucketIndex must be called with mu held.
func (rt *RoutingTable) bucketIndex(id hash.NodeID) int {
	cpl := hash.CommonPrefixLen(rt.self, id)
	if last := len(rt.buckets) - 1; cpl > last {
		return last
	}
	return cpl
}

// Update records that c was seen. A known ID keeps its stored address
// unless that address fails a liveness probe.
func (rt *RoutingTable) Update(c wire.Contact) UpdateResult {
	if c.ID == rt.self || !c.IsValid() {
		return Ignored
	}

	rt.mu.Lock()
	idx := rt.bucketIndex(c.ID)
	b := rt.buckets[idx]

	if i := b.indexOf(c.ID); i >= 0 {
		known := b.contacts[i]
		if known.AddrPort() == c.AddrPort() {
			b.touch(i)
			rt.mu.Unlock()
			return Refreshed
		}
		// A new address for a known ID only replaces the stored one after
		// the stored address stops answering.
		return rt.startProbe(b, known, c)
	}

	for len(b.contacts) >= rt.k && rt.canSplit(idx) {
		rt.split()
		idx = rt.bucketIndex(c.ID)
		b = rt.buckets[idx]
	}

	if len(b.contacts) < rt.k {
		b.push(c)
		broadcaster := rt.broadcaster
		rt.mu.Unlock()

		rt.logger.Debug().
			Str("contact", c.String()).
			Int("bucket", idx).
			Msg("Contact added")
		rt.emit(broadcaster, EventContactAdded, c, idx)
		return Added
	}

	return rt.startProbe(b, b.contacts[0], c)
}

// startProbe pings old in the background on behalf of candidate. It must be
// called with mu held and releases it.
func (rt *RoutingTable) startProbe(b *kBucket, old, candidate wire.Contact) UpdateResult {
	if b.probing || rt.pinger == nil || rt.ctx.Err() != nil {
		rt.mu.Unlock()
		return Dropped
	}

	b.probing = true
	rt.wg.Add(1)
	rt.mu.Unlock()

	go rt.probe(old, candidate)
	return Probing
}

// canSplit must be called with mu held.
func (rt *RoutingTable) canSplit(idx int) bool {
	return idx == len(rt.buckets)-1 && len(rt.buckets) < hash.M
}

// split divides the last bucket in two, preserving recency order.
// It must be called with mu held.
func (rt *RoutingTable) split() {
	depth := len(rt.buckets) - 1
	last := rt.buckets[depth]
	next := newBucket()

	keep := make([]wire.Contact, 0, rt.k)
	for _, c := range last.contacts {
		if hash.CommonPrefixLen(rt.self, c.ID) > depth {
			next.contacts = append(next.contacts, c)
		} else {
			keep = append(keep, c)
		}
	}
	last.contacts = keep
	rt.buckets = append(rt.buckets, next)

	rt.logger.Debug().Int("buckets", len(rt.buckets)).Msg("Split last bucket")
}

// probe pings lru outside the lock and settles the bucket: a silent lru is
// evicted in favour of candidate, a live one is refreshed. candidate may
// carry the same ID as lru with a different address.
func (rt *RoutingTable) probe(lru, candidate wire.Contact) {
	defer rt.wg.Done()

	err := rt.pinger.Ping(rt.ctx, lru)

	rt.mu.Lock()
	idx := rt.bucketIndex(lru.ID)
	b := rt.buckets[idx]
	b.probing = false

	if rt.ctx.Err() != nil {
		rt.mu.Unlock()
		return
	}

	if err == nil {
		if i := b.indexOf(lru.ID); i >= 0 {
			b.touch(i)
		}
		rt.mu.Unlock()

		rt.logger.Debug().
			Str("lru", lru.String()).
			Str("dropped", candidate.String()).
			Msg("LRU contact answered probe, newcomer dropped")
		return
	}

	evicted := false
	if i := b.indexOf(lru.ID); i >= 0 {
		b.removeAt(i)
		evicted = true
	}
	added := false
	if b.indexOf(candidate.ID) < 0 && len(b.contacts) < rt.k {
		b.push(candidate)
		added = true
	}
	broadcaster := rt.broadcaster
	rt.mu.Unlock()

	rt.logger.Debug().
		Err(err).
		Str("lru", lru.String()).
		Str("candidate", candidate.String()).
		Bool("evicted", evicted).
		Msg("LRU contact failed probe")

	if evicted {
		rt.emit(broadcaster, EventContactEvicted, lru, idx)
	}
	if added {
		rt.emit(broadcaster, EventContactAdded, candidate, idx)
	}
}

func (rt *RoutingTable) emit(b EventBroadcaster, typ string, c wire.Contact, bucket int) {
	if b == nil {
		return
	}
	event := RoutingEvent{
		Type:      typ,
		NodeID:    c.ID.String(),
		Address:   c.Address(),
		Bucket:    bucket,
		Timestamp: time.Now().Unix(),
	}
	if err := b.BroadcastEvent(event); err != nil {
		rt.logger.Warn().Err(err).Str("event", typ).Msg("Failed to broadcast routing event")
	}
}

// Closest returns up to count contacts sorted by ascending XOR distance to
// target, ties broken by ascending ID.
func (rt *RoutingTable) Closest(target hash.NodeID, count int) []wire.Contact {
	if count <= 0 {
		return nil
	}

	rt.mu.RLock()
	all := make([]wire.Contact, 0, rt.lenLocked())
	for _, b := range rt.buckets {
		all = append(all, b.contacts...)
	}
	rt.mu.RUnlock()

	sortByDistance(target, all)
	if len(all) > count {
		all = all[:count]
	}
	return all
}

func sortByDistance(target hash.NodeID, contacts []wire.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return hash.Closer(target, contacts[i].ID, contacts[j].ID)
	})
}

// Remove deletes the contact with the given ID. It reports whether one was present.
func (rt *RoutingTable) Remove(id hash.NodeID) bool {
	rt.mu.Lock()
	idx := rt.bucketIndex(id)
	b := rt.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		rt.mu.Unlock()
		return false
	}
	c := b.removeAt(i)
	broadcaster := rt.broadcaster
	rt.mu.Unlock()

	rt.emit(broadcaster, EventContactRemoved, c, idx)
	return true
}

// Contains reports whether id is in the table.
func (rt *RoutingTable) Contains(id hash.NodeID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.buckets[rt.bucketIndex(id)].indexOf(id) >= 0
}

// Len returns the number of contacts in the table.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.lenLocked()
}

func (rt *RoutingTable) lenLocked() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.contacts)
	}
	return n
}

// Contacts returns every contact, bucket by bucket.
func (rt *RoutingTable) Contacts() []wire.Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]wire.Contact, 0, rt.lenLocked())
	for _, b := range rt.buckets {
		out = append(out, b.contacts...)
	}
	return out
}

// Buckets returns a snapshot of every bucket.
func (rt *RoutingTable) Buckets() []BucketInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]BucketInfo, len(rt.buckets))
	for i, b := range rt.buckets {
		out[i] = BucketInfo{
			Index:       i,
			Contacts:    b.snapshot(),
			LastUpdated: b.lastUpdated,
		}
	}
	return out
}

// Close cancels in-flight probes and waits for them to finish.
func (rt *RoutingTable) Close() {
	rt.mu.Lock()
	rt.cancel()
	rt.mu.Unlock()
	rt.wg.Wait()
}
