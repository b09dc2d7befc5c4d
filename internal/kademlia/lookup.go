package kademlia

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// LookupMode selects what an iterative lookup is looking for.
type LookupMode int

const (
	// ModeFindNode converges on the K closest contacts to a target.
	ModeFindNode LookupMode = iota
	// ModeFindValue stops as soon as any contact returns the value.
	ModeFindValue
)

func (m LookupMode) String() string {
	if m == ModeFindValue {
		return "find_value"
	}
	return "find_node"
}

// Querier issues the two RPCs a lookup needs.
type Querier interface {
	FindNode(ctx context.Context, c wire.Contact, target hash.NodeID) ([]wire.Contact, error)
	FindValue(ctx context.Context, c wire.Contact, key []byte) (*ValueReply, error)
}

// LookupRequest describes one iterative search. Target is ignored in
// ModeFindValue, where it is derived from Key.
type LookupRequest struct {
	Mode   LookupMode
	Target hash.NodeID
	Key    []byte
}

// LookupResult is the outcome of a lookup.
type LookupResult struct {
	ID       string         // Correlation ID used in logs
	Contacts []wire.Contact // K closest non-failed contacts, nearest first
	Value    []byte         // Value, when Found
	Found    bool

	// CacheCandidate is the closest queried contact that answered without
	// the value. Storing the value there is left to the caller.
	CacheCandidate *wire.Contact

	Rounds  int // Rounds executed
	Queried int // Contacts queried
}

// LookupEngine runs iterative FindNode and FindValue searches.
type LookupEngine struct {
	self    hash.NodeID
	k       int
	alpha   int
	routing *RoutingTable
	querier Querier
	logger  *pkg.Logger
}

// NewLookupEngine creates an engine seeded from routing.
func NewLookupEngine(routing *RoutingTable, querier Querier, alpha int, logger *pkg.Logger) *LookupEngine {
	if logger == nil {
		logger = pkg.NewNop()
	}
	if alpha < 1 {
		alpha = 1
	}
	return &LookupEngine{
		self:    routing.Self(),
		k:       routing.K(),
		alpha:   alpha,
		routing: routing,
		querier: querier,
		logger:  logger.WithFields(pkg.Fields{"component": "lookup"}),
	}
}

// candidate is a shortlist entry.
type candidate struct {
	contact wire.Contact
	queried bool
	failed  bool
	// hadNoValue marks a FindValue responder that returned contacts instead
	hadNoValue bool
}

// reply is what one queried contact produced in a round.
type reply struct {
	from     *candidate
	err      error
	contacts []wire.Contact
	value    *ValueReply
}

// FindNode returns the K closest contacts to target.
func (e *LookupEngine) FindNode(ctx context.Context, target hash.NodeID) (*LookupResult, error) {
	return e.Lookup(ctx, LookupRequest{Mode: ModeFindNode, Target: target})
}

// FindValue searches the network for key.
func (e *LookupEngine) FindValue(ctx context.Context, key []byte) (*LookupResult, error) {
	return e.Lookup(ctx, LookupRequest{Mode: ModeFindValue, Key: key})
}

// Lookup runs the iterative search described by req.
//
// Each round queries up to alpha of the nearest unqueried contacts at once.
// The search ends when a round learns of nobody closer than the closest
// contact known before it, or when the K nearest contacts have all been
// queried. In ModeFindValue it ends as soon as a value arrives, and fails
// with ErrNotFound otherwise.
func (e *LookupEngine) Lookup(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	target := req.Target
	if req.Mode == ModeFindValue {
		if err := wire.CheckLength("key", len(req.Key)); err != nil {
			return nil, err
		}
		target = hash.KeyTarget(req.Key)
	}

	result := &LookupResult{ID: uuid.NewString()}
	logger := e.logger.WithFields(pkg.Fields{
		"lookup_id": result.ID,
		"mode":      req.Mode.String(),
		"target":    target.Short(),
	})
	started := time.Now()

	seeds := e.routing.Closest(target, e.alpha*3)
	if len(seeds) == 0 {
		return result, ErrNoContacts
	}

	shortlist := make([]*candidate, 0, len(seeds))
	seen := make(map[hash.NodeID]bool, len(seeds))
	for _, c := range seeds {
		shortlist = append(shortlist, &candidate{contact: c})
		seen[c.ID] = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch := e.nextBatch(shortlist)
		if len(batch) == 0 {
			break
		}
		result.Rounds++
		result.Queried += len(batch)

		closestBefore := closestLiveID(shortlist)
		replies := e.queryRound(ctx, req, target, batch)

		for _, r := range replies {
			if r.value != nil && r.value.Found {
				result.Found = true
				result.Value = r.value.Value
				result.CacheCandidate = cacheCandidate(shortlist, r.from)
				result.Contacts = e.closestLive(shortlist)

				logger.Debug().
					Int("rounds", result.Rounds).
					Int("queried", result.Queried).
					Dur("elapsed", time.Since(started)).
					Str("from", r.from.contact.String()).
					Msg("Lookup found value")
				return result, nil
			}
		}

		improved := false
		for _, r := range replies {
			if r.err != nil {
				r.from.failed = true
				logger.Debug().Err(r.err).Str("contact", r.from.contact.String()).Msg("Lookup query failed")
				continue
			}
			for _, c := range r.contacts {
				if c.ID == e.self || seen[c.ID] || !c.IsValid() {
					continue
				}
				seen[c.ID] = true
				shortlist = append(shortlist, &candidate{contact: c})
				if hash.Closer(target, c.ID, closestBefore) {
					improved = true
				}
			}
		}
		sortCandidates(target, shortlist)

		if !improved || e.closestQueried(shortlist) {
			break
		}
	}

	result.Contacts = e.closestLive(shortlist)

	logger.Debug().
		Int("rounds", result.Rounds).
		Int("queried", result.Queried).
		Int("contacts", len(result.Contacts)).
		Dur("elapsed", time.Since(started)).
		Msg("Lookup finished")

	if req.Mode == ModeFindValue {
		return result, fmt.Errorf("%w: key not found after %d rounds", ErrNotFound, result.Rounds)
	}
	return result, nil
}

// nextBatch marks and returns up to alpha of the nearest unqueried contacts.
func (e *LookupEngine) nextBatch(shortlist []*candidate) []*candidate {
	batch := make([]*candidate, 0, e.alpha)
	for _, c := range shortlist {
		if len(batch) == e.alpha {
			break
		}
		if !c.queried {
			c.queried = true
			batch = append(batch, c)
		}
	}
	return batch
}

// queryRound queries batch concurrently. In ModeFindValue the first value
// cancels the remaining queries.
func (e *LookupEngine) queryRound(ctx context.Context, req LookupRequest, target hash.NodeID, batch []*candidate) []reply {
	var (
		mu      sync.Mutex
		replies = make([]reply, 0, len(batch))
	)
	errFound := errors.New("value found")

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range batch {
		g.Go(func() error {
			r := reply{from: c}
			if req.Mode == ModeFindValue {
				r.value, r.err = e.querier.FindValue(gctx, c.contact, req.Key)
				if r.err == nil {
					r.contacts = r.value.Contacts
					c.hadNoValue = !r.value.Found
				}
			} else {
				r.contacts, r.err = e.querier.FindNode(gctx, c.contact, target)
			}

			mu.Lock()
			replies = append(replies, r)
			mu.Unlock()

			if r.value != nil && r.value.Found {
				return errFound
			}
			return nil
		})
	}
	_ = g.Wait()

	return replies
}

// closestQueried reports whether the K nearest live contacts have all been queried.
func (e *LookupEngine) closestQueried(shortlist []*candidate) bool {
	n := 0
	for _, c := range shortlist {
		if c.failed {
			continue
		}
		if !c.queried {
			return false
		}
		n++
		if n == e.k {
			break
		}
	}
	return true
}

func (e *LookupEngine) closestLive(shortlist []*candidate) []wire.Contact {
	out := make([]wire.Contact, 0, e.k)
	for _, c := range shortlist {
		if c.failed {
			continue
		}
		out = append(out, c.contact)
		if len(out) == e.k {
			break
		}
	}
	return out
}

func cacheCandidate(shortlist []*candidate, holder *candidate) *wire.Contact {
	for _, c := range shortlist {
		if c != holder && c.hadNoValue && !c.failed {
			contact := c.contact
			return &contact
		}
	}
	return nil
}

func closestLiveID(shortlist []*candidate) hash.NodeID {
	for _, c := range shortlist {
		if !c.failed {
			return c.contact.ID
		}
	}
	return shortlist[0].contact.ID
}

func sortCandidates(target hash.NodeID, shortlist []*candidate) {
	sort.Slice(shortlist, func(i, j int) bool {
		return hash.Closer(target, shortlist[i].contact.ID, shortlist[j].contact.ID)
	})
}
