package kademlia

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/kadnode/internal/config"
	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

const (
	// bootstrapRetries is how many extra pings a silent seed gets
	bootstrapRetries = 2

	// bootstrapInitialInterval is the first backoff delay between seed pings
	bootstrapInitialInterval = 200 * time.Millisecond
)

// Node owns the routing table, transaction table, value store, dispatcher
// and lookup engine of one DHT participant.
type Node struct {
	id     hash.NodeID
	config *config.Config
	logger *pkg.Logger

	routing    *RoutingTable
	calls      *TransactionTable
	store      *ValueStore
	dispatcher *Dispatcher
	lookup     *LookupEngine

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	shutdown   bool
	shutdownMu sync.RWMutex
}

// NodeStats is a snapshot of a node's state for the admin API.
type NodeStats struct {
	Contacts     int       `json:"contacts"`
	Buckets      int       `json:"buckets"`
	PendingCalls int       `json:"pending_calls"`
	Values       int       `json:"values"`
	Storage      pkg.Stats `json:"storage"`
}

// NewNode creates a node that sends datagrams through sender. Inbound
// datagrams must be fed to HandleDatagram.
func NewNode(cfg *config.Config, logger *pkg.Logger, sender Sender) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id, err := cfg.ID()
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:     id,
		config: cfg,
		logger: logger.WithFields(pkg.Fields{"node_id": id.Short()}),
		ctx:    ctx,
		cancel: cancel,
	}

	n.routing = NewRoutingTable(id, cfg.K, PingerFunc(n.probe), n.logger)
	n.calls = NewTransactionTable(id, sender, cfg.RPCTimeout, n.logger)
	n.store = NewValueStore(cfg.ValueTTL)
	n.dispatcher = NewDispatcher(n.routing, n.calls, n.store, sender, n.logger)
	n.lookup = NewLookupEngine(n.routing, n.dispatcher, cfg.Alpha, n.logger)

	n.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("node_id", id.String()).
		Int("k", cfg.K).
		Int("alpha", cfg.Alpha).
		Msg("Node created")

	return n, nil
}

// probe is the routing table's liveness check.
func (n *Node) probe(ctx context.Context, c wire.Contact) error {
	return n.dispatcher.Ping(ctx, c)
}

// ID returns the node's identifier.
func (n *Node) ID() hash.NodeID {
	return n.id
}

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// RoutingTable exposes the routing table for inspection.
func (n *Node) RoutingTable() *RoutingTable {
	return n.routing
}

// Store exposes the local value store.
func (n *Node) Store() *ValueStore {
	return n.store
}

// SetBroadcaster forwards routing events to b.
func (n *Node) SetBroadcaster(b EventBroadcaster) {
	n.routing.SetBroadcaster(b)
}

// Start launches the transaction sweep loop. Calling it again is a no-op.
func (n *Node) Start() error {
	if n.IsShutdown() {
		return ErrClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return nil
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.calls.Run(n.ctx, n.config.SweepInterval)
	}()

	n.logger.Info().Dur("sweep_interval", n.config.SweepInterval).Msg("Node started")
	return nil
}

// HandleDatagram feeds one inbound datagram to the dispatcher.
func (n *Node) HandleDatagram(from netip.AddrPort, data []byte) {
	if n.IsShutdown() {
		return
	}
	n.dispatcher.HandleInboundDatagram(from, data)
}

// Ping checks whether c is alive.
func (n *Node) Ping(ctx context.Context, c wire.Contact) error {
	return n.dispatcher.Ping(ctx, c)
}

// Bootstrap pings each seed, retrying silent ones with exponential backoff,
// then looks up the node's own ID to populate the routing table.
func (n *Node) Bootstrap(ctx context.Context, seeds []wire.Contact) error {
	if len(seeds) == 0 {
		return ErrNoContacts
	}

	reached := 0
	for _, seed := range seeds {
		if seed.ID == n.id {
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = bootstrapInitialInterval
		policy := backoff.WithContext(backoff.WithMaxRetries(b, bootstrapRetries), ctx)

		err := backoff.RetryNotify(func() error {
			return n.dispatcher.Ping(ctx, seed)
		}, policy, func(err error, wait time.Duration) {
			n.logger.Debug().
				Err(err).
				Str("seed", seed.String()).
				Dur("retry_in", wait).
				Msg("Bootstrap ping failed, retrying")
		})
		if err != nil {
			n.logger.Warn().Err(err).Str("seed", seed.String()).Msg("Bootstrap node unreachable")
			continue
		}

		n.routing.Update(seed)
		reached++
	}

	if reached == 0 {
		return fmt.Errorf("%w: none of %d bootstrap nodes answered", ErrNoContacts, len(seeds))
	}

	result, err := n.lookup.FindNode(ctx, n.id)
	if err != nil {
		return fmt.Errorf("self lookup failed: %w", err)
	}

	n.logger.Info().
		Int("seeds_reached", reached).
		Int("contacts", n.routing.Len()).
		Int("rounds", result.Rounds).
		Msg("Bootstrap complete")
	return nil
}

// FindNode runs an iterative lookup for target.
func (n *Node) FindNode(ctx context.Context, target hash.NodeID) (*LookupResult, error) {
	return n.lookup.FindNode(ctx, target)
}

// FindValue runs an iterative value lookup without consulting the local store.
func (n *Node) FindValue(ctx context.Context, key []byte) (*LookupResult, error) {
	return n.lookup.FindValue(ctx, key)
}

// Put stores value locally and on the K closest nodes to key. It returns
// how many remote nodes acknowledged the store.
func (n *Node) Put(ctx context.Context, key, value []byte) (int, error) {
	if err := n.store.Put(ctx, key, value); err != nil {
		return 0, err
	}

	result, err := n.lookup.FindNode(ctx, hash.KeyTarget(key))
	if errors.Is(err, ErrNoContacts) {
		n.logger.Debug().Int("key_size", len(key)).Msg("No contacts, value stored locally only")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find closest nodes: %w", err)
	}

	var (
		stored  atomic.Int32
		mu      sync.Mutex
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.config.Alpha)
	for _, c := range result.Contacts {
		g.Go(func() error {
			if err := n.dispatcher.Store(gctx, c, key, value); err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				n.logger.Debug().Err(err).Str("contact", c.String()).Msg("Store RPC failed")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	replicas := int(stored.Load())
	if replicas == 0 && len(result.Contacts) > 0 {
		return 0, fmt.Errorf("failed to replicate to any of %d contacts: %w", len(result.Contacts), lastErr)
	}

	n.logger.Debug().
		Int("key_size", len(key)).
		Int("value_size", len(value)).
		Int("replicas", replicas).
		Msg("Value stored")
	return replicas, nil
}

// Get returns the value under key from the local store or the network.
// With CacheOnFind set, a value found remotely is also stored at the lookup's
// cache-forward candidate.
func (n *Node) Get(ctx context.Context, key []byte) ([]byte, error) {
	value, err := n.store.Get(ctx, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	result, err := n.lookup.FindValue(ctx, key)
	if errors.Is(err, ErrNoContacts) {
		return nil, fmt.Errorf("%w: no contacts to ask", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if n.config.CacheOnFind && result.CacheCandidate != nil {
		n.cacheForward(*result.CacheCandidate, key, result.Value)
	}
	return result.Value, nil
}

// cacheForward stores a found value at c in the background.
func (n *Node) cacheForward(c wire.Contact, key, value []byte) {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	if n.shutdown {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
		defer cancel()

		if err := n.dispatcher.Store(ctx, c, key, value); err != nil {
			n.logger.Debug().Err(err).Str("contact", c.String()).Msg("Cache-forward store failed")
			return
		}
		n.logger.Debug().Str("contact", c.String()).Msg("Cached value at closer node")
	}()
}

// Stats returns a snapshot of the node's state.
func (n *Node) Stats() NodeStats {
	return NodeStats{
		Contacts:     n.routing.Len(),
		Buckets:      len(n.routing.Buckets()),
		PendingCalls: n.calls.Pending(),
		Values:       n.store.Len(),
		Storage:      n.store.Stats(),
	}
}

// Shutdown gracefully shuts down the node.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	n.cancel()
	n.calls.Close()
	n.routing.Close()
	n.wg.Wait()

	if err := n.store.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close value store")
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shutdown.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}
