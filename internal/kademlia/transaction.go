package kademlia

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// Sender delivers one encoded datagram. It must not block on the network
// beyond a single write.
type Sender interface {
	Send(to netip.AddrPort, payload []byte) error
}

// Call is an outgoing request awaiting its response.
type Call struct {
	TxID     wire.TransactionID
	Target   wire.Contact
	Request  wire.Body
	IssuedAt time.Time

	done     chan struct{}
	response *wire.Message
	err      error
}

// Done is closed once the call has a response or an error.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (c *Call) Result() (*wire.Message, error) {
	return c.response, c.err
}

// Wait blocks until the call completes or ctx ends. Giving up on the wait
// leaves the call pending in its table until it is matched or swept.
func (c *Call) Wait(ctx context.Context) (*wire.Message, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete is called exactly once, by whoever removed the call from the table.
func (c *Call) complete(resp *wire.Message, err error) {
	c.response = resp
	c.err = err
	close(c.done)
}

// TransactionTable correlates outgoing requests with their responses.
type TransactionTable struct {
	self    hash.NodeID
	sender  Sender
	timeout time.Duration
	logger  *pkg.Logger

	mu      sync.Mutex
	pending map[wire.TransactionID]*Call
	closed  bool
}

// NewTransactionTable creates a table that signs requests with self and
// times calls out after timeout.
func NewTransactionTable(self hash.NodeID, sender Sender, timeout time.Duration, logger *pkg.Logger) *TransactionTable {
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &TransactionTable{
		self:    self,
		sender:  sender,
		timeout: timeout,
		logger:  logger.WithFields(pkg.Fields{"component": "transactions"}),
		pending: make(map[wire.TransactionID]*Call),
	}
}

// Issue registers a call to target and sends the request. The pending entry
// exists before the datagram leaves, so even an immediate response matches.
func (t *TransactionTable) Issue(target wire.Contact, body wire.Body) (*Call, error) {
	msg := &wire.Message{Sender: t.self, Body: body}
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	call := &Call{
		Target:   target,
		Request:  body,
		IssuedAt: time.Now(),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	for {
		if _, err := rand.Read(call.TxID[:]); err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("failed to generate transaction id: %w", err)
		}
		if _, taken := t.pending[call.TxID]; !taken {
			break
		}
	}
	t.pending[call.TxID] = call
	t.mu.Unlock()

	msg.TxID = call.TxID
	if err := t.sender.Send(target.AddrPort(), wire.Encode(msg)); err != nil {
		t.mu.Lock()
		if t.pending[call.TxID] == call {
			delete(t.pending, call.TxID)
		}
		t.mu.Unlock()
		return nil, fmt.Errorf("failed to send %s to %s: %w", body.Type(), target.Address(), err)
	}

	return call, nil
}

// OnResponse completes the pending call matching msg. It reports false and
// leaves the table untouched when the transaction ID is unknown or the
// sender is not the node the request went to.
func (t *TransactionTable) OnResponse(msg *wire.Message) bool {
	t.mu.Lock()
	call, ok := t.pending[msg.TxID]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug().
			Str("txid", msg.TxID.String()).
			Str("type", msg.Type().String()).
			Msg("Discarding response for unknown transaction")
		return false
	}
	if msg.Sender != call.Target.ID {
		t.mu.Unlock()
		t.logger.Debug().
			Str("txid", msg.TxID.String()).
			Str("expected", call.Target.ID.Short()).
			Str("sender", msg.Sender.Short()).
			Msg("Discarding response from unexpected sender")
		return false
	}
	delete(t.pending, msg.TxID)
	t.mu.Unlock()

	call.complete(msg, nil)
	return true
}

// Sweep fails every call issued at least timeout before now with ErrTimeout
// and returns how many it expired.
func (t *TransactionTable) Sweep(now time.Time) int {
	var expired []*Call

	t.mu.Lock()
	for id, call := range t.pending {
		if now.Sub(call.IssuedAt) >= t.timeout {
			delete(t.pending, id)
			expired = append(expired, call)
		}
	}
	t.mu.Unlock()

	for _, call := range expired {
		call.complete(nil, fmt.Errorf("%w: %s to %s after %s",
			ErrTimeout, call.Request.Type(), call.Target.Address(), t.timeout))
	}
	if len(expired) > 0 {
		t.logger.Debug().Int("expired", len(expired)).Msg("Swept timed out calls")
	}
	return len(expired)
}

// Run sweeps on every tick of interval until ctx is done.
func (t *TransactionTable) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug().Msg("Sweep loop stopped")
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Pending returns the number of calls awaiting a response.
func (t *TransactionTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending call with ErrClosed and rejects new ones.
func (t *TransactionTable) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	pending := t.pending
	t.pending = make(map[wire.TransactionID]*Call)
	t.mu.Unlock()

	for _, call := range pending {
		call.complete(nil, ErrClosed)
	}
}
