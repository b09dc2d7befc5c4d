package kademlia

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// ValueReply is the outcome of a FindValue RPC: either the value, or the
// responder's closest contacts to the key.
type ValueReply struct {
	Found    bool
	Value    []byte
	Contacts []wire.Contact
}

// Dispatcher routes decoded datagrams to handlers and issues typed RPCs.
type Dispatcher struct {
	self    hash.NodeID
	k       int
	routing *RoutingTable
	calls   *TransactionTable
	store   *ValueStore
	sender  Sender
	logger  *pkg.Logger
}

// NewDispatcher wires the components that serve and issue RPCs.
func NewDispatcher(routing *RoutingTable, calls *TransactionTable, store *ValueStore, sender Sender, logger *pkg.Logger) *Dispatcher {
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &Dispatcher{
		self:    routing.Self(),
		k:       routing.K(),
		routing: routing,
		calls:   calls,
		store:   store,
		sender:  sender,
		logger:  logger.WithFields(pkg.Fields{"component": "dispatcher"}),
	}
}

// HandleInboundDatagram processes one datagram received from addr.
// Malformed datagrams are dropped without a reply.
func (d *Dispatcher) HandleInboundDatagram(from netip.AddrPort, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		d.logger.Debug().
			Err(err).
			Str("from", from.String()).
			Int("size", len(data)).
			Msg("Dropping malformed datagram")
		return
	}

	d.routing.Update(wire.NewContact(msg.Sender, from))

	if msg.Type().IsResponse() {
		d.calls.OnResponse(msg)
		return
	}

	switch body := msg.Body.(type) {
	case wire.PingRequest:
		d.reply(from, msg, wire.PingResponse{})

	case wire.FindNodeRequest:
		d.reply(from, msg, wire.FindNodeResponse{
			Contacts: d.closestFor(body.Target, msg.Sender),
		})

	case wire.StoreRequest:
		if err := d.store.Put(context.Background(), body.Key, body.Value); err != nil {
			d.logger.Warn().Err(err).Str("from", from.String()).Msg("Failed to store value")
			return
		}
		d.reply(from, msg, wire.StoreResponse{})

	case wire.FindValueRequest:
		value, err := d.store.Get(context.Background(), body.Key)
		switch {
		case err == nil:
			d.reply(from, msg, wire.FindValueResponse{Value: value})
		case errors.Is(err, ErrNotFound):
			d.reply(from, msg, wire.FindValueNodes{
				Contacts: d.closestFor(hash.KeyTarget(body.Key), msg.Sender),
			})
		default:
			d.logger.Warn().Err(err).Str("from", from.String()).Msg("Failed to load value")
		}
	}
}

// closestFor returns the K closest contacts to target, leaving out the
// requester itself.
func (d *Dispatcher) closestFor(target, requester hash.NodeID) []wire.Contact {
	contacts := d.routing.Closest(target, d.k+1)
	out := contacts[:0]
	for _, c := range contacts {
		if c.ID != requester {
			out = append(out, c)
		}
	}
	if len(out) > d.k {
		out = out[:d.k]
	}
	return out
}

func (d *Dispatcher) reply(to netip.AddrPort, req *wire.Message, body wire.Body) {
	resp := &wire.Message{Sender: d.self, TxID: req.TxID, Body: body}
	if err := d.sender.Send(to, wire.Encode(resp)); err != nil {
		d.logger.Debug().
			Err(err).
			Str("to", to.String()).
			Str("type", body.Type().String()).
			Msg("Failed to send reply")
	}
}

// IssueCall sends body to target and waits for the matching response.
func (d *Dispatcher) IssueCall(ctx context.Context, target wire.Contact, body wire.Body) (*wire.Message, error) {
	call, err := d.calls.Issue(target, body)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}

// Ping checks that c is alive.
func (d *Dispatcher) Ping(ctx context.Context, c wire.Contact) error {
	resp, err := d.IssueCall(ctx, c, wire.PingRequest{})
	if err != nil {
		return err
	}
	if _, ok := resp.Body.(wire.PingResponse); !ok {
		return unexpected(wire.TypePingRequest, resp)
	}
	return nil
}

// FindNode asks c for its closest contacts to target.
func (d *Dispatcher) FindNode(ctx context.Context, c wire.Contact, target hash.NodeID) ([]wire.Contact, error) {
	resp, err := d.IssueCall(ctx, c, wire.FindNodeRequest{Target: target})
	if err != nil {
		return nil, err
	}
	body, ok := resp.Body.(wire.FindNodeResponse)
	if !ok {
		return nil, unexpected(wire.TypeFindNodeRequest, resp)
	}
	return body.Contacts, nil
}

// FindValue asks c for the value under key.
func (d *Dispatcher) FindValue(ctx context.Context, c wire.Contact, key []byte) (*ValueReply, error) {
	resp, err := d.IssueCall(ctx, c, wire.FindValueRequest{Key: key})
	if err != nil {
		return nil, err
	}
	switch body := resp.Body.(type) {
	case wire.FindValueResponse:
		return &ValueReply{Found: true, Value: body.Value}, nil
	case wire.FindValueNodes:
		return &ValueReply{Contacts: body.Contacts}, nil
	}
	return nil, unexpected(wire.TypeFindValueRequest, resp)
}

// Store asks c to keep value under key.
func (d *Dispatcher) Store(ctx context.Context, c wire.Contact, key, value []byte) error {
	resp, err := d.IssueCall(ctx, c, wire.StoreRequest{Key: key, Value: value})
	if err != nil {
		return err
	}
	if _, ok := resp.Body.(wire.StoreResponse); !ok {
		return unexpected(wire.TypeStoreRequest, resp)
	}
	return nil
}

func unexpected(req wire.MessageType, resp *wire.Message) error {
	return fmt.Errorf("%w: %s answered with %s", ErrUnexpectedResponse, req, resp.Type())
}
