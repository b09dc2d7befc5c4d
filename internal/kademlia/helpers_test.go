package kademlia

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/kadnode/internal/config"
	"github.com/zde37/kadnode/internal/wire"
	"github.com/zde37/kadnode/pkg"
	"github.com/zde37/kadnode/pkg/hash"
)

// idWith returns an ID whose first byte is prefix and last byte is tag.
func idWith(prefix, tag byte) hash.NodeID {
	var id hash.NodeID
	id[0] = prefix
	id[hash.IDLength-1] = tag
	return id
}

func contactFor(id hash.NodeID, port uint16) wire.Contact {
	return wire.Contact{ID: id, Addr: netip.MustParseAddr("10.0.0.1"), Port: port}
}

func testContact(prefix, tag byte) wire.Contact {
	return contactFor(idWith(prefix, tag), 4000+uint16(prefix)*256/8+uint16(tag))
}

// memNetwork delivers datagrams between in-process nodes. Delivery is
// asynchronous and payloads are copied, like a real socket.
type memNetwork struct {
	mu       sync.RWMutex
	handlers map[netip.AddrPort]func(from netip.AddrPort, data []byte)
	down     map[netip.AddrPort]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		handlers: make(map[netip.AddrPort]func(netip.AddrPort, []byte)),
		down:     make(map[netip.AddrPort]bool),
	}
}

func (n *memNetwork) attach(addr netip.AddrPort, handler func(netip.AddrPort, []byte)) {
	n.mu.Lock()
	n.handlers[addr] = handler
	n.mu.Unlock()
}

func (n *memNetwork) setDown(addr netip.AddrPort, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

func (n *memNetwork) endpoint(addr netip.AddrPort) *memEndpoint {
	return &memEndpoint{net: n, addr: addr}
}

type memEndpoint struct {
	net  *memNetwork
	addr netip.AddrPort
}

func (e *memEndpoint) Send(to netip.AddrPort, payload []byte) error {
	e.net.mu.RLock()
	handler, ok := e.net.handlers[to]
	lost := e.net.down[to] || e.net.down[e.addr]
	e.net.mu.RUnlock()

	if !ok || lost {
		return nil
	}
	data := append([]byte(nil), payload...)
	go handler(e.addr, data)
	return nil
}

// senderFunc adapts a function to Sender.
type senderFunc func(to netip.AddrPort, payload []byte) error

func (f senderFunc) Send(to netip.AddrPort, payload []byte) error {
	return f(to, payload)
}

// captureSender records every datagram it is asked to send.
type captureSender struct {
	mu   sync.Mutex
	sent []sentDatagram
	err  error
}

type sentDatagram struct {
	to  netip.AddrPort
	msg *wire.Message
}

func (s *captureSender) Send(to netip.AddrPort, payload []byte) error {
	if s.err != nil {
		return s.err
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentDatagram{to: to, msg: msg})
	s.mu.Unlock()
	return nil
}

func (s *captureSender) last(t *testing.T) sentDatagram {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "nothing was sent")
	return s.sent[len(s.sent)-1]
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// recordingBroadcaster keeps every routing event it receives.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []RoutingEvent
}

func (b *recordingBroadcaster) BroadcastEvent(event RoutingEvent) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
	return nil
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

var errUnreachable = errors.New("unreachable")

// testNodeConfig returns a fast-timing configuration for in-memory nodes.
func testNodeConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.RPCTimeout = 300 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	return cfg
}

// startNode creates, attaches and starts a node on network.
func startNode(t *testing.T, network *memNetwork, cfg *config.Config) *Node {
	t.Helper()

	addr := netip.AddrPortFrom(netip.MustParseAddr(cfg.Host), uint16(cfg.Port))
	node, err := NewNode(cfg, pkg.NewNop(), network.endpoint(addr))
	require.NoError(t, err)
	network.attach(addr, node.HandleDatagram)
	require.NoError(t, node.Start())
	t.Cleanup(func() { _ = node.Shutdown() })
	return node
}

func selfContact(n *Node) wire.Contact {
	cfg := n.Config()
	return wire.Contact{ID: n.ID(), Addr: netip.MustParseAddr(cfg.Host), Port: uint16(cfg.Port)}
}
