package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/ratelimit"

	"github.com/zde37/kadnode/pkg"
)

const (
	// maxDatagramSize is the largest UDP payload we will read.
	maxDatagramSize = 64 * 1024

	// queuePerWorker sizes the inbound queue relative to the worker pool
	queuePerWorker = 64
)

// ErrClosed is returned by Send and Serve once the transport is closed.
var ErrClosed = errors.New("transport closed")

// Handler processes one inbound datagram. data is owned by the handler.
type Handler func(from netip.AddrPort, data []byte)

// Config holds UDP transport settings.
type Config struct {
	Host      string // Address to bind
	Port      int    // 0 picks an ephemeral port
	Workers   int    // Size of the dispatch worker pool
	RateLimit int    // Inbound datagrams per second, 0 = unlimited
}

// Stats holds transport counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Sent       uint64 `json:"sent"`
	SendErrors uint64 `json:"send_errors"`
}

// UDPTransport reads datagrams on a single socket and hands them to a pool
// of workers. It is also the node's Sender.
type UDPTransport struct {
	conn    *net.UDPConn
	local   netip.AddrPort
	workers int
	limiter ratelimit.Limiter
	logger  *pkg.Logger

	queue   chan inbound
	wg      sync.WaitGroup
	serving atomic.Bool
	closed  atomic.Bool

	received   atomic.Uint64
	dropped    atomic.Uint64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
}

type inbound struct {
	from netip.AddrPort
	data []byte
}

// Listen binds a UDP socket according to cfg.
func Listen(cfg Config, logger *pkg.Logger) (*UDPTransport, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())

	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit, ratelimit.WithoutSlack)
	}

	t := &UDPTransport{
		conn:    conn,
		local:   local,
		workers: cfg.Workers,
		limiter: limiter,
		logger:  logger.WithFields(pkg.Fields{"component": "udp_transport"}),
		queue:   make(chan inbound, cfg.Workers*queuePerWorker),
	}

	t.logger.Info().
		Str("address", local.String()).
		Int("workers", cfg.Workers).
		Int("rate_limit", cfg.RateLimit).
		Msg("UDP transport listening")

	return t, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// Send writes one datagram to the given address.
func (t *UDPTransport) Send(to netip.AddrPort, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if _, err := t.conn.WriteToUDPAddrPort(payload, to); err != nil {
		t.sendErrors.Add(1)
		return fmt.Errorf("failed to write to %s: %w", to, err)
	}
	t.sent.Add(1)
	return nil
}

// Serve starts the read loop and the worker pool. It returns immediately.
func (t *UDPTransport) Serve(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("transport is already serving")
	}

	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for d := range t.queue {
				handler(d.from, d.data)
			}
		}()
	}

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// readLoop is the only sender on queue and closes it on exit.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.queue)

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn().Err(err).Msg("UDP read failed")
			continue
		}
		t.received.Add(1)

		t.limiter.Take()

		d := inbound{
			from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			data: append([]byte(nil), buf[:n]...),
		}
		select {
		case t.queue <- d:
		default:
			t.dropped.Add(1)
			t.logger.Debug().
				Str("from", d.from.String()).
				Int("size", n).
				Msg("Inbound queue full, dropping datagram")
		}
	}
}

// Stats returns a snapshot of the transport counters.
func (t *UDPTransport) Stats() Stats {
	return Stats{
		Received:   t.received.Load(),
		Dropped:    t.dropped.Load(),
		Sent:       t.sent.Load(),
		SendErrors: t.sendErrors.Load(),
	}
}

// Close stops the read loop, drains the workers and releases the socket.
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.logger.Info().Msg("Stopping UDP transport")

	err := t.conn.Close()
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close socket: %w", err)
	}
	return nil
}
