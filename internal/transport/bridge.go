// Package transport implements the socket fabric: the client-facing UDP and
// TCP/TLS listeners, the per-allocation relay socket opened toward peers,
// and the expiry sweeper, wired together with the same errgroup-driven
// listen/serve/graceful-shutdown shape used elsewhere in this relay.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/router"
	"github.com/kuuji/turngate/internal/session"
)

// ClientWriter delivers already-framed bytes (a Data indication or a
// ChannelData frame) back to one client, over whatever socket that client
// is actually connected on.
type ClientWriter interface {
	WriteToClient(data []byte) error
}

// Bridge is an observer.Observer decorator that manages the relay side of
// every allocation: it opens a dedicated UDP socket toward peers on
// Allocated, tears it down on Destroyed, and runs a read loop on each that
// forwards inbound peer datagrams to the allocation's registered
// ClientWriter via internal/ops.Handler.HandleInboundFromPeer. It is the
// piece of plumbing that turns the stateless ops handlers into a running
// relay.
type Bridge struct {
	Next       observer.Observer
	Store      *session.Store
	Handler    *ops.Handler
	Router     *router.Router
	ExternalIP net.IP
	Logger     *slog.Logger

	mu        sync.Mutex
	sockets   map[int]*net.UDPConn
	writers   map[session.Symbol]ClientWriter
	framed    map[session.Symbol]bool
	portBySym map[session.Symbol]int
}

// NewBridge creates a Bridge wrapping next, which continues to receive
// every Observer callback after the Bridge's own bookkeeping runs.
func NewBridge(next observer.Observer, store *session.Store, handler *ops.Handler, externalIP net.IP, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		Next:       next,
		Store:      store,
		Handler:    handler,
		Router:     router.New(store),
		ExternalIP: externalIP,
		Logger:     logger.With("component", "transport.bridge"),
		sockets:    make(map[int]*net.UDPConn),
		writers:    make(map[session.Symbol]ClientWriter),
		framed:     make(map[session.Symbol]bool),
		portBySym:  make(map[session.Symbol]int),
	}
}

// RegisterClient associates sym with the writer that can deliver bytes back
// to that client, and whether that client's transport needs padded
// ChannelData framing (true for TCP/TLS, false for UDP). Call this before
// the Allocate response is sent, so the relay read loop has somewhere to
// deliver to as soon as peer traffic arrives.
func (b *Bridge) RegisterClient(sym session.Symbol, w ClientWriter, framed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writers[sym] = w
	b.framed[sym] = framed
}

// UnregisterClient removes a client's writer. The listeners call it after a
// Refresh leaves sym with no allocation; a closing TCP/TLS connection is
// handled by Destroyed instead.
func (b *Bridge) UnregisterClient(sym session.Symbol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.writers, sym)
	delete(b.framed, sym)
}

func (b *Bridge) GetKey(ctx context.Context, username, realm string) ([]byte, creds.Algorithm, bool, error) {
	return b.Next.GetKey(ctx, username, realm)
}

func (b *Bridge) Allocated(ctx context.Context, sym session.Symbol, username string, relayedPort int) {
	b.Next.Allocated(ctx, sym, username, relayedPort)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: b.ExternalIP, Port: relayedPort})
	if err != nil {
		b.Logger.Error("failed to open relay socket", "symbol", sym.String(), "port", relayedPort, "error", err)
		return
	}

	b.mu.Lock()
	b.sockets[relayedPort] = conn
	b.portBySym[sym] = relayedPort
	b.mu.Unlock()

	go b.relayReadLoop(sym, relayedPort, conn)
}

func (b *Bridge) ChannelBound(ctx context.Context, sym session.Symbol, channel uint16, peer string) {
	b.Next.ChannelBound(ctx, sym, channel, peer)
}

func (b *Bridge) PermissionCreated(ctx context.Context, sym session.Symbol, peerIP string) {
	b.Next.PermissionCreated(ctx, sym, peerIP)
}

func (b *Bridge) Refreshed(ctx context.Context, sym session.Symbol, lifetime time.Duration) {
	b.Next.Refreshed(ctx, sym, lifetime)
}

func (b *Bridge) Destroyed(ctx context.Context, sym session.Symbol) {
	b.mu.Lock()
	port, ok := b.portBySym[sym]
	var conn *net.UDPConn
	if ok {
		conn = b.sockets[port]
		delete(b.sockets, port)
		delete(b.portBySym, sym)
	}
	delete(b.writers, sym)
	delete(b.framed, sym)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	b.Next.Destroyed(ctx, sym)
}

// WriteToPeer relays data to peer out of the allocation's relay socket on
// relayedPort. Used by the client-facing transport when a Send indication
// or ChannelData frame needs forwarding.
func (b *Bridge) WriteToPeer(relayedPort int, peer *net.UDPAddr, data []byte) error {
	b.mu.Lock()
	conn, ok := b.sockets[relayedPort]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no relay socket for port %d", relayedPort)
	}
	_, err := conn.WriteToUDP(data, peer)
	return err
}

func (b *Bridge) relayReadLoop(sym session.Symbol, port int, conn *net.UDPConn) {
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed on Destroyed
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		alloc, ok := b.Router.ResolveClientSymbol(sym)
		if !ok {
			return
		}

		b.mu.Lock()
		writer, hasWriter := b.writers[sym]
		framed := b.framed[sym]
		b.mu.Unlock()
		if !hasWriter {
			continue
		}

		out := b.Handler.HandleInboundFromPeer(alloc, from, payload, framed)
		if out == nil || out.ToClient == nil {
			continue
		}
		if err := writer.WriteToClient(out.ToClient); err != nil {
			b.Logger.Debug("write to client failed", "symbol", sym.String(), "error", err)
		}
	}
}

var _ observer.Observer = (*Bridge)(nil)
