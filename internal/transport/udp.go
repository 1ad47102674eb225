package transport

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/router"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// readTimeout bounds each ReadFromUDP call so Serve can observe ctx
// cancellation promptly instead of blocking forever on an idle socket.
const readTimeout = time.Second

// UDPListener is the client-facing UDP socket: every STUN request,
// indication, and ChannelData frame from a UDP TURN client arrives here.
type UDPListener struct {
	Conn    *net.UDPConn
	Handler *ops.Handler
	Store   *session.Store
	Bridge  *Bridge
	Router  *router.Router
	Logger  *slog.Logger
}

// NewUDPListener binds a UDP socket at addr for client traffic.
func NewUDPListener(addr *net.UDPAddr, handler *ops.Handler, store *session.Store, bridge *Bridge, logger *slog.Logger) (*UDPListener, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPListener{Conn: conn, Handler: handler, Store: store, Bridge: bridge, Router: router.New(store), Logger: logger.With("component", "transport.udp")}, nil
}

// Serve runs the read loop until ctx is canceled or the socket errors.
func (l *UDPListener) Serve(ctx context.Context) error {
	buf := make([]byte, 65536)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = l.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := l.Conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		l.handleDatagram(ctx, data, from)
	}
}

func (l *UDPListener) symbolFor(from *net.UDPAddr) session.Symbol {
	return session.Symbol{
		ClientAddr: from.String(),
		ServerAddr: l.Conn.LocalAddr().String(),
		Transport:  "udp",
	}
}

func (l *UDPListener) handleDatagram(ctx context.Context, data []byte, from *net.UDPAddr) {
	switch {
	case stun.IsChannelData(data):
		cd, err := stun.DecodeChannelData(data)
		if err != nil {
			return
		}
		sym := l.symbolFor(from)
		alloc, ok := l.Router.ResolveClientSymbol(sym)
		if !ok {
			return
		}
		out := l.Handler.HandleChannelData(alloc, cd)
		l.sendToPeer(alloc.RelayedPort, out)

	case stun.IsSTUN(data):
		msg, err := stun.Decode(data)
		if err != nil {
			return
		}
		l.dispatch(ctx, msg, from)

	default:
		// Neither STUN nor ChannelData — not a protocol this relay speaks.
	}
}

func (l *UDPListener) sendToPeer(relayedPort int, out *ops.Outbound) {
	if out == nil || out.ToPeer == nil {
		return
	}
	if err := l.Bridge.WriteToPeer(relayedPort, out.PeerAddr, out.ToPeer); err != nil {
		l.Logger.Debug("relay write failed", "port", relayedPort, "error", err)
	}
}

func (l *UDPListener) dispatch(ctx context.Context, msg *stun.Message, from *net.UDPAddr) {
	sym := l.symbolFor(from)

	switch {
	case msg.Method == stun.MethodBinding && msg.Class == stun.ClassRequest:
		serverAddr, _ := l.Conn.LocalAddr().(*net.UDPAddr)
		l.reply(l.Handler.HandleBinding(msg, from, serverAddr), from)

	case msg.Method == stun.MethodAllocate && msg.Class == stun.ClassRequest:
		resp := l.Handler.HandleAllocate(ctx, msg, sym, from)
		if alloc, ok := l.Router.ResolveClientSymbol(sym); ok {
			l.Bridge.RegisterClient(sym, udpClientWriter{conn: l.Conn, addr: from}, false)
			_ = alloc
		}
		l.reply(resp, from)

	case msg.Method == stun.MethodRefresh && msg.Class == stun.ClassRequest:
		resp := l.Handler.HandleRefresh(ctx, msg, sym)
		if _, ok := l.Router.ResolveClientSymbol(sym); !ok {
			l.Bridge.UnregisterClient(sym)
		}
		l.reply(resp, from)

	case msg.Method == stun.MethodCreatePermission && msg.Class == stun.ClassRequest:
		l.reply(l.Handler.HandleCreatePermission(ctx, msg, sym), from)

	case msg.Method == stun.MethodChannelBind && msg.Class == stun.ClassRequest:
		l.reply(l.Handler.HandleChannelBind(ctx, msg, sym), from)

	case msg.Method == stun.MethodSend && msg.Class == stun.ClassIndication:
		alloc, ok := l.Router.ResolveClientSymbol(sym)
		if !ok {
			return
		}
		out := l.Handler.HandleSend(sym, msg)
		l.sendToPeer(alloc.RelayedPort, out)

	default:
		// Unhandled method/class combination: silently ignored, matching
		// the indication-drop behavior for anything this relay doesn't
		// implement rather than erroring on well-formed but unsupported
		// requests.
	}
}

func (l *UDPListener) reply(resp []byte, to *net.UDPAddr) {
	if resp == nil {
		return
	}
	if _, err := l.Conn.WriteToUDP(resp, to); err != nil {
		l.Logger.Debug("reply write failed", "to", to.String(), "error", err)
	}
}

// Close releases the listening socket.
func (l *UDPListener) Close() error { return l.Conn.Close() }

// udpClientWriter delivers relay-originated bytes back to a UDP client over
// the shared listening socket.
type udpClientWriter struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (w udpClientWriter) WriteToClient(data []byte) error {
	_, err := w.conn.WriteToUDP(data, w.addr)
	return err
}
