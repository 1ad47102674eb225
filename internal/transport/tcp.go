package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"log/slog"
	"net"

	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/router"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// TCPListener is the client-facing TCP (and, with TLSConfig set, TLS)
// listener. RFC 8656 §12.4 frames ChannelData over a stream transport with
// payloads padded to a 4-byte boundary; STUN messages are already
// self-delimiting via their 20-byte header length field, so both framings
// share one length-prefixed reader per connection.
type TCPListener struct {
	Listener  net.Listener
	Handler   *ops.Handler
	Store     *session.Store
	Bridge    *Bridge
	Router    *router.Router
	Logger    *slog.Logger
	TLSConfig *tls.Config
}

// NewTCPListener binds addr for client traffic. If tlsConfig is non-nil the
// listener wraps each accepted connection in TLS.
func NewTCPListener(addr string, tlsConfig *tls.Config, handler *ops.Handler, store *session.Store, bridge *Bridge, logger *slog.Logger) (*TCPListener, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPListener{Listener: ln, Handler: handler, Store: store, Bridge: bridge, Router: router.New(store), Logger: logger.With("component", "transport.tcp"), TLSConfig: tlsConfig}, nil
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (l *TCPListener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.Listener.Close()
	}()

	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go l.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error { return l.Listener.Close() }

// localAddr returns the listener's bound address as a *net.TCPAddr, falling
// back to an unspecified address if the underlying listener isn't TCP (used
// by WSListener, which shares this listener's dependencies but binds its
// own HTTP server).
func (l *TCPListener) localAddr() *net.TCPAddr {
	if addr, ok := l.Listener.Addr().(*net.TCPAddr); ok {
		return addr
	}
	return &net.TCPAddr{}
}

// tcpClientWriter delivers relay-originated bytes back to a framed TCP/TLS
// client by writing directly to its connection.
type tcpClientWriter struct {
	conn net.Conn
}

func (w tcpClientWriter) WriteToClient(data []byte) error {
	_, err := w.conn.Write(data)
	return err
}

func (l *TCPListener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return
	}
	local, _ := conn.LocalAddr().(*net.TCPAddr)
	transportName := "tcp"
	if l.TLSConfig != nil {
		transportName = "tls"
	}
	sym := session.Symbol{
		ClientAddr: remote.String(),
		ServerAddr: conn.LocalAddr().String(),
		Transport:  transportName,
	}
	writer := tcpClientWriter{conn: conn}

	r := bufio.NewReader(conn)
	for {
		frame, err := readFrame(r)
		if err != nil {
			break
		}
		l.handleFrame(ctx, frame, sym, remote, local, writer)
	}

	l.Bridge.Destroyed(ctx, sym)
	l.Store.Remove(sym)
}

func (l *TCPListener) handleFrame(ctx context.Context, frame []byte, sym session.Symbol, clientAddr, serverAddr *net.TCPAddr, writer tcpClientWriter) {
	switch {
	case stun.IsChannelData(frame):
		cd, err := stun.DecodeChannelData(frame)
		if err != nil {
			return
		}
		alloc, ok := l.Router.ResolveClientSymbol(sym)
		if !ok {
			return
		}
		out := l.Handler.HandleChannelData(alloc, cd)
		l.sendToPeer(alloc.RelayedPort, out)

	case stun.IsSTUN(frame):
		msg, err := stun.Decode(frame)
		if err != nil {
			return
		}
		l.dispatch(ctx, msg, sym, clientAddr, serverAddr, writer)
	}
}

func (l *TCPListener) sendToPeer(relayedPort int, out *ops.Outbound) {
	if out == nil || out.ToPeer == nil {
		return
	}
	_ = l.Bridge.WriteToPeer(relayedPort, out.PeerAddr, out.ToPeer)
}

func (l *TCPListener) dispatch(ctx context.Context, msg *stun.Message, sym session.Symbol, clientAddr, serverAddr *net.TCPAddr, writer tcpClientWriter) {
	udpClientAddr := &net.UDPAddr{IP: clientAddr.IP, Port: clientAddr.Port}
	var udpServerAddr *net.UDPAddr
	if serverAddr != nil {
		udpServerAddr = &net.UDPAddr{IP: serverAddr.IP, Port: serverAddr.Port}
	}

	switch {
	case msg.Method == stun.MethodBinding && msg.Class == stun.ClassRequest:
		l.reply(l.Handler.HandleBinding(msg, udpClientAddr, udpServerAddr), writer)

	case msg.Method == stun.MethodAllocate && msg.Class == stun.ClassRequest:
		resp := l.Handler.HandleAllocate(ctx, msg, sym, udpClientAddr)
		if _, ok := l.Router.ResolveClientSymbol(sym); ok {
			l.Bridge.RegisterClient(sym, writer, true)
		}
		l.reply(resp, writer)

	case msg.Method == stun.MethodRefresh && msg.Class == stun.ClassRequest:
		resp := l.Handler.HandleRefresh(ctx, msg, sym)
		if _, ok := l.Router.ResolveClientSymbol(sym); !ok {
			l.Bridge.UnregisterClient(sym)
		}
		l.reply(resp, writer)

	case msg.Method == stun.MethodCreatePermission && msg.Class == stun.ClassRequest:
		l.reply(l.Handler.HandleCreatePermission(ctx, msg, sym), writer)

	case msg.Method == stun.MethodChannelBind && msg.Class == stun.ClassRequest:
		l.reply(l.Handler.HandleChannelBind(ctx, msg, sym), writer)

	case msg.Method == stun.MethodSend && msg.Class == stun.ClassIndication:
		alloc, ok := l.Router.ResolveClientSymbol(sym)
		if !ok {
			return
		}
		out := l.Handler.HandleSend(sym, msg)
		l.sendToPeer(alloc.RelayedPort, out)
	}
}

func (l *TCPListener) reply(resp []byte, writer tcpClientWriter) {
	if resp == nil {
		return
	}
	_ = writer.WriteToClient(resp)
}

// readFrame reads exactly one STUN message or ChannelData frame from r,
// using the leading 4 bytes shared by both framings to determine the total
// frame length before reading the rest.
func readFrame(r *bufio.Reader) ([]byte, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	channelOrType := binary.BigEndian.Uint16(head[0:2])
	length := int(binary.BigEndian.Uint16(head[2:4]))

	var total int
	if channelOrType >= 0x4000 && channelOrType <= 0x7FFF {
		total = stun.FrameLength(length)
	} else {
		// STUN header: 16 more header bytes, then length bytes of
		// attributes (already 4-byte aligned per RFC 8489 §5).
		total = stun.HeaderSize + length
	}

	frame := make([]byte, total)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}
