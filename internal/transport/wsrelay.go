package transport

import (
	"context"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

// WSListener upgrades HTTP connections to WebSocket and feeds each one into
// the same framed read loop TCPListener uses, for operators who need TURN
// reachable through a TLS-terminating edge that only forwards HTTP/WS.
type WSListener struct {
	TCP *TCPListener
}

// NewWSListener wraps an existing TCPListener's dependencies; the WebSocket
// connections it accepts are dispatched through the identical
// handleConn/handleFrame path as plain TCP/TLS connections, framed=true.
func NewWSListener(tcp *TCPListener) *WSListener {
	return &WSListener{TCP: tcp}
}

// addrOnlyListener is a net.Listener stand-in that only ever answers Addr;
// WSListener's backing TCPListener never Accepts or Serves through it (the
// http.Server owns the real socket) but TCPListener.localAddr still needs
// something non-nil to report the WS-facing bind address from.
type addrOnlyListener struct{ addr net.Addr }

func (a addrOnlyListener) Accept() (net.Conn, error) { return nil, net.ErrClosed }
func (a addrOnlyListener) Close() error              { return nil }
func (a addrOnlyListener) Addr() net.Addr            { return a.addr }

// AddrOnlyListener returns a net.Listener reporting addr from Addr(),
// rejecting Accept and no-opping Close. Used to build a WSListener's
// backing TCPListener without binding a second, unused socket.
func AddrOnlyListener(addr net.Addr) net.Listener { return addrOnlyListener{addr: addr} }

// ServeHTTP implements http.Handler for the "/turn" WebSocket endpoint.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	netConn := websocket.NetConn(ctx, conn, websocket.MessageBinary)

	remote, ok := parseRemoteTCPAddr(r.RemoteAddr)
	if !ok {
		_ = conn.Close(websocket.StatusProtocolError, "unparseable remote address")
		return
	}

	wrapped := &wsTCPConn{Conn: netConn, remote: remote, local: l.TCP.localAddr()}
	l.TCP.handleConn(ctx, wrapped)
}

// wsTCPConn presents a WebSocket-backed net.Conn with *net.TCPAddr values,
// since TCPListener.handleConn (shared with plain TCP/TLS) type-asserts
// RemoteAddr() to *net.TCPAddr the same way pion/ice's client side does.
type wsTCPConn struct {
	net.Conn
	remote *net.TCPAddr
	local  *net.TCPAddr
}

func (c *wsTCPConn) RemoteAddr() net.Addr { return c.remote }
func (c *wsTCPConn) LocalAddr() net.Addr  { return c.local }

func parseRemoteTCPAddr(hostport string) (*net.TCPAddr, bool) {
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return nil, false
	}
	return addr, true
}
