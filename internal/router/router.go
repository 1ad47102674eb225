// Package router resolves inbound datagrams — from a TURN client or from a
// relayed peer socket — to the allocation and direction they belong to.
// It holds no allocation state of its own; it is a thin dispatch layer over
// internal/session.Store.
package router

import (
	"fmt"
	"net"

	"github.com/kuuji/turngate/internal/session"
)

// Direction identifies which way a resolved datagram is headed.
type Direction int

const (
	// ToRelay: a client sent data (via Send indication or ChannelData) that
	// must be relayed out to a peer.
	ToRelay Direction = iota
	// ToClient: a peer sent data on a relayed socket that must be delivered
	// back to the owning client (as a Data indication or ChannelData).
	ToClient
)

// Route is the resolved destination for one datagram.
type Route struct {
	Direction  Direction
	Allocation *session.Allocation
	PeerAddr   *net.UDPAddr // set when Direction == ToClient
}

// Router dispatches inbound traffic using the shared allocation store.
type Router struct {
	store *session.Store
}

// New creates a Router over store.
func New(store *session.Store) *Router {
	return &Router{store: store}
}

// ResolveClientSymbol looks up the allocation owning sym, the 5-tuple a
// client datagram arrived on. Used for Send indications and ChannelData
// frames arriving on the client-facing socket.
func (r *Router) ResolveClientSymbol(sym session.Symbol) (*session.Allocation, bool) {
	return r.store.Get(sym)
}

// ResolveRelayedPort looks up the allocation that owns a relayed port, given
// a peer datagram arriving on that port. Used by the relay-socket read loop
// to route data back toward the client side.
func (r *Router) ResolveRelayedPort(port int, peer *net.UDPAddr) (Route, error) {
	alloc, ok := r.store.LookupByRelayedPort(port)
	if !ok {
		return Route{}, fmt.Errorf("router: no allocation owns relayed port %d", port)
	}
	return Route{Direction: ToClient, Allocation: alloc, PeerAddr: peer}, nil
}
