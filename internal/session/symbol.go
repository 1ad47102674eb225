// Package session implements the TURN allocation state machine: the 5-tuple
// keyed allocation table, the relayed-port pool, and the permission and
// channel-binding lifecycle (RFC 8656 §§5, 9, 11, 12).
package session

import "fmt"

// Symbol is the 5-tuple that identifies a TURN allocation: the client's
// transport address, the server's local listening address, and the
// transport protocol they're talking over. Two Allocate requests from the
// same client IP:port but arriving over different transports (or at
// different server listeners) are distinct allocations, per RFC 8656 §5.
type Symbol struct {
	ClientAddr string // "ip:port"
	ServerAddr string // "ip:port"
	Transport  string // "udp", "tcp", or "tls" (WebSocket connections record "tcp")
}

// String renders the Symbol for logging.
func (s Symbol) String() string {
	return fmt.Sprintf("%s/%s->%s", s.Transport, s.ClientAddr, s.ServerAddr)
}
