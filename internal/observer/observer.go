// Package observer defines the external hook boundary the relay calls out
// to for authentication and allocation lifecycle events, and ships a few
// concrete implementations (a no-op default, a structured-logging
// decorator, a static credential table, and a TURN REST API shared-secret
// scheme). Decorators compose around a base Observer so logging, metrics,
// or relay bookkeeping can layer onto authentication without changing it.
package observer

import (
	"context"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/session"
)

// Observer is the boundary between the relay's request-handling path and
// whatever external system owns credentials and wants visibility into
// allocation lifecycle. Every method may be called concurrently; Observer
// implementations must be safe for concurrent use. The ops layer calls
// GetKey and the lifecycle hooks synchronously, on the request's goroutine
// and before the response is returned, passing the caller's context as is:
// ops.Handler applies no deadline of its own, so a slow Observer delays
// the request it is serving.
type Observer interface {
	// GetKey resolves the long-term credential key for username under realm.
	// ok is false if the username is unknown; err is returned only for
	// transport/backend failures (e.g. a downstream RPC timeout), which the
	// caller treats as a transient 500 rather than a 401.
	GetKey(ctx context.Context, username, realm string) (key []byte, alg creds.Algorithm, ok bool, err error)

	// Allocated notifies that sym was granted a new allocation on
	// relayedPort under username.
	Allocated(ctx context.Context, sym session.Symbol, username string, relayedPort int)

	// ChannelBound notifies that sym bound channel to peer.
	ChannelBound(ctx context.Context, sym session.Symbol, channel uint16, peer string)

	// PermissionCreated notifies that sym installed a permission for peerIP.
	PermissionCreated(ctx context.Context, sym session.Symbol, peerIP string)

	// Refreshed notifies that sym's allocation lifetime was extended (or, if
	// lifetime is zero, torn down) via Refresh.
	Refreshed(ctx context.Context, sym session.Symbol, lifetime time.Duration)

	// Destroyed notifies that sym's allocation was torn down, whether by
	// explicit Refresh(0), by expiry, or by the client's TCP/TLS/WebSocket
	// connection closing.
	Destroyed(ctx context.Context, sym session.Symbol)
}

// NoOp is an Observer that does nothing and knows no users; GetKey always
// reports ok=false. Useful as an embeddable base so a partial Observer only
// needs to implement the methods it cares about.
type NoOp struct{}

func (NoOp) GetKey(context.Context, string, string) ([]byte, creds.Algorithm, bool, error) {
	return nil, creds.AlgorithmMD5, false, nil
}
func (NoOp) Allocated(context.Context, session.Symbol, string, int)         {}
func (NoOp) ChannelBound(context.Context, session.Symbol, uint16, string)   {}
func (NoOp) PermissionCreated(context.Context, session.Symbol, string)      {}
func (NoOp) Refreshed(context.Context, session.Symbol, time.Duration)       {}
func (NoOp) Destroyed(context.Context, session.Symbol)                      {}

var _ Observer = NoOp{}
