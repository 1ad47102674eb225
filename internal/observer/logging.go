package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/session"
)

// Logging wraps another Observer, logging every lifecycle event at debug
// level and every failed GetKey lookup at warn level. Logger defaults to
// slog.Default() if nil, and is scoped with .With("component", ...) like
// every other logger in this relay.
type Logging struct {
	Next   Observer
	Logger *slog.Logger
}

func (l Logging) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger.With("component", "observer")
	}
	return slog.Default().With("component", "observer")
}

func (l Logging) GetKey(ctx context.Context, username, realm string) ([]byte, creds.Algorithm, bool, error) {
	key, alg, ok, err := l.Next.GetKey(ctx, username, realm)
	if err != nil {
		l.logger().Warn("get_key failed", "username", username, "realm", realm, "error", err)
	} else if !ok {
		l.logger().Debug("get_key unknown user", "username", username, "realm", realm)
	}
	return key, alg, ok, err
}

func (l Logging) Allocated(ctx context.Context, sym session.Symbol, username string, relayedPort int) {
	l.logger().Debug("allocated", "symbol", sym.String(), "username", username, "relayed_port", relayedPort)
	l.Next.Allocated(ctx, sym, username, relayedPort)
}

func (l Logging) ChannelBound(ctx context.Context, sym session.Symbol, channel uint16, peer string) {
	l.logger().Debug("channel_bound", "symbol", sym.String(), "channel", channel, "peer", peer)
	l.Next.ChannelBound(ctx, sym, channel, peer)
}

func (l Logging) PermissionCreated(ctx context.Context, sym session.Symbol, peerIP string) {
	l.logger().Debug("permission_created", "symbol", sym.String(), "peer_ip", peerIP)
	l.Next.PermissionCreated(ctx, sym, peerIP)
}

func (l Logging) Refreshed(ctx context.Context, sym session.Symbol, lifetime time.Duration) {
	l.logger().Debug("refreshed", "symbol", sym.String(), "lifetime", lifetime)
	l.Next.Refreshed(ctx, sym, lifetime)
}

func (l Logging) Destroyed(ctx context.Context, sym session.Symbol) {
	l.logger().Debug("destroyed", "symbol", sym.String())
	l.Next.Destroyed(ctx, sym)
}

var _ Observer = Logging{}
