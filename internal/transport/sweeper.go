package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/session"
)

// DefaultSweepInterval is how often the sweeper scans for expired
// allocations and nonces when the caller doesn't specify one.
const DefaultSweepInterval = 10 * time.Second

// Sweeper periodically evicts expired allocations from Store and notifies
// Observer.Destroyed for each, so relay sockets opened by Bridge get closed
// even when a client disappears without ever sending a LIFETIME=0 Refresh.
type Sweeper struct {
	Store    *session.Store
	Observer observer.Observer
	Limiter  *ops.RateLimiter
	Interval time.Duration
	Logger   *slog.Logger
}

// NewSweeper builds a Sweeper over store, firing obs.Destroyed for every
// allocation the periodic scan evicts. limiter may be nil if the relay has
// rate limiting disabled.
func NewSweeper(store *session.Store, obs observer.Observer, limiter *ops.RateLimiter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Store: store, Observer: obs, Limiter: limiter, Interval: interval, Logger: logger.With("component", "transport.sweeper")}
}

// Run blocks, ticking every Interval until ctx is canceled.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			sw.tick(ctx, now)
		}
	}
}

func (sw *Sweeper) tick(ctx context.Context, now time.Time) {
	expired := sw.Store.ExpireTick(now)
	for _, sym := range expired {
		if sw.Limiter != nil {
			sw.Limiter.Forget(sym)
		}
		sw.Observer.Destroyed(ctx, sym)
	}
	if len(expired) > 0 {
		sw.Logger.Debug("swept expired allocations", "count", len(expired))
	}
}
