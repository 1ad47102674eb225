package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/session"
)

type destroyRecorder struct {
	observer.NoOp
	mu       sync.Mutex
	destroyed []session.Symbol
}

func (d *destroyRecorder) Destroyed(_ context.Context, sym session.Symbol) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, sym)
}

func (d *destroyRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.destroyed)
}

func TestSweeper_FiresDestroyedForExpiredAllocations(t *testing.T) {
	t.Parallel()

	store := session.NewStore(testRealm, 49500, 49510, time.Minute)
	sym := session.Symbol{ClientAddr: "198.51.100.9:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
	now := time.Now()
	if _, err := store.Allocate(sym, "alice", nil, creds.AlgorithmMD5, net.ParseIP("203.0.113.1"), time.Millisecond, now); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	rec := &destroyRecorder{}
	sw := NewSweeper(store, rec, nil, 10*time.Millisecond, nil)

	// ExpireTick driven directly rather than through Run, to avoid a timing
	// race against the ticker in a unit test.
	sw.tick(context.Background(), now.Add(time.Second))

	if rec.count() != 1 {
		t.Fatalf("destroyed count: got %d, want 1", rec.count())
	}
	if _, ok := store.Get(sym); ok {
		t.Fatal("expired allocation should have been removed from the store")
	}
}
