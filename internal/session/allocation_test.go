package session

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/turngate/internal/creds"
)

func newTestAllocation(now time.Time) *Allocation {
	sym := Symbol{ClientAddr: "198.51.100.1:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
	return NewAllocation(sym, "alice", "example.org", []byte("key"), creds.AlgorithmMD5, net.ParseIP("203.0.113.1"), 50000, DefaultAllocationLifetime, now)
}

func TestNewAllocation_AssignsUniqueID(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)
	b := newTestAllocation(now)

	var zero uuid.UUID
	if a.ID == zero {
		t.Fatal("allocation ID should not be the zero value")
	}
	if a.ID == b.ID {
		t.Fatal("two allocations should not share an ID")
	}
}

func TestAllocation_PermissionLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	if a.PermissionAllows("192.0.2.1", now) {
		t.Fatal("no permission installed yet")
	}

	a.AddPermission("192.0.2.1", PermissionLifetime, now)
	if !a.PermissionAllows("192.0.2.1", now) {
		t.Fatal("permission should allow immediately after AddPermission")
	}

	future := now.Add(PermissionLifetime + time.Second)
	if a.PermissionAllows("192.0.2.1", future) {
		t.Fatal("permission should have expired")
	}
}

func TestAllocation_ChannelBindAndLookup(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.BindChannel(0x4001, "192.0.2.1:7000", ChannelLifetime, now)

	peer, ok := a.PeerForChannel(0x4001, now)
	if !ok || peer != "192.0.2.1:7000" {
		t.Fatalf("PeerForChannel: got %q, %v", peer, ok)
	}

	ch, ok := a.ChannelForPeer("192.0.2.1:7000", now)
	if !ok || ch != 0x4001 {
		t.Fatalf("ChannelForPeer: got %#x, %v", ch, ok)
	}

	// Binding a channel also installs the implicit permission.
	if !a.PermissionAllows("192.0.2.1", now) {
		t.Fatal("channel binding should install implicit permission")
	}
}

func TestAllocation_ChannelBindingRefreshSamePeer(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.BindChannel(0x4001, "192.0.2.1:7000", ChannelLifetime, now)
	if a.ChannelConflict(0x4001, "192.0.2.1:7000", now) {
		t.Fatal("rebinding the same (channel, peer) pair is not a conflict")
	}
}

func TestAllocation_ChannelConflictDifferentPeer(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.BindChannel(0x4001, "192.0.2.1:7000", ChannelLifetime, now)
	if !a.ChannelConflict(0x4001, "192.0.2.2:7000", now) {
		t.Fatal("binding the same channel to a different peer should conflict")
	}
}

func TestAllocation_ChannelConflictDifferentChannel(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.BindChannel(0x4001, "192.0.2.1:7000", ChannelLifetime, now)
	if !a.ChannelConflict(0x4002, "192.0.2.1:7000", now) {
		t.Fatal("binding the same peer to a different channel should conflict")
	}
}

func TestAllocation_ExpiredChannelBindingNoLongerConflicts(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.BindChannel(0x4001, "192.0.2.1:7000", time.Second, now)
	future := now.Add(2 * time.Second)
	if a.ChannelConflict(0x4002, "192.0.2.1:7000", future) {
		t.Fatal("expired channel binding should not conflict with a new one")
	}
}

func TestAllocation_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	a.AddPermission("192.0.2.1", time.Second, now)
	a.BindChannel(0x4001, "192.0.2.2:7000", time.Second, now)

	future := now.Add(2 * time.Second)
	permsEvicted, chansEvicted := a.Sweep(future)
	if permsEvicted < 1 {
		t.Errorf("permissions evicted: got %d, want >= 1", permsEvicted)
	}
	if chansEvicted != 1 {
		t.Errorf("channels evicted: got %d, want 1", chansEvicted)
	}
	if a.ChannelCount() != 0 {
		t.Errorf("channel count after sweep: got %d, want 0", a.ChannelCount())
	}
}

func TestAllocation_RefreshExtendsExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := newTestAllocation(now)

	before := a.ExpiresAt()
	later := a.Refresh(time.Hour, now)
	if !later.After(before) {
		t.Fatal("Refresh with positive lifetime should extend expiry")
	}
}
