package router

import (
	"net"
	"testing"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/session"
)

func TestRouter_ResolveClientSymbol(t *testing.T) {
	t.Parallel()

	store := session.NewStore("example.org", 49152, 49160, time.Minute)
	sym := session.Symbol{ClientAddr: "198.51.100.1:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
	alloc, err := store.Allocate(sym, "alice", nil, creds.AlgorithmMD5, net.ParseIP("203.0.113.1"), 0, time.Now())
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	r := New(store)
	got, ok := r.ResolveClientSymbol(sym)
	if !ok || got != alloc {
		t.Fatal("ResolveClientSymbol did not find the allocation")
	}
}

func TestRouter_ResolveRelayedPort(t *testing.T) {
	t.Parallel()

	store := session.NewStore("example.org", 49152, 49160, time.Minute)
	sym := session.Symbol{ClientAddr: "198.51.100.1:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
	alloc, _ := store.Allocate(sym, "alice", nil, creds.AlgorithmMD5, net.ParseIP("203.0.113.1"), 0, time.Now())

	r := New(store)
	peer := &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 7000}
	route, err := r.ResolveRelayedPort(alloc.RelayedPort, peer)
	if err != nil {
		t.Fatalf("ResolveRelayedPort: %v", err)
	}
	if route.Direction != ToClient || route.Allocation != alloc || route.PeerAddr != peer {
		t.Fatalf("unexpected route: %+v", route)
	}
}

func TestRouter_ResolveRelayedPort_Unknown(t *testing.T) {
	t.Parallel()

	store := session.NewStore("example.org", 49152, 49160, time.Minute)
	r := New(store)
	if _, err := r.ResolveRelayedPort(65000, &net.UDPAddr{}); err == nil {
		t.Fatal("expected error for unknown relayed port")
	}
}
