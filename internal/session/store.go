package session

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kuuji/turngate/internal/creds"
)

// Default lifetimes, per RFC 8656 §§2.2, 7.2, 9.1, 11. These back Lifetimes'
// zero value; an operator overrides any of them via config.toml's
// default_lifetime/max_lifetime/permission_lifetime/channel_lifetime.
const (
	DefaultAllocationLifetime = 600 * time.Second
	MaxAllocationLifetime     = 3600 * time.Second
	PermissionLifetime        = 5 * time.Minute
	ChannelLifetime           = 10 * time.Minute
)

// Lifetimes bundles the operator-configurable duration knobs spec.md §6
// lists for a relay's allocations, permissions, and channel bindings. A
// zero field falls back to the corresponding Default* constant above.
type Lifetimes struct {
	Default    time.Duration
	Max        time.Duration
	Permission time.Duration
	Channel    time.Duration
}

func (l Lifetimes) withDefaults() Lifetimes {
	if l.Default <= 0 {
		l.Default = DefaultAllocationLifetime
	}
	if l.Max <= 0 {
		l.Max = MaxAllocationLifetime
	}
	if l.Permission <= 0 {
		l.Permission = PermissionLifetime
	}
	if l.Channel <= 0 {
		l.Channel = ChannelLifetime
	}
	return l
}

// Store holds every live allocation, keyed by its 5-tuple Symbol, plus a
// reverse index from relayed port to allocation so inbound peer datagrams
// on a relayed socket can be routed back to the owning client without a
// linear scan. Both indexes share mu and the port pool uses its own
// short-held lock; no lock here is ever held across a suspension point (an
// Observer RPC, a socket write).
type Store struct {
	realm string
	ports *PortPool

	mu        sync.RWMutex
	byTuple   map[Symbol]*Allocation
	byPort    map[int]*Allocation
	nonces    *creds.NonceStore
	lifetimes Lifetimes
}

// NewStore creates an empty allocation table relaying from the given port
// range, under the given realm, using the RFC-recommended default
// allocation/permission/channel lifetimes. Use NewStoreWithLifetimes to
// override any of them.
func NewStore(realm string, portMin, portMax int, nonceTTL time.Duration) *Store {
	return NewStoreWithLifetimes(realm, portMin, portMax, nonceTTL, Lifetimes{})
}

// NewStoreWithLifetimes is NewStore with explicit allocation/permission/
// channel lifetimes, as loaded from config.toml's
// default_lifetime/max_lifetime/permission_lifetime/channel_lifetime.
func NewStoreWithLifetimes(realm string, portMin, portMax int, nonceTTL time.Duration, lifetimes Lifetimes) *Store {
	return &Store{
		realm:     realm,
		ports:     NewPortPool(portMin, portMax),
		byTuple:   make(map[Symbol]*Allocation),
		byPort:    make(map[int]*Allocation),
		nonces:    creds.NewNonceStore(nonceTTL),
		lifetimes: lifetimes.withDefaults(),
	}
}

// DefaultLifetime returns the configured default allocation lifetime,
// applied when a client's Allocate/Refresh omits LIFETIME.
func (s *Store) DefaultLifetime() time.Duration { return s.lifetimes.Default }

// MaxLifetime returns the configured maximum allocation lifetime, the
// clamp applied to any client-requested LIFETIME.
func (s *Store) MaxLifetime() time.Duration { return s.lifetimes.Max }

// PermissionLifetime returns the configured permission validity duration.
func (s *Store) PermissionLifetime() time.Duration { return s.lifetimes.Permission }

// ChannelLifetime returns the configured channel-binding validity duration.
func (s *Store) ChannelLifetime() time.Duration { return s.lifetimes.Channel }

// Realm returns the configured realm, used in long-term credential key
// derivation and 401/438 challenges.
func (s *Store) Realm() string { return s.realm }

// IssueNonce mints a fresh NONCE for a 401/438 challenge.
func (s *Store) IssueNonce() (string, error) { return s.nonces.Issue() }

// ValidNonce reports whether nonce is currently valid.
func (s *Store) ValidNonce(nonce string) bool { return s.nonces.Valid(nonce) }

// Get returns the allocation for sym, if one exists.
func (s *Store) Get(sym Symbol) (*Allocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byTuple[sym]
	return a, ok
}

// Allocate creates a new allocation for sym with a freshly acquired relayed
// port, keyed by the supplied long-term credential key. It fails if sym
// already has a live allocation (RFC 8656 §7.2: a second Allocate on an
// existing allocation is a 437 Allocation Mismatch, decided by the caller
// before reaching here) or if the port pool is exhausted (508).
func (s *Store) Allocate(sym Symbol, username string, key []byte, alg creds.Algorithm, relayedIP net.IP, lifetime time.Duration, now time.Time) (*Allocation, error) {
	if lifetime <= 0 {
		lifetime = s.lifetimes.Default
	} else if lifetime > s.lifetimes.Max {
		lifetime = s.lifetimes.Max
	}

	s.mu.Lock()
	if _, exists := s.byTuple[sym]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("session: allocation already exists for %s", sym)
	}
	s.mu.Unlock()

	port, err := s.ports.Acquire()
	if err != nil {
		return nil, err
	}

	alloc := NewAllocation(sym, username, s.realm, key, alg, relayedIP, port, lifetime, now)

	s.mu.Lock()
	s.byTuple[sym] = alloc
	s.byPort[port] = alloc
	s.mu.Unlock()

	return alloc, nil
}

// Remove tears down an allocation, releasing its relayed port back to the
// pool and removing it from both indexes. Called on an explicit
// LIFETIME=0 Refresh or when the expiry sweep finds it stale.
func (s *Store) Remove(sym Symbol) {
	s.mu.Lock()
	alloc, ok := s.byTuple[sym]
	if ok {
		delete(s.byTuple, sym)
		delete(s.byPort, alloc.RelayedPort)
	}
	s.mu.Unlock()

	if ok {
		s.ports.Release(alloc.RelayedPort)
	}
}

// LookupByRelayedPort finds the allocation that owns relayedPort, used by
// the router to dispatch an inbound peer datagram arriving on that relayed
// socket back to its client.
func (s *Store) LookupByRelayedPort(port int) (*Allocation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byPort[port]
	return a, ok
}

// ExpireTick scans every allocation, evicting those whose lifetime has
// elapsed and sweeping expired permissions/channel bindings from the rest.
// It returns the symbols of every allocation it evicted so the caller (the
// transport sweeper) can fire Observer.Destroyed for each — Store itself
// holds no Observer reference, since allocation storage shouldn't need to
// know about the auth/lifecycle-hook boundary. Callers run this on a
// dedicated ticker (see internal/transport), not inline with request
// handling.
func (s *Store) ExpireTick(now time.Time) (expiredSymbols []Symbol) {
	s.mu.RLock()
	live := make([]*Allocation, 0, len(s.byTuple))
	for _, a := range s.byTuple {
		live = append(live, a)
	}
	s.mu.RUnlock()

	var expired []Symbol
	for _, a := range live {
		if a.Expired(now) {
			expired = append(expired, a.Symbol)
			continue
		}
		a.Sweep(now)
	}
	for _, sym := range expired {
		s.Remove(sym)
	}
	s.nonces.Sweep(now)
	return expired
}

// Stats summarizes store occupancy for the control-plane status endpoint.
type Stats struct {
	Allocations  int
	PortsInUse   int
	NoncesTracked int
}

// Stats returns a point-in-time snapshot.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.byTuple)
	s.mu.RUnlock()
	return Stats{Allocations: n, PortsInUse: s.ports.InUse(), NoncesTracked: s.nonces.Count()}
}

// ListAllocations returns a snapshot of every live allocation, for the
// control-plane status endpoint. Callers must not mutate the returned
// Allocation values directly; use the Allocation methods.
func (s *Store) ListAllocations() []*Allocation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Allocation, 0, len(s.byTuple))
	for _, a := range s.byTuple {
		out = append(out, a)
	}
	return out
}
