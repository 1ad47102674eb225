package session

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuuji/turngate/internal/creds"
)

// channelBinding is one CHANNEL-BIND entry: a channel number bound to a
// single peer address, valid until Expires (RFC 8656 §11).
type channelBinding struct {
	Peer    string // "ip:port"
	Expires time.Time
}

// Allocation is one TURN relay allocation: the state RFC 8656 §2.2 attaches
// to a 5-tuple between Allocate and its eventual expiry or explicit
// teardown (LIFETIME=0 Refresh).
//
// All mutable fields are guarded by mu. The store holds allocations by
// pointer and never copies them, so method receivers lock individually
// rather than requiring callers to hold a separate lock.
type Allocation struct {
	// ID uniquely tags this allocation across its lifetime, independent of
	// its 5-tuple; it is reported per allocation by the control-plane
	// status endpoint. Observer hooks receive the Symbol, not the ID.
	ID          uuid.UUID
	Symbol      Symbol
	Username    string
	Realm       string
	Key         []byte
	Algorithm   creds.Algorithm
	RelayedIP   net.IP
	RelayedPort int
	CreatedAt   time.Time

	mu          sync.Mutex
	expiresAt   time.Time
	permissions map[string]time.Time      // peer IP -> expiry
	channels    map[uint16]*channelBinding // channel# -> binding
	peerToChan  map[string]uint16          // peer "ip:port" -> channel#
}

// NewAllocation constructs an allocation with an initial lifetime.
func NewAllocation(sym Symbol, username, realm string, key []byte, alg creds.Algorithm, relayedIP net.IP, relayedPort int, lifetime time.Duration, now time.Time) *Allocation {
	return &Allocation{
		ID:          uuid.New(),
		Symbol:      sym,
		Username:    username,
		Realm:       realm,
		Key:         key,
		Algorithm:   alg,
		RelayedIP:   relayedIP,
		RelayedPort: relayedPort,
		CreatedAt:   now,
		expiresAt:   now.Add(lifetime),
		permissions: make(map[string]time.Time),
		channels:    make(map[uint16]*channelBinding),
		peerToChan:  make(map[string]uint16),
	}
}

// ExpiresAt returns the allocation's current expiry.
func (a *Allocation) ExpiresAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiresAt
}

// Expired reports whether the allocation's lifetime has elapsed as of now.
func (a *Allocation) Expired(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !now.Before(a.expiresAt)
}

// Refresh extends (or, if lifetime is 0, immediately expires) the
// allocation, per RFC 8656 §7.2. It returns the resulting expiry.
func (a *Allocation) Refresh(lifetime time.Duration, now time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if lifetime <= 0 {
		a.expiresAt = now
		return a.expiresAt
	}
	a.expiresAt = now.Add(lifetime)
	return a.expiresAt
}

// AddPermission installs or renews a permission for peerIP, valid for
// PermissionLifetime from now (RFC 8656 §9.1 fixes this at 5 minutes,
// non-negotiable).
func (a *Allocation) AddPermission(peerIP string, lifetime time.Duration, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions[peerIP] = now.Add(lifetime)
}

// PermissionAllows reports whether a permission for peerIP is currently
// installed and unexpired.
func (a *Allocation) PermissionAllows(peerIP string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.permissions[peerIP]
	return ok && now.Before(exp)
}

// BindChannel installs or refreshes a channel binding. Per RFC 8656 §11,
// rebinding the same (channel, peer) pair refreshes its expiry; binding an
// already-bound channel to a different peer, or an already-bound peer to a
// different channel, is a conflict the caller (ops layer) must reject
// before calling this.
func (a *Allocation) BindChannel(channel uint16, peer string, lifetime time.Duration, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.channels[channel] = &channelBinding{Peer: peer, Expires: now.Add(lifetime)}
	a.peerToChan[peer] = channel
	// A channel binding also installs/refreshes the corresponding
	// permission, per RFC 8656 §11 ("the implicit permission").
	a.permissions[peerIPOf(peer)] = now.Add(lifetime)
}

// ChannelConflict reports whether binding channel to peer would conflict
// with an existing binding: the channel is bound to a different peer, or
// the peer is bound to a different channel, and neither binding has
// expired as of now.
func (a *Allocation) ChannelConflict(channel uint16, peer string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.channels[channel]; ok && now.Before(cb.Expires) && cb.Peer != peer {
		return true
	}
	if existing, ok := a.peerToChan[peer]; ok && existing != channel {
		if cb, ok := a.channels[existing]; ok && now.Before(cb.Expires) {
			return true
		}
	}
	return false
}

// PeerForChannel returns the peer address bound to channel, if any and
// unexpired.
func (a *Allocation) PeerForChannel(channel uint16, now time.Time) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb, ok := a.channels[channel]
	if !ok || !now.Before(cb.Expires) {
		return "", false
	}
	return cb.Peer, true
}

// ChannelForPeer returns the channel number bound to peer, if any and
// unexpired.
func (a *Allocation) ChannelForPeer(peer string, now time.Time) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.peerToChan[peer]
	if !ok {
		return 0, false
	}
	cb, ok := a.channels[ch]
	if !ok || !now.Before(cb.Expires) {
		return 0, false
	}
	return ch, true
}

// Sweep removes expired permissions and channel bindings, returning the
// counts evicted.
func (a *Allocation) Sweep(now time.Time) (permissionsEvicted, channelsEvicted int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ip, exp := range a.permissions {
		if !now.Before(exp) {
			delete(a.permissions, ip)
			permissionsEvicted++
		}
	}
	for ch, cb := range a.channels {
		if !now.Before(cb.Expires) {
			delete(a.channels, ch)
			delete(a.peerToChan, cb.Peer)
			channelsEvicted++
		}
	}
	return permissionsEvicted, channelsEvicted
}

// PermissionCount returns the number of currently tracked permissions
// (expired or not), for stats reporting.
func (a *Allocation) PermissionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.permissions)
}

// ChannelCount returns the number of currently tracked channel bindings.
func (a *Allocation) ChannelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.channels)
}

// peerIPOf strips the port from a "ip:port" peer address. Channel bindings
// are per full address; permissions are per IP only (RFC 8656 §9.1).
func peerIPOf(peerAddr string) string {
	host, _, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	return host
}
