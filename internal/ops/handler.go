package ops

import (
	"context"
	"net"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// Handler holds the dependencies every request handler needs: the
// allocation store, the auth/lifecycle Observer, and the server's
// externally reachable relay address.
type Handler struct {
	Store      *session.Store
	Observer   observer.Observer
	ExternalIP net.IP
	Software   string

	// PeerPolicy decides whether a CreatePermission/ChannelBind target is
	// allowed to relay traffic to. Nil uses DefaultPeerPolicy.
	PeerPolicy func(net.IP) bool

	// Limiter throttles outbound Send/ChannelData throughput per
	// allocation. Nil disables rate limiting entirely.
	Limiter *RateLimiter
}

// DefaultPeerPolicy rejects loopback, unspecified, and link-local peer
// addresses — relaying to them is never a legitimate TURN use case and
// relaying to loopback in particular is a classic SSRF-style foot-gun for a
// relay running alongside other local services.
func DefaultPeerPolicy(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}

func (h *Handler) policy() func(net.IP) bool {
	if h.PeerPolicy != nil {
		return h.PeerPolicy
	}
	return DefaultPeerPolicy
}

// PermissionAllowed reports whether ip may be the target of a permission or
// channel binding, under the configured policy.
func (h *Handler) PermissionAllowed(ip net.IP) bool { return h.policy()(ip) }

func respAlg(alg creds.Algorithm) stun.IntegrityAlgorithm {
	if alg == creds.AlgorithmSHA256 {
		return stun.IntegritySHA256
	}
	return stun.IntegritySHA1
}

// authenticate runs the long-term credential check (RFC 8489 §9.2) common
// to Allocate, Refresh, CreatePermission, and ChannelBind. On success it
// returns the derived key and negotiated algorithm with authenticated
// true. On failure it returns the 401/438/441/500 response to send, with
// authenticated false — callers must return that response as-is.
func (h *Handler) authenticate(ctx context.Context, req *stun.Message) (key []byte, alg creds.Algorithm, response []byte, authenticated bool) {
	username, err := req.Username()
	if err != nil || username == "" {
		return nil, 0, h.challenge(req), false
	}
	nonce, err := req.Nonce()
	if err != nil || nonce == "" || !h.Store.ValidNonce(nonce) {
		return nil, 0, h.challengeStale(req), false
	}

	k, a, found, err := h.Observer.GetKey(ctx, username, h.Store.Realm())
	if err != nil {
		return nil, 0, buildError(req, ErrServerError, "Server Error"), false
	}
	if !found {
		return nil, 0, h.challenge(req), false
	}

	verified := false
	if a == creds.AlgorithmSHA256 {
		verified = stun.VerifyIntegritySHA256(req, k)
	} else {
		verified = stun.VerifyIntegrity(req, k)
	}
	if !verified {
		return nil, 0, buildError(req, ErrWrongCredentials, "Wrong Credentials"), false
	}

	return k, a, nil, true
}

// challenge issues a fresh nonce and returns a 401 Unauthorized response,
// the first leg of the long-term credential handshake.
func (h *Handler) challenge(req *stun.Message) []byte {
	nonce, err := h.Store.IssueNonce()
	if err != nil {
		return buildError(req, ErrServerError, "Server Error")
	}
	return stun.NewResponse(req, stun.ClassErrorResponse).
		ErrorCode(ErrUnauthorized, "Unauthorized").
		Realm(h.Store.Realm()).
		Nonce(nonce).
		PasswordAlgorithms([]uint16{stun.PasswordAlgorithmMD5, stun.PasswordAlgorithmSHA256}).
		Build(stun.IntegrityNone, nil, true)
}

// challengeStale re-issues a nonce with 438 Stale Nonce, for a request that
// carried an expired or unrecognized nonce.
func (h *Handler) challengeStale(req *stun.Message) []byte {
	nonce, err := h.Store.IssueNonce()
	if err != nil {
		return buildError(req, ErrServerError, "Server Error")
	}
	return stun.NewResponse(req, stun.ClassErrorResponse).
		ErrorCode(ErrStaleNonce, "Stale Nonce").
		Realm(h.Store.Realm()).
		Nonce(nonce).
		PasswordAlgorithms([]uint16{stun.PasswordAlgorithmMD5, stun.PasswordAlgorithmSHA256}).
		Build(stun.IntegrityNone, nil, true)
}

// checkUnknownAttributes returns a 420 response if req carries a
// comprehension-required attribute this codec does not understand,
// otherwise nil. Checked before authentication, per RFC 8489 §7.3.1.
func (h *Handler) checkUnknownAttributes(req *stun.Message) []byte {
	unk := req.UnknownRequired(4)
	if len(unk) == 0 {
		return nil
	}
	return stun.NewResponse(req, stun.ClassErrorResponse).
		ErrorCode(ErrUnknownAttribute, "Unknown Attribute").
		UnknownAttributes(unk).
		Build(stun.IntegrityNone, nil, true)
}

func remainingSeconds(expiresAt time.Time, now time.Time) uint32 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return uint32(d.Seconds())
}
