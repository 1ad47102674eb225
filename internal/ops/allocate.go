package ops

import (
	"context"
	"net"
	"time"

	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// HandleAllocate processes an Allocate request (RFC 8656 §7). It runs the
// long-term credential challenge, rejects non-UDP REQUESTED-TRANSPORT
// values, rejects a second Allocate on an already-allocated 5-tuple, and on
// success issues a relayed transport address from the port pool.
func (h *Handler) HandleAllocate(ctx context.Context, req *stun.Message, sym session.Symbol, clientAddr *net.UDPAddr) []byte {
	if r := h.checkUnknownAttributes(req); r != nil {
		return r
	}

	key, alg, errResp, ok := h.authenticate(ctx, req)
	if !ok {
		return errResp
	}

	if _, exists := h.Store.Get(sym); exists {
		return buildError(req, ErrAllocationMismatch, "Allocation Mismatch")
	}

	transport, hasTransport := req.RequestedTransport()
	if !hasTransport || transport != stun.RequestedTransportUDP {
		return buildError(req, ErrUnsupportedTransport, "Unsupported Transport Protocol")
	}

	lifetimeSecs, _ := req.Lifetime()
	lifetime := time.Duration(lifetimeSecs) * time.Second

	username, _ := req.Username()
	now := time.Now()
	alloc, err := h.Store.Allocate(sym, username, key, alg, h.ExternalIP, lifetime, now)
	if err != nil {
		return buildError(req, ErrInsufficientCapacity, "Insufficient Capacity")
	}

	h.Observer.Allocated(ctx, sym, username, alloc.RelayedPort)

	resp := stun.NewResponse(req, stun.ClassSuccessResponse).
		XORAddress(stun.AttrXORRelayedAddress, stun.Addr{IP: h.ExternalIP, Port: alloc.RelayedPort}).
		XORAddress(stun.AttrXORMappedAddress, stun.Addr{IP: clientAddr.IP, Port: clientAddr.Port}).
		Lifetime(remainingSeconds(alloc.ExpiresAt(), now))
	return resp.Build(respAlg(alg), key, false)
}
