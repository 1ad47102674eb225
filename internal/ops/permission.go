package ops

import (
	"context"
	"time"

	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// HandleCreatePermission processes a CreatePermission request (RFC 8656
// §9.2). It requires at least one XOR-PEER-ADDRESS and installs (or
// refreshes) a permission for every peer IP named, failing the whole
// request with 403 if any peer is rejected by policy.
func (h *Handler) HandleCreatePermission(ctx context.Context, req *stun.Message, sym session.Symbol) []byte {
	if r := h.checkUnknownAttributes(req); r != nil {
		return r
	}

	key, alg, errResp, ok := h.authenticate(ctx, req)
	if !ok {
		return errResp
	}

	alloc, found := h.Store.Get(sym)
	if !found {
		return buildError(req, ErrAllocationMismatch, "Allocation Mismatch")
	}

	peers := req.XORPeerAddresses()
	if len(peers) == 0 {
		return buildError(req, ErrBadRequest, "Bad Request")
	}
	for _, p := range peers {
		if p.IP == nil || !h.PermissionAllowed(p.IP) {
			return buildError(req, ErrForbidden, "Forbidden")
		}
	}

	now := time.Now()
	for _, p := range peers {
		alloc.AddPermission(p.IP.String(), h.Store.PermissionLifetime(), now)
		h.Observer.PermissionCreated(ctx, sym, p.IP.String())
	}

	return stun.NewResponse(req, stun.ClassSuccessResponse).Build(respAlg(alg), key, false)
}
