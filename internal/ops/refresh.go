package ops

import (
	"context"
	"time"

	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// HandleRefresh processes a Refresh request (RFC 8656 §7.2). A requested
// LIFETIME of 0 tears the allocation down immediately; any other value is
// clamped to the store's configured maximum allocation lifetime.
func (h *Handler) HandleRefresh(ctx context.Context, req *stun.Message, sym session.Symbol) []byte {
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

	lifetimeSecs, hasLifetime := req.Lifetime()
	lifetime := time.Duration(lifetimeSecs) * time.Second
	if !hasLifetime {
		lifetime = h.Store.DefaultLifetime()
	} else if lifetime > h.Store.MaxLifetime() {
		lifetime = h.Store.MaxLifetime()
	}

	now := time.Now()
	newExpiry := alloc.Refresh(lifetime, now)

	if lifetime <= 0 {
		h.Store.Remove(sym)
		if h.Limiter != nil {
			h.Limiter.Forget(sym)
		}
		h.Observer.Destroyed(ctx, sym)
	}
	h.Observer.Refreshed(ctx, sym, lifetime)

	resp := stun.NewResponse(req, stun.ClassSuccessResponse).
		Lifetime(remainingSeconds(newExpiry, now))
	return resp.Build(respAlg(alg), key, false)
}
