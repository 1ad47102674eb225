package ops

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// HandleChannelBind processes a ChannelBind request (RFC 8656 §11). It
// enforces the channel number range, rejects conflicting rebindings (the
// same channel to a different peer, or the same peer to a different
// channel), and otherwise installs or refreshes the binding along with its
// implicit permission.
func (h *Handler) HandleChannelBind(ctx context.Context, req *stun.Message, sym session.Symbol) []byte {
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

	channel, hasChannel := req.ChannelNumber()
	peer, hasPeer := req.XORPeerAddress()
	if !hasChannel || !hasPeer || peer.IP == nil {
		return buildError(req, ErrBadRequest, "Bad Request")
	}
	if channel < 0x4000 || channel > 0x7FFF {
		return buildError(req, ErrBadRequest, "Bad Request")
	}
	if !h.PermissionAllowed(peer.IP) {
		return buildError(req, ErrForbidden, "Forbidden")
	}

	peerKey := net.JoinHostPort(peer.IP.String(), strconv.Itoa(peer.Port))
	now := time.Now()
	if alloc.ChannelConflict(channel, peerKey, now) {
		return buildError(req, ErrBadRequest, "Bad Request")
	}

	alloc.BindChannel(channel, peerKey, h.Store.ChannelLifetime(), now)
	h.Observer.ChannelBound(ctx, sym, channel, peerKey)

	return stun.NewResponse(req, stun.ClassSuccessResponse).Build(respAlg(alg), key, false)
}
