package ops

import (
	"crypto/rand"
	"net"
	"strconv"
	"time"

	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

// HandleSend processes a Send indication (RFC 8656 §10.3): a client pushing
// data to a peer. Indications never get a response; a permission-less or
// malformed Send is silently dropped, as the RFC requires, rather than
// erroring back to the client.
func (h *Handler) HandleSend(sym session.Symbol, req *stun.Message) *Outbound {
	alloc, found := h.Store.Get(sym)
	if !found {
		return nil
	}
	peer, hasPeer := req.XORPeerAddress()
	data := req.Data()
	if !hasPeer || peer.IP == nil || data == nil {
		return nil
	}
	if !alloc.PermissionAllows(peer.IP.String(), time.Now()) {
		return nil
	}
	if h.Limiter != nil && !h.Limiter.Allow(sym) {
		return nil
	}
	return &Outbound{ToPeer: data, PeerAddr: &net.UDPAddr{IP: peer.IP, Port: peer.Port}}
}

// HandleChannelData processes a ChannelData frame from the client (RFC
// 8656 §12.4): relays cd.Data to the peer bound to cd.Number, or drops it
// if the channel is unbound or expired.
func (h *Handler) HandleChannelData(alloc *session.Allocation, cd stun.ChannelData) *Outbound {
	peerKey, ok := alloc.PeerForChannel(cd.Number, time.Now())
	if !ok {
		return nil
	}
	if h.Limiter != nil && !h.Limiter.Allow(alloc.Symbol) {
		return nil
	}
	host, portStr, err := net.SplitHostPort(peerKey)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}
	return &Outbound{ToPeer: cd.Data, PeerAddr: &net.UDPAddr{IP: net.ParseIP(host), Port: port}}
}

// HandleInboundFromPeer processes a datagram arriving on alloc's relayed
// socket from peerAddr (RFC 8656 §10.4, §12.7). If no permission is
// installed for the peer, it is dropped. If a channel is bound to the
// peer, delivery uses the cheaper ChannelData framing; otherwise it is
// wrapped in a Data indication. framed selects ChannelData's on-wire form:
// false for UDP (no padding), true for TCP/TLS (payload padded to a 4-byte
// boundary) — the client transport, not this handler, knows which applies.
func (h *Handler) HandleInboundFromPeer(alloc *session.Allocation, peerAddr *net.UDPAddr, payload []byte, framed bool) *Outbound {
	now := time.Now()
	if !alloc.PermissionAllows(peerAddr.IP.String(), now) {
		return nil
	}

	peerKey := peerAddr.String()
	if channel, ok := alloc.ChannelForPeer(peerKey, now); ok {
		if framed {
			return &Outbound{ToClient: stun.EncodeChannelDataFramed(channel, payload)}
		}
		return &Outbound{ToClient: stun.EncodeChannelData(channel, payload)}
	}

	ind := stun.NewBuilder(stun.MethodData, stun.ClassIndication, randomTxID()).
		XORAddress(stun.AttrXORPeerAddress, stun.Addr{IP: peerAddr.IP, Port: peerAddr.Port}).
		Data(payload).
		BuildIndication()
	return &Outbound{ToClient: ind}
}

func randomTxID() [12]byte {
	var b [12]byte
	_, _ = rand.Read(b[:])
	return b
}
