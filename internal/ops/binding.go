package ops

import (
	"net"

	"github.com/kuuji/turngate/internal/stun"
)

// HandleBinding answers a Binding request with the client's reflexive
// transport address, unauthenticated (RFC 8489 §13). It never fails: a
// well-formed request always gets a Success Response. serverAddr is the
// local address of the interface the request arrived on, echoed back as
// RESPONSE-ORIGIN so a client behind multiple server addresses can tell
// which one answered.
func (h *Handler) HandleBinding(req *stun.Message, clientAddr, serverAddr *net.UDPAddr) []byte {
	mapped := stun.Addr{IP: clientAddr.IP, Port: clientAddr.Port}
	b := stun.NewResponse(req, stun.ClassSuccessResponse).
		XORAddress(stun.AttrXORMappedAddress, mapped).
		Address(stun.AttrMappedAddress, mapped)
	if serverAddr != nil {
		b = b.Address(stun.AttrResponseOrigin, stun.Addr{IP: serverAddr.IP, Port: serverAddr.Port})
	}
	if h.Software != "" {
		b = b.Software(h.Software)
	}
	return b.Build(stun.IntegrityNone, nil, false)
}
