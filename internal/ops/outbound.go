package ops

import "net"

// Outbound is what a handler produced for the transport layer to send.
// Exactly one of ToClient or ToPeer is non-nil: HandleSend and
// HandleChannelData set ToPeer, HandleInboundFromPeer sets ToClient.
// Request handlers return raw response bytes rather than an Outbound.
type Outbound struct {
	ToClient []byte       // bytes to write back to the client's transport
	ToPeer   []byte       // raw payload to relay to PeerAddr
	PeerAddr *net.UDPAddr // destination when ToPeer is set
}
