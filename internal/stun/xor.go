package stun

import (
	"encoding/binary"
	"net"
)

// Addr is a decoded address attribute value (MAPPED-ADDRESS family or an
// XOR-* family attribute after the XOR transform has been undone).
type Addr struct {
	IP   net.IP
	Port int
}

func cookieBytes() [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], MagicCookie)
	return b
}

// DecodeXORAddr undoes the XOR-MAPPED-ADDRESS family transform (RFC 8489
// §14.2). value is the attribute's raw TLV value (not including the 4-byte
// attribute header); txID is the containing message's transaction ID,
// needed for the IPv6 case.
func DecodeXORAddr(value []byte, txID [12]byte) (Addr, bool) {
	if len(value) < 4 {
		return Addr{}, false
	}
	family := value[1]
	xorPort := binary.BigEndian.Uint16(value[2:4])
	port := int(xorPort ^ uint16(MagicCookie>>16))
	cb := cookieBytes()

	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return Addr{}, false
		}
		ip := make(net.IP, 4)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cb[i]
		}
		return Addr{IP: ip, Port: port}, true
	case FamilyIPv6:
		if len(value) < 20 {
			return Addr{}, false
		}
		ip := make(net.IP, 16)
		for i := 0; i < 4; i++ {
			ip[i] = value[4+i] ^ cb[i]
		}
		for i := 0; i < 12; i++ {
			ip[4+i] = value[8+i] ^ txID[i]
		}
		return Addr{IP: ip, Port: port}, true
	default:
		return Addr{}, false
	}
}

// EncodeXORAddr applies the XOR-MAPPED-ADDRESS family transform and returns
// the attribute's TLV value (not including the 4-byte attribute header).
func EncodeXORAddr(addr Addr, txID [12]byte) []byte {
	cb := cookieBytes()
	if ip4 := addr.IP.To4(); ip4 != nil {
		v := make([]byte, 8)
		v[1] = FamilyIPv4
		binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
		for i := 0; i < 4; i++ {
			v[4+i] = ip4[i] ^ cb[i]
		}
		return v
	}

	ip6 := addr.IP.To16()
	v := make([]byte, 20)
	v[1] = FamilyIPv6
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	for i := 0; i < 4; i++ {
		v[4+i] = ip6[i] ^ cb[i]
	}
	for i := 0; i < 12; i++ {
		v[8+i] = ip6[4+i] ^ txID[i]
	}
	return v
}

// DecodeAddr decodes a non-XOR address attribute (MAPPED-ADDRESS), which
// carries the address and port in the clear.
func DecodeAddr(value []byte) (Addr, bool) {
	if len(value) < 4 {
		return Addr{}, false
	}
	family := value[1]
	port := int(binary.BigEndian.Uint16(value[2:4]))
	switch family {
	case FamilyIPv4:
		if len(value) < 8 {
			return Addr{}, false
		}
		ip := make(net.IP, 4)
		copy(ip, value[4:8])
		return Addr{IP: ip, Port: port}, true
	case FamilyIPv6:
		if len(value) < 20 {
			return Addr{}, false
		}
		ip := make(net.IP, 16)
		copy(ip, value[4:20])
		return Addr{IP: ip, Port: port}, true
	default:
		return Addr{}, false
	}
}

// EncodeAddr encodes a non-XOR address attribute value.
func EncodeAddr(addr Addr) []byte {
	if ip4 := addr.IP.To4(); ip4 != nil {
		v := make([]byte, 8)
		v[1] = FamilyIPv4
		binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port))
		copy(v[4:8], ip4)
		return v
	}
	ip6 := addr.IP.To16()
	v := make([]byte, 20)
	v[1] = FamilyIPv6
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port))
	copy(v[4:20], ip6)
	return v
}

// XORPeerAddresses decodes every XOR-PEER-ADDRESS attribute in m.
func (m *Message) XORPeerAddresses() []Addr {
	vals := m.Attrs(AttrXORPeerAddress)
	addrs := make([]Addr, 0, len(vals))
	for _, v := range vals {
		if a, ok := DecodeXORAddr(v, m.TransactionID); ok {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// XORPeerAddress decodes the first XOR-PEER-ADDRESS attribute.
func (m *Message) XORPeerAddress() (Addr, bool) {
	v := m.Attr(AttrXORPeerAddress)
	if v == nil {
		return Addr{}, false
	}
	return DecodeXORAddr(v, m.TransactionID)
}

// XORMappedAddress decodes XOR-MAPPED-ADDRESS.
func (m *Message) XORMappedAddress() (Addr, bool) {
	v := m.Attr(AttrXORMappedAddress)
	if v == nil {
		return Addr{}, false
	}
	return DecodeXORAddr(v, m.TransactionID)
}

// MappedAddress decodes the plain (non-XOR) MAPPED-ADDRESS attribute.
func (m *Message) MappedAddress() (Addr, bool) {
	v := m.Attr(AttrMappedAddress)
	if v == nil {
		return Addr{}, false
	}
	return DecodeAddr(v)
}

// ResponseOrigin decodes RESPONSE-ORIGIN, the server interface address a
// Binding response was sent from.
func (m *Message) ResponseOrigin() (Addr, bool) {
	v := m.Attr(AttrResponseOrigin)
	if v == nil {
		return Addr{}, false
	}
	return DecodeAddr(v)
}
